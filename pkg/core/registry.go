package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/corenet-emu/corenet/pkg/config"
	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/core/statestore"
	"github.com/corenet-emu/corenet/pkg/util"
)

// Registry is the process-wide set of sessions, threaded explicitly
// through the daemon rather than living in package state.
type Registry struct {
	Bus *events.Bus

	cfg   *config.Config
	store *statestore.Store

	mu       sync.Mutex
	sessions map[int]*Session
	ids      *IDPool
}

// SessionInfo is the listing row for one session.
type SessionInfo struct {
	ID    int
	State SessionState
	Nodes int
	File  string // the session's name; the scenario file path is not recorded
	Dir   string
}

// NewRegistry creates the registry. The state store may be nil.
func NewRegistry(cfg *config.Config, bus *events.Bus, store *statestore.Store) *Registry {
	return &Registry{
		Bus:      bus,
		cfg:      cfg,
		store:    store,
		sessions: make(map[int]*Session),
		ids:      NewIDPool(),
	}
}

// NewSession creates a session with the lowest unused id, owned by user.
func (r *Registry) NewSession(user string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ids.Next()
	dir := filepath.Join(r.cfg.Paths.StateDir, fmt.Sprintf("session-%d", id))
	s, err := newSession(id, user, dir, r.cfg.Session, r.Bus, r.store)
	if err != nil {
		r.ids.Release(id)
		return nil, err
	}
	r.sessions[id] = s
	util.WithSession(id).Infof("core: session created for %q", user)
	return s, nil
}

// Get returns a session by id.
func (r *Registry) Get(id int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, util.NewNotFoundError("session", fmt.Sprintf("%d", id))
	}
	return s, nil
}

// Check reports whether a session exists.
func (r *Registry) Check(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// List returns info rows for every session, sorted by id.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			ID:    s.ID,
			State: s.State(),
			Nodes: s.NodeCount(),
			File:  s.Name,
			Dir:   s.Dir,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete shuts a session down, removes it from the registry, and deletes
// its workspace unless the session asks for preservation.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return util.NewNotFoundError("session", fmt.Sprintf("%d", id))
	}

	if s.State() != StateShutdown {
		if err := s.SetState(StateShutdown); err != nil {
			util.WithSession(id).Warnf("core: delete shutdown: %v", err)
		}
	}
	preserve := r.cfg.Session.PreserveDir || s.optBool("preserve_dir")
	if !preserve {
		if err := os.RemoveAll(s.Dir); err != nil {
			util.WithSession(id).Warnf("core: remove workspace: %v", err)
		}
	}
	s.store.DeleteSession(context.Background(), id)
	r.ids.Release(id)
	util.WithSession(id).Info("core: session deleted")
	return nil
}

// Shutdown stops every session; called at daemon exit.
func (r *Registry) Shutdown() {
	for _, info := range r.List() {
		if s, err := r.Get(info.ID); err == nil {
			if err := s.SetState(StateShutdown); err != nil {
				util.WithSession(info.ID).Warnf("core: shutdown: %v", err)
			}
		}
	}
}

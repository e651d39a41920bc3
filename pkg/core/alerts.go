package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

// alertLimiter rate-limits non-fatal alerts to one per second per
// (kind, subject).
type alertLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newAlertLimiter() *alertLimiter {
	return &alertLimiter{last: make(map[string]time.Time)}
}

// allow reports whether an alert for the key may fire now.
func (l *alertLimiter) allow(kind, subject string) bool {
	key := kind + "\x00" + subject
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.last[key]; ok && now.Sub(t) < time.Second {
		return false
	}
	l.last[key] = now
	return true
}

// Alert publishes an alert event. Fatal alerts bypass rate limiting and
// are additionally recorded to the session's human-readable log.
func (s *Session) Alert(level events.AlertLevel, kind, subject string, nodeID int, text string) {
	if level != events.AlertFatal && !s.limits.allow(kind, subject) {
		return
	}

	s.publish(events.TopicAlert, events.AlertEvent{
		Level:   level,
		Kind:    kind,
		Subject: subject,
		NodeID:  nodeID,
		Text:    text,
	})

	entry := util.WithSession(s.ID).WithField("kind", kind)
	switch level {
	case events.AlertFatal:
		entry.Error(text)
		s.appendSessionLog(fmt.Sprintf("FATAL %s %s: %s", kind, subject, text))
	case events.AlertError:
		entry.Error(text)
	case events.AlertWarning:
		entry.Warn(text)
	default:
		entry.Info(text)
	}
}

// appendSessionLog writes one timestamped line to session.log in the
// workspace.
func (s *Session) appendSessionLog(line string) {
	path := filepath.Join(s.Dir, "session.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		util.WithSession(s.ID).Warnf("core: session log: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().Format(time.RFC3339), line)
}

// fatal raises a fatal alert and drives the session into shutdown before
// returning. The transition takes the session lock, so callers must not
// hold it.
func (s *Session) fatal(kind string, err error) {
	s.Alert(events.AlertFatal, kind, "", 0, err.Error())
	if s.State() == StateShutdown {
		return
	}
	if serr := s.SetState(StateShutdown); serr != nil {
		util.WithSession(s.ID).Errorf("core: shutdown after fatal: %v", serr)
	}
}

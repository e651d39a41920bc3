package core

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/core/nsdrv"
	"github.com/corenet-emu/corenet/pkg/core/services"
	"github.com/corenet-emu/corenet/pkg/util"
)

// nodeService resolves a node's effective (override-applied) service.
func (s *Session) nodeService(nodeID int, name string) (*Node, *services.Service, error) {
	n, err := s.Node(nodeID)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range n.serviceOrder {
		if svc.Name == name {
			return n, svc, nil
		}
	}
	// Not yet resolved (pre-configuration); fall back to the registry.
	order, err := s.sched.Resolve(n.Name, []string{name}, n.ServiceOverrides)
	if err != nil {
		return nil, nil, err
	}
	return n, order[len(order)-1], nil
}

// ServiceAction runs a single-service runtime operation: start, stop,
// restart, or validate.
func (s *Session) ServiceAction(nodeID int, name, action string) error {
	n, svc, err := s.nodeService(nodeID, name)
	if err != nil {
		return err
	}
	runner := &nsdrv.ShellRunner{Driver: s.drv, NodeID: n.ID}
	ctx := context.Background()

	record := func(state services.State) {
		s.mu.Lock()
		n.serviceState[name] = state
		s.mu.Unlock()
		s.store.SetServiceState(ctx, s.ID, n.ID, name, string(state))
	}

	switch action {
	case "start":
		if err := s.sched.StartOne(ctx, runner, svc); err != nil {
			record(services.StateFailed)
			s.Alert(events.AlertError, "service", n.Name+"/"+name, n.ID, err.Error())
			return err
		}
		record(services.StateRunning)
	case "stop":
		s.sched.StopOne(ctx, runner, svc)
		record(services.StateStopped)
	case "restart":
		s.sched.StopOne(ctx, runner, svc)
		if err := s.sched.StartOne(ctx, runner, svc); err != nil {
			record(services.StateFailed)
			s.Alert(events.AlertError, "service", n.Name+"/"+name, n.ID, err.Error())
			return err
		}
		record(services.StateRunning)
	case "validate":
		for _, cmd := range svc.Validate {
			if _, stderr, rc, err := runner.Exec(ctx, cmd); err != nil || rc != 0 {
				record(services.StateFailed)
				return fmt.Errorf("core: validate %s on %s: rc=%d %s", name, n.Name, rc, stderr)
			}
		}
	default:
		return fmt.Errorf("core: unknown service action %q: %w", action, util.ErrNotFound)
	}
	return nil
}

// ServiceFile renders one of a service's files for a node and returns the
// contents without touching the node workspace.
func (s *Session) ServiceFile(nodeID int, name, file string) (string, error) {
	n, svc, err := s.nodeService(nodeID, name)
	if err != nil {
		return "", err
	}
	body, ok := svc.Files[file]
	if !ok {
		return "", util.NewNotFoundError("service", name+"/"+file)
	}
	return services.Render(file, body, s.serviceEnv(n))
}

// ReloadServiceFile re-renders one file into the node workspace, picking
// up any override changes.
func (s *Session) ReloadServiceFile(nodeID int, name, file string) error {
	n, svc, err := s.nodeService(nodeID, name)
	if err != nil {
		return err
	}
	if _, ok := svc.Files[file]; !ok {
		return util.NewNotFoundError("service", name+"/"+file)
	}
	one := *svc
	one.Files = map[string]string{file: svc.Files[file]}
	one.Dirs = []string{filepath.Dir(file)}
	return s.sched.WriteFiles(&one, n.Dir, s.serviceEnv(n))
}

// SetServiceOverride replaces parts of a service for one node. Takes
// effect at the next configuration pass or explicit reload.
func (s *Session) SetServiceOverride(nodeID int, name string, o *services.Override) error {
	n, err := s.Node(nodeID)
	if err != nil {
		return err
	}
	if _, ok := s.sched.Registry.Lookup(name); !ok {
		return util.NewNotFoundError("service", name)
	}
	s.mu.Lock()
	n.ServiceOverrides[name] = o
	s.mu.Unlock()
	s.publish(events.TopicConfig, events.ConfigEvent{
		Subject: "service", NodeID: nodeID, Name: name, Value: "override",
	})
	return nil
}

package core

import (
	"context"
	"fmt"

	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

// SetState drives the lifecycle machine. Entry into a state runs the
// component work for that state, then publishes the session event, then
// the state's hooks. A work failure raises a fatal alert and sends the
// session to shutdown instead of returning an error; only disallowed
// transitions error synchronously.
func (s *Session) SetState(target SessionState) error {
	s.mu.Lock()
	cur := s.state
	if target == cur {
		s.mu.Unlock()
		return nil
	}
	if !canTransition(cur, target) {
		s.mu.Unlock()
		return &util.TransitionError{From: cur.String(), To: target.String()}
	}
	s.state = target
	s.mu.Unlock()

	util.WithSession(s.ID).Infof("core: state %s -> %s", cur, target)

	if err := s.enterState(target); err != nil {
		s.Alert(events.AlertFatal, "state-entry", target.String(), 0, err.Error())
		// The failure transition runs to completion before returning, so a
		// caller observes shutdown on the very next State() read.
		if target != StateShutdown {
			if serr := s.SetState(StateShutdown); serr != nil {
				util.WithSession(s.ID).Errorf("core: shutdown after entry failure: %v", serr)
			}
		}
		return nil
	}

	s.publish(events.TopicSession, events.SessionEvent{State: target.String()})
	s.runHooks(target)
	s.store.SetSessionState(context.Background(), s.ID, target.String(), s.NodeCount())
	return nil
}

// enterState runs the component-specific work for a state.
func (s *Session) enterState(state SessionState) error {
	switch state {
	case StateDefinition:
		return s.clearRuntime()
	case StateConfiguration:
		return s.configure()
	case StateInstantiation:
		return s.instantiate()
	case StateRuntime:
		return s.startRuntime()
	case StateDataCollect:
		return s.collect()
	case StateShutdown:
		return s.shutdown()
	default:
		return fmt.Errorf("core: no entry work for state %s", state)
	}
}

// Start walks the session from its current state into runtime.
func (s *Session) Start() error {
	for _, st := range []SessionState{StateConfiguration, StateInstantiation, StateRuntime} {
		if s.State() >= st {
			continue
		}
		if err := s.SetState(st); err != nil {
			return err
		}
		if s.State() == StateShutdown {
			return fmt.Errorf("core: session failed entering %s", st)
		}
	}
	return nil
}

// Stop walks a running session through datacollect into shutdown.
func (s *Session) Stop() error {
	if s.State() == StateRuntime {
		if err := s.SetState(StateDataCollect); err != nil {
			return err
		}
	}
	return s.SetState(StateShutdown)
}

// Reset returns a shut-down session to definition, keeping the
// user-authored data model.
func (s *Session) Reset() error {
	return s.SetState(StateDefinition)
}

package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/corenet-emu/corenet/pkg/util"
)

// State is one service's lifecycle state on a node.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Runner executes a shell command inside a node. Implemented by the
// namespace driver.
type Runner interface {
	Exec(ctx context.Context, command string) (stdout, stderr string, rc int, err error)
}

// Scheduler starts, validates, and stops one node's services in dependency
// order. Failures surface through OnAlert and the per-service state; the
// scheduler never aborts the whole node unless Escalate is set.
type Scheduler struct {
	Registry *Registry

	// Timeout bounds each individual command.
	Timeout time.Duration

	// Escalate makes a failed service abort the remaining startup order.
	Escalate bool

	// OnAlert reports per-service failures; fatal is true only when
	// Escalate is set and startup aborted.
	OnAlert func(service, text string, fatal bool)

	// Sleep is replaced in tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (s *Scheduler) alert(service, text string, fatal bool) {
	if s.OnAlert != nil {
		s.OnAlert(service, text, fatal)
	}
}

func (s *Scheduler) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Resolve returns the node's services in dependency order. Dependencies
// outside the enabled set are an error; cycles return a
// DependencyCycleError.
func (s *Scheduler) Resolve(node string, enabled []string, overrides map[string]*Override) ([]*Service, error) {
	resolved := make(map[string]*Service, len(enabled))
	for _, name := range enabled {
		svc, ok := s.Registry.Lookup(name)
		if !ok {
			return nil, util.NewNotFoundError("service", name)
		}
		resolved[name] = overrides[name].apply(svc)
	}

	// Depth-first topological sort with cycle detection; iterate names
	// sorted so the order is deterministic among independent services.
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(resolved))
	var order []*Service
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			cycle := append(append([]string{}, stack...), name)
			return &util.DependencyCycleError{Node: node, Services: cycle}
		}
		color[name] = gray
		stack = append(stack, name)
		svc := resolved[name]
		deps := append([]string{}, svc.Deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := resolved[dep]; !ok {
				return fmt.Errorf("services: %s on %s depends on disabled service %s: %w",
					name, node, dep, util.ErrNotFound)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		order = append(order, svc)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// WriteFiles creates a service's directories and renders its files into
// the node workspace dir.
func (s *Scheduler) WriteFiles(svc *Service, dir string, env *NodeEnv) error {
	for _, d := range svc.Dirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return fmt.Errorf("services: mkdir %s: %w", d, err)
		}
	}
	names := make([]string, 0, len(svc.Files))
	for name := range svc.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := Render(name, svc.Files[name], env)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("services: mkdir for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			return fmt.Errorf("services: write %s: %w", name, err)
		}
	}
	return nil
}

// StartAll runs the ordered service set: startup commands, then validate
// with retry. The returned map holds the final per-service state.
func (s *Scheduler) StartAll(ctx context.Context, runner Runner, order []*Service) map[string]State {
	states := make(map[string]State, len(order))
	for _, svc := range order {
		states[svc.Name] = StateStarting
		if err := s.startOne(ctx, runner, svc); err != nil {
			states[svc.Name] = StateFailed
			s.alert(svc.Name, err.Error(), s.Escalate)
			if s.Escalate {
				// Remaining services stay un-started.
				for _, rest := range order {
					if _, ok := states[rest.Name]; !ok {
						states[rest.Name] = StateStopped
					}
				}
				return states
			}
			continue
		}
		states[svc.Name] = StateRunning
	}
	return states
}

// StartOne starts a single service (used for runtime start/restart).
func (s *Scheduler) StartOne(ctx context.Context, runner Runner, svc *Service) error {
	return s.startOne(ctx, runner, svc)
}

func (s *Scheduler) startOne(ctx context.Context, runner Runner, svc *Service) error {
	for _, cmd := range svc.Startup {
		if err := s.runCommand(ctx, runner, svc.Name, cmd); err != nil {
			return err
		}
	}
	return s.validate(ctx, runner, svc)
}

// validate retries the service's validate commands until they all pass or
// the retry budget is spent.
func (s *Scheduler) validate(ctx context.Context, runner Runner, svc *Service) error {
	if len(svc.Validate) == 0 {
		return nil
	}
	var lastErr error
	for try := 0; try < svc.retries(); try++ {
		if try > 0 {
			s.sleep(svc.interval())
		}
		lastErr = nil
		for _, cmd := range svc.Validate {
			if err := s.runCommand(ctx, runner, svc.Name, cmd); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("services: validate %s: %w", svc.Name, lastErr)
}

// StopAll runs shutdown commands in reverse dependency order.
func (s *Scheduler) StopAll(ctx context.Context, runner Runner, order []*Service, states map[string]State) {
	for i := len(order) - 1; i >= 0; i-- {
		svc := order[i]
		if states != nil && states[svc.Name] != StateRunning {
			continue
		}
		s.StopOne(ctx, runner, svc)
		if states != nil {
			states[svc.Name] = StateStopped
		}
	}
}

// StopOne runs one service's shutdown commands. Failures are reported but
// do not stop the teardown.
func (s *Scheduler) StopOne(ctx context.Context, runner Runner, svc *Service) {
	for _, cmd := range svc.Shutdown {
		if err := s.runCommand(ctx, runner, svc.Name, cmd); err != nil {
			s.alert(svc.Name, err.Error(), false)
		}
	}
}

func (s *Scheduler) runCommand(ctx context.Context, runner Runner, service, cmd string) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, stderr, rc, err := runner.Exec(cctx, cmd)
	if err != nil {
		return fmt.Errorf("services: %s: %q: %w", service, cmd, err)
	}
	if rc != 0 {
		return fmt.Errorf("services: %s: %q exited %d: %s", service, cmd, rc, stderr)
	}
	return nil
}

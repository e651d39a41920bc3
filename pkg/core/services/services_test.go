package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corenet-emu/corenet/pkg/util"
)

// fakeRunner records executed commands and returns scripted results.
type fakeRunner struct {
	mu   sync.Mutex
	cmds []string
	// rcFor maps a command substring to an exit code; default 0.
	rcFor map[string]int
	// passAfter maps a command substring to the number of failures before
	// success (for validate retry tests).
	passAfter map[string]int
	seen      map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{rcFor: map[string]int{}, passAfter: map[string]int{}, seen: map[string]int{}}
}

func (f *fakeRunner) Exec(ctx context.Context, command string) (string, string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, command)
	for sub, n := range f.passAfter {
		if strings.Contains(command, sub) {
			f.seen[sub]++
			if f.seen[sub] <= n {
				return "", "not ready", 1, nil
			}
			return "", "", 0, nil
		}
	}
	for sub, rc := range f.rcFor {
		if strings.Contains(command, sub) {
			return "", "boom", rc, nil
		}
	}
	return "", "", 0, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	copy(out, f.cmds)
	return out
}

func testScheduler() *Scheduler {
	return &Scheduler{
		Registry: NewRegistry(),
		Timeout:  time.Second,
		Sleep:    func(time.Duration) {},
	}
}

func register(t *testing.T, r *Registry, svcs ...*Service) {
	t.Helper()
	for _, svc := range svcs {
		if err := r.Register(svc); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolveDependencyOrder(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry,
		&Service{Name: "A", Startup: []string{"start-a"}},
		&Service{Name: "B", Startup: []string{"start-b"}, Deps: []string{"A"}},
		&Service{Name: "C", Startup: []string{"start-c"}, Deps: []string{"B"}},
	)

	order, err := s.Resolve("n1", []string{"C", "A", "B"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := []string{order[0].Name, order[1].Name, order[2].Name}
	if got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("order = %v, want [A B C]", got)
	}
}

func TestResolveCycle(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry,
		&Service{Name: "A", Deps: []string{"B"}},
		&Service{Name: "B", Deps: []string{"A"}},
	)

	_, err := s.Resolve("n1", []string{"A", "B"}, nil)
	if !errors.Is(err, util.ErrServiceDependency) {
		t.Errorf("Resolve cycle = %v, want ErrServiceDependency", err)
	}
}

func TestResolveMissingDep(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry, &Service{Name: "A", Deps: []string{"Ghost"}})
	if _, err := s.Resolve("n1", []string{"A"}, nil); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Resolve missing dep = %v, want ErrNotFound", err)
	}
}

func TestStartStopOrdering(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry,
		&Service{Name: "A", Startup: []string{"start-a"}, Shutdown: []string{"stop-a"}},
		&Service{Name: "B", Startup: []string{"start-b"}, Shutdown: []string{"stop-b"}, Deps: []string{"A"}},
	)
	order, err := s.Resolve("n1", []string{"A", "B"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	runner := newFakeRunner()
	states := s.StartAll(context.Background(), runner, order)
	if states["A"] != StateRunning || states["B"] != StateRunning {
		t.Fatalf("states = %v", states)
	}
	s.StopAll(context.Background(), runner, order, states)

	cmds := runner.commands()
	want := []string{"start-a", "start-b", "stop-b", "stop-a"}
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v", cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, cmds[i], want[i])
		}
	}
	if states["A"] != StateStopped || states["B"] != StateStopped {
		t.Errorf("states after stop = %v", states)
	}
}

func TestValidateRetrySucceeds(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry, &Service{
		Name:     "svc",
		Startup:  []string{"start"},
		Validate: []string{"check-ready"},
	})
	order, _ := s.Resolve("n1", []string{"svc"}, nil)

	runner := newFakeRunner()
	runner.passAfter["check-ready"] = 2 // fails twice, passes on third try

	states := s.StartAll(context.Background(), runner, order)
	if states["svc"] != StateRunning {
		t.Errorf("state = %v, want running", states["svc"])
	}
}

func TestValidateExhaustedIsNonFatal(t *testing.T) {
	s := testScheduler()
	var alerts []string
	s.OnAlert = func(service, text string, fatal bool) {
		alerts = append(alerts, service)
		if fatal {
			t.Errorf("non-escalated failure reported fatal")
		}
	}
	register(t, s.Registry,
		&Service{Name: "bad", Startup: []string{"start-bad"}, Validate: []string{"check-bad"}},
		&Service{Name: "good", Startup: []string{"start-good"}},
	)
	order, _ := s.Resolve("n1", []string{"bad", "good"}, nil)

	runner := newFakeRunner()
	runner.rcFor["check-bad"] = 1

	states := s.StartAll(context.Background(), runner, order)
	if states["bad"] != StateFailed {
		t.Errorf("bad state = %v", states["bad"])
	}
	if states["good"] != StateRunning {
		t.Errorf("good state = %v; failure must not abort the node", states["good"])
	}
	if len(alerts) != 1 || alerts[0] != "bad" {
		t.Errorf("alerts = %v", alerts)
	}
}

func TestEscalateAborts(t *testing.T) {
	s := testScheduler()
	s.Escalate = true
	register(t, s.Registry,
		&Service{Name: "a-bad", Startup: []string{"start-bad"}},
		&Service{Name: "b-next", Startup: []string{"start-next"}},
	)
	order, _ := s.Resolve("n1", []string{"a-bad", "b-next"}, nil)

	runner := newFakeRunner()
	runner.rcFor["start-bad"] = 1

	states := s.StartAll(context.Background(), runner, order)
	if states["a-bad"] != StateFailed || states["b-next"] != StateStopped {
		t.Errorf("states = %v", states)
	}
	for _, cmd := range runner.commands() {
		if cmd == "start-next" {
			t.Errorf("escalated failure still started next service")
		}
	}
}

func TestStartTwiceSameResult(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry,
		&Service{Name: "A", Startup: []string{"start-a"}, Files: map[string]string{"a.conf": "node {{.Node.Name}}\n"}},
		&Service{Name: "B", Startup: []string{"start-b"}, Deps: []string{"A"}},
	)
	order, _ := s.Resolve("n1", []string{"A", "B"}, nil)

	dir := t.TempDir()
	env := &NodeEnv{}
	env.Node.ID = 1
	env.Node.Name = "n1"

	run := func() (map[string]State, string) {
		runner := newFakeRunner()
		for _, svc := range order {
			if err := s.WriteFiles(svc, dir, env); err != nil {
				t.Fatal(err)
			}
		}
		states := s.StartAll(context.Background(), runner, order)
		body, err := os.ReadFile(filepath.Join(dir, "a.conf"))
		if err != nil {
			t.Fatal(err)
		}
		return states, string(body)
	}

	s1, f1 := run()
	s2, f2 := run()
	if s1["A"] != s2["A"] || s1["B"] != s2["B"] {
		t.Errorf("states differ across runs: %v vs %v", s1, s2)
	}
	if f1 != f2 || f1 != "node n1\n" {
		t.Errorf("rendered files differ: %q vs %q", f1, f2)
	}
}

func TestOverrideReplacesFileAndCommands(t *testing.T) {
	s := testScheduler()
	register(t, s.Registry, &Service{
		Name:    "svc",
		Files:   map[string]string{"svc.conf": "default"},
		Startup: []string{"default-start"},
	})

	order, err := s.Resolve("n1", []string{"svc"}, map[string]*Override{
		"svc": {
			Files:   map[string]string{"svc.conf": "custom {{.Node.Name}}"},
			Startup: []string{"custom-start"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := order[0]
	if svc.Files["svc.conf"] != "custom {{.Node.Name}}" {
		t.Errorf("file override not applied: %q", svc.Files["svc.conf"])
	}
	if len(svc.Startup) != 1 || svc.Startup[0] != "custom-start" {
		t.Errorf("startup override not applied: %v", svc.Startup)
	}

	// The registry default is untouched.
	orig, _ := s.Registry.Lookup("svc")
	if orig.Startup[0] != "default-start" {
		t.Errorf("override mutated registry definition")
	}
}

func TestRenderTemplate(t *testing.T) {
	env := &NodeEnv{IPv4: []string{"10.0.0.1/24"}, Gateways: []string{"10.0.0.254"}}
	env.Node.Name = "r1"

	out, err := Render("t", "host {{.Node.Name}} ips {{join .IPv4 \",\"}}\n", env)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "host r1 ips 10.0.0.1/24\n" {
		t.Errorf("Render = %q", out)
	}

	if _, err := Render("t", "{{.Broken", env); err == nil {
		t.Errorf("broken template accepted")
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	r := NewRegistry()
	names := r.Names()
	var found bool
	for _, n := range names {
		if n == "IPForward" {
			found = true
		}
	}
	if !found {
		t.Errorf("builtin IPForward missing: %v", names)
	}
}

//go:build integration

// Package testutil holds helpers for the kernel-touching integration
// tests. Everything here needs root and real netlink access, so the whole
// package sits behind the integration build tag.
package testutil

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/corenet-emu/corenet/pkg/config"
	"github.com/corenet-emu/corenet/pkg/core"
	"github.com/corenet-emu/corenet/pkg/core/events"
)

// RequireRoot skips the test unless it can create kernel objects.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("integration test requires root")
	}
}

// Registry returns a registry rooted in a scratch state dir.
func Registry(t *testing.T) *core.Registry {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Paths.StateDir = t.TempDir()
	return core.NewRegistry(cfg, events.NewBus(), nil)
}

// Session returns a fresh session that is shut down at test cleanup.
func Session(t *testing.T, r *core.Registry) *core.Session {
	t.Helper()
	s, err := r.NewSession("integration")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := r.Delete(s.ID); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})
	return s
}

// Ping runs ping inside a node and reports whether all probes answered.
func Ping(t *testing.T, s *core.Session, nodeID int, target string, count int) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := s.NodeCommand(ctx, nodeID,
		[]string{"ping", "-c", strconv.Itoa(count), "-W", "2", target}, true, 20*time.Second)
	if err != nil {
		t.Logf("ping: %v", err)
		return false
	}
	return res.RC == 0 && strings.Contains(res.Stdout, " 0% packet loss")
}

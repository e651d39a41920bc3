package core

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/corenet-emu/corenet/pkg/util"
)

// runHooks executes every hook registered under a state, in insertion
// order. Hook bodies run as host processes with a fixed environment; their
// exit codes are logged only, so a failing hook never blocks a transition.
func (s *Session) runHooks(state SessionState) {
	hooks := s.Hooks(state)
	if len(hooks) == 0 {
		return
	}

	hookDir := filepath.Join(s.Dir, "hooks")
	if err := os.MkdirAll(hookDir, 0755); err != nil {
		util.WithSession(s.ID).Warnf("core: hook dir: %v", err)
		return
	}

	for _, h := range hooks {
		s.runHook(hookDir, h)
	}
}

func (s *Session) runHook(hookDir string, h Hook) {
	log := util.WithSession(s.ID).WithField("hook", h.Name)

	path := filepath.Join(hookDir, fmt.Sprintf("%s.%s", h.State, h.Name))
	if err := os.WriteFile(path, []byte(h.Body), 0755); err != nil {
		log.Warnf("core: write hook: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SESSION=%d", s.ID),
		fmt.Sprintf("SESSION_DIR=%s", s.Dir),
		fmt.Sprintf("SESSION_USER=%s", s.User),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Timeout kills the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warnf("core: hook exited: %v (output: %s)", err, out)
		return
	}
	log.Debugf("core: hook ok")
}

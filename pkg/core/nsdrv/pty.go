package nsdrv

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Terminal is an interactive shell running inside a node, driven through a
// pseudo-terminal.
type Terminal struct {
	Master *os.File // read/write side held by the daemon
	Name   string   // pts path for external terminal programs
	Cmd    *exec.Cmd
}

// Close tears the terminal down, killing the shell if still running.
func (t *Terminal) Close() error {
	if t.Cmd != nil && t.Cmd.Process != nil {
		t.Cmd.Process.Kill()
		t.Cmd.Wait()
	}
	return t.Master.Close()
}

// OpenTerminal starts shell inside the node's namespace on a fresh pty.
func (d *Driver) OpenTerminal(nodeID int, shell string) (*Terminal, error) {
	node, ok := d.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("nsdrv: node %d: %w", nodeID, util.ErrNotRunning)
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	master, ptsName, err := openPty()
	if err != nil {
		return nil, util.NewNamespaceError("pty", node.Name, err)
	}

	pts, err := os.OpenFile(ptsName, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, util.NewNamespaceError("pty-open", node.Name, err)
	}
	defer pts.Close()

	cmd := exec.Command("ip", "netns", "exec", node.Name, shell)
	cmd.Stdin = pts
	cmd.Stdout = pts
	cmd.Stderr = pts
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
	cmd.Env = append(os.Environ(), "PS1=["+node.Name+"] ")

	if err := cmd.Start(); err != nil {
		master.Close()
		return nil, util.NewNamespaceError("terminal", node.Name, err)
	}
	go cmd.Wait() // reap

	return &Terminal{Master: master, Name: ptsName, Cmd: cmd}, nil
}

// openPty allocates a pseudo-terminal pair, returning the master side and
// the slave path.
func openPty() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, "", err
	}
	fd := int(master.Fd())

	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", err
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", err
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

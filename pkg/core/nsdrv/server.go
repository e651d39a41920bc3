package nsdrv

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corenet-emu/corenet/pkg/util"
)

// ServerOptions configures RunServer.
type ServerOptions struct {
	Socket string
	// Mounts replaces /var/run and /var/log with private tmpfs instances
	// in the server's mount namespace; every node process inherits them.
	Mounts bool
}

// RunServer is the entry point of the per-node command server process. It
// serves one JSON request per connection until SIGTERM/SIGINT. The daemon
// launches it inside the node's namespaces via the hidden node-server
// subcommand.
func RunServer(opts ServerOptions) error {
	if opts.Mounts {
		mountPrivate("/var/run")
		mountPrivate("/var/log")
	}

	os.Remove(opts.Socket) // remove stale socket
	ln, err := net.Listen("unix", opts.Socket)
	if err != nil {
		return err
	}
	defer ln.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed
		}
		go serveConn(conn)
	}
}

// mountPrivate puts a fresh tmpfs at path. Failures are logged, not fatal:
// the node still works, just without private state dirs.
func mountPrivate(path string) {
	if err := os.MkdirAll(path, 0755); err != nil {
		util.Logger.Warnf("nsdrv: mkdir %s: %v", path, err)
		return
	}
	if err := unix.Mount("tmpfs", path, "tmpfs", 0, "mode=0755"); err != nil {
		util.Logger.Warnf("nsdrv: mount tmpfs %s: %v", path, err)
	}
}

func serveConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(Response{Err: "bad request: " + err.Error()})
		return
	}
	resp := execute(&req)
	json.NewEncoder(conn).Encode(resp)
}

// execute runs one request. Commands get their own process group so a
// timeout can kill the whole tree.
func execute(req *Request) Response {
	if len(req.Argv) == 0 {
		return Response{Err: "empty command"}
	}

	var cmd *exec.Cmd
	if req.Shell {
		cmd = exec.Command("/bin/sh", "-c", strings.Join(req.Argv, " "))
	} else {
		cmd = exec.Command(req.Argv[0], req.Argv[1:]...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	if !req.Wait {
		if err := cmd.Start(); err != nil {
			return Response{Err: err.Error()}
		}
		pid := cmd.Process.Pid
		go cmd.Wait() // reap
		return Response{PID: pid}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Response{Err: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(time.Duration(req.Timeout) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		rc := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{Stdout: stdout.String(), Stderr: stderr.String(), RC: rc}
	case <-timeout:
		// Kill the whole process group, then reap.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return Response{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			RC:       -1,
			TimedOut: true,
		}
	}
}

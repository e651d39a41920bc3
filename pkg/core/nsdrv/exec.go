package nsdrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/corenet-emu/corenet/pkg/util"
)

// ExecOpts modifies one exec request.
type ExecOpts struct {
	Shell   bool          // run through /bin/sh -c
	Stdin   string        // piped to the command
	Wait    bool          // collect output and exit code
	Timeout time.Duration // 0 = no timeout
}

// ExecResult is the outcome of a waited command.
type ExecResult struct {
	Stdout string
	Stderr string
	RC     int
	PID    int // for Wait=false requests
}

// Exec runs argv inside the node through its command server. Returns
// ErrNotRunning when the node's server is gone and ErrExecTimeout when the
// request's timeout killed the command.
func (d *Driver) Exec(ctx context.Context, nodeID int, argv []string, opts ExecOpts) (*ExecResult, error) {
	node, ok := d.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("nsdrv: node %d: %w", nodeID, util.ErrNotRunning)
	}
	return execOn(ctx, node.Socket, argv, opts)
}

// execOn sends one request to a command server socket.
func execOn(ctx context.Context, socket string, argv []string, opts ExecOpts) (*ExecResult, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("nsdrv: dial %s: %w", socket, util.ErrNotRunning)
	}
	defer conn.Close()

	req := Request{
		Argv:  argv,
		Shell: opts.Shell,
		Stdin: opts.Stdin,
		Wait:  opts.Wait,
	}
	if opts.Timeout > 0 {
		req.Timeout = int(opts.Timeout / time.Millisecond)
		// Give the server a moment past the command deadline to reply.
		conn.SetDeadline(time.Now().Add(opts.Timeout + 5*time.Second))
	} else if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return nil, fmt.Errorf("nsdrv: send request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("nsdrv: read response: %w", err)
	}

	if resp.TimedOut {
		return nil, fmt.Errorf("nsdrv: %q: %w", argv, util.ErrExecTimeout)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("nsdrv: %q: %s", argv, resp.Err)
	}
	return &ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, RC: resp.RC, PID: resp.PID}, nil
}

// ShellRunner adapts a node to the service scheduler's Runner interface,
// executing each command line through the node's shell.
type ShellRunner struct {
	Driver *Driver
	NodeID int
}

// Exec implements services.Runner.
func (r *ShellRunner) Exec(ctx context.Context, command string) (string, string, int, error) {
	opts := ExecOpts{Shell: true, Wait: true}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}
	res, err := r.Driver.Exec(ctx, r.NodeID, []string{command}, opts)
	if err != nil {
		return "", "", -1, err
	}
	return res.Stdout, res.Stderr, res.RC, nil
}

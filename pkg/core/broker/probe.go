package broker

import (
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/corenet-emu/corenet/pkg/util"
)

// ProbeConfig describes how to reach a peer server for the pre-connect
// reachability check.
type ProbeConfig struct {
	Host    string
	SSHPort int
	User    string
	// Password is optional; when empty only TCP reachability is checked.
	Password string
	Timeout  time.Duration
}

// Probe verifies a peer server is reachable before the control channel is
// opened: a TCP dial to its SSH port, and when credentials are configured,
// a full SSH session confirming the daemon binary is present.
func Probe(cfg ProbeConfig) error {
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.SSHPort)

	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
	if err != nil {
		return fmt.Errorf("broker: probe %s: %w", addr, util.ErrPeerUnreachable)
	}
	conn.Close()

	if cfg.Password == "" {
		return nil
	}

	config := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("broker: probe ssh %s: %w", addr, util.ErrPeerUnreachable)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("broker: probe session %s: %w", addr, util.ErrPeerUnreachable)
	}
	defer session.Close()

	out, err := session.Output("command -v corenetd")
	if err != nil || strings.TrimSpace(string(out)) == "" {
		return fmt.Errorf("broker: probe %s: daemon not installed: %w", addr, util.ErrPeerUnreachable)
	}
	return nil
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/corenet-emu/corenet/pkg/config"
	"github.com/corenet-emu/corenet/pkg/core"
	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/util"
)

func newRunCmd() *cobra.Command {
	var noStart bool
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "build and start an emulation in the foreground",
		Long: `Run opens a scenario, instantiates it, and keeps it running until
interrupted. With a terminal attached, a small prompt accepts:

  console <node-id>    open a shell inside a node
  status               list nodes and service states
  quit                 tear down and exit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(args[0], !noStart)
		},
	}
	cmd.Flags().BoolVar(&noStart, "no-start", false, "open the scenario without instantiating it")
	return cmd
}

func runScenario(path string, start bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	registry := core.NewRegistry(cfg, events.NewBus(), nil)
	defer registry.Shutdown()

	session, err := registry.OpenScenario(data, os.Getenv("USER"))
	if err != nil {
		return err
	}
	fmt.Printf("session %d opened from %s (%d nodes)\n", session.ID, path, session.NodeCount())

	if start {
		if err := session.Start(); err != nil {
			return err
		}
		fmt.Println("session running; interrupt to stop")
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		return interactive(session)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return session.Stop()
}

// interactive reads operator commands until quit or interrupt.
func interactive(session *core.Session) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-sig:
			return session.Stop()
		case line, ok := <-lines:
			if !ok {
				return session.Stop()
			}
			if done := dispatch(session, strings.Fields(line)); done {
				return session.Stop()
			}
			fmt.Print("> ")
		}
	}
}

func dispatch(session *core.Session, fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "quit", "exit":
		return true
	case "status":
		for _, n := range session.Nodes() {
			fmt.Printf("  %3d %-12s %-10s (%.0f, %.0f)\n", n.ID, n.Name, n.Type, n.X, n.Y)
			for svc, state := range n.ServiceState() {
				fmt.Printf("        %s: %s\n", svc, state)
			}
		}
	case "console":
		if len(fields) != 2 {
			fmt.Println("usage: console <node-id>")
			return false
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("usage: console <node-id>")
			return false
		}
		if err := console(session, id); err != nil {
			fmt.Printf("console: %v\n", err)
		}
	default:
		fmt.Println("commands: console <node-id>, status, quit")
	}
	return false
}

// console attaches the operator's terminal to a shell inside a node.
func console(session *core.Session, nodeID int) error {
	t, err := session.OpenNodeTerminal(nodeID, "/bin/sh")
	if err != nil {
		return err
	}
	defer t.Close()

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	done := make(chan struct{})
	go func() {
		io.Copy(t.Master, os.Stdin)
		close(done)
	}()
	go func() {
		io.Copy(os.Stdout, t.Master)
	}()
	<-done
	util.Logger.Debug("corenet: console detached")
	return nil
}

// corenetd — the network emulation daemon.
//
// corenetd hosts emulation sessions: Linux-namespace nodes joined by
// virtual bridges and wireless clouds, driven through the session engine.
// It also serves the peer side of distributed sessions, and re-executes
// itself as the hidden node-server subcommand inside node namespaces.
//
// Usage:
//
//	corenetd run                     # run the daemon in the foreground
//	corenetd run --config /etc/corenet/corenet.yaml
//	corenetd version
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corenet-emu/corenet/pkg/config"
	"github.com/corenet-emu/corenet/pkg/core"
	"github.com/corenet-emu/corenet/pkg/core/broker"
	"github.com/corenet-emu/corenet/pkg/core/events"
	"github.com/corenet-emu/corenet/pkg/core/nsdrv"
	"github.com/corenet-emu/corenet/pkg/core/statestore"
	"github.com/corenet-emu/corenet/pkg/util"
	"github.com/corenet-emu/corenet/pkg/version"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "corenetd",
	Short:             "network emulation daemon",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			return util.SetLogLevel(logLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level override")

	rootCmd.AddCommand(
		newRunCmd(),
		newNodeServerCmd(),
		newVersionCmd(),
	)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel == "" {
				if err := util.SetLogLevel(cfg.Logging.Level); err != nil {
					return err
				}
			}
			if cfg.Logging.JSON {
				util.SetJSONFormat()
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	store, err := statestore.New(cfg.StateStore.Addr, cfg.StateStore.Password, cfg.StateStore.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewBus()
	registry := core.NewRegistry(cfg, bus, store)

	// Peer surface for distributed sessions.
	peers := &broker.PeerServer{Handler: core.NewPeerAdapter(registry)}
	mux := http.NewServeMux()
	mux.Handle("/peer", peers)
	srv := &http.Server{Addr: cfg.Broker.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Logger.Errorf("corenetd: broker listener: %v", err)
		}
	}()

	util.Logger.Infof("corenetd: %s listening for peers on %s", version.Info(), cfg.Broker.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	util.Logger.Info("corenetd: shutting down")
	registry.Shutdown()
	return srv.Close()
}

// newNodeServerCmd is the hidden per-node command server entry point,
// launched inside each node's namespaces.
func newNodeServerCmd() *cobra.Command {
	var socket string
	var mounts bool
	cmd := &cobra.Command{
		Use:    "node-server",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				return fmt.Errorf("node-server: --socket is required")
			}
			return nsdrv.RunServer(nsdrv.ServerOptions{Socket: socket, Mounts: mounts})
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket path")
	cmd.Flags().BoolVar(&mounts, "mounts", false, "mount private /var/run and /var/log")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	}
}

// corenet — operator CLI for the network emulator.
//
// corenet works on scenario files and can run an emulation in the
// foreground without a separate daemon:
//
//	corenet check topo.yaml          # validate a scenario document
//	corenet show topo.yaml           # summarize nodes and links
//	corenet run topo.yaml            # build and start the emulation
//	corenet version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corenet-emu/corenet/pkg/util"
	"github.com/corenet-emu/corenet/pkg/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "corenet",
	Short:             "network emulator CLI",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			return util.SetLogLevel("debug")
		}
		return util.SetLogLevel("warn")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newCheckCmd(),
		newShowCmd(),
		newRunCmd(),
		newVersionCmd(),
	)
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

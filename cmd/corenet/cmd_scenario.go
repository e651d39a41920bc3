package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corenet-emu/corenet/pkg/core/scenario"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <scenario.yaml>",
		Short: "validate a scenario document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := scenario.Load(data)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d nodes, %d links)\n", args[0], len(doc.Nodes), len(doc.Links))
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <scenario.yaml>",
		Short: "summarize a scenario document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := scenario.Load(data)
			if err != nil {
				return err
			}

			fmt.Printf("session: %s (user %s)\n", doc.Session.Name, doc.Session.User)
			fmt.Println("nodes:")
			for _, n := range doc.Nodes {
				fmt.Printf("  %3d %-12s %-10s (%.0f, %.0f)", n.ID, n.Name, n.Type, n.X, n.Y)
				if len(n.Services) > 0 {
					fmt.Printf("  services=%v", n.Services)
				}
				fmt.Println()
			}
			if len(doc.Links) > 0 {
				fmt.Println("links:")
				for _, l := range doc.Links {
					fmt.Printf("  %d:%d <-> %d:%d %s", l.Node1, l.Iface1, l.Node2, l.Iface2, l.Type)
					if l.Options != nil {
						fmt.Printf("  bw=%d delay=%dus loss=%g%%",
							l.Options.Bandwidth, l.Options.Delay, l.Options.Loss)
					}
					fmt.Println()
				}
			}
			if len(doc.Hooks) > 0 {
				fmt.Println("hooks:")
				for _, h := range doc.Hooks {
					fmt.Printf("  %s %s\n", h.State, h.Name)
				}
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cdcw/intake/pkg/intake"
)

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Look up cached guests",
}

var guestShowCmd = &cobra.Command{
	Use:   "show <guest-id>",
	Short: "Show one cached guest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStation(cmd, func(ctx context.Context, st *intake.Station) error {
			g, err := st.Lookup(ctx, args[0])
			if err != nil {
				return fmt.Errorf("lookup %s: %w", args[0], err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), g)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:            %s\n", g.ID)
			fmt.Fprintf(out, "Name:          %s\n", g.DisplayName())
			fmt.Fprintf(out, "Felton Bucks:  %d\n", g.FeltonBucks)
			fmt.Fprintf(out, "Last visit:    %s\n", g.LastVisit)
			if g.AliasOf != "" {
				fmt.Fprintf(out, "Replaces:      %s\n", g.AliasOf)
			}
			return nil
		})
	},
}

var guestSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search cached guests by id, name, program or visit date",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := ""
		if len(args) == 1 {
			q = args[0]
		}
		return withStation(cmd, func(ctx context.Context, st *intake.Station) error {
			found, err := st.Search(ctx, q)
			if err != nil {
				return fmt.Errorf("search guests: %w", err)
			}
			if jsonOutput {
				if found == nil {
					found = []intake.Guest{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"guests": found, "total": len(found)})
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No guests found.")
				return nil
			}
			w := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tNAME\tBUCKS\tLAST VISIT")
			for _, g := range found {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.ID, g.DisplayName(), g.FeltonBucks, g.LastVisit)
			}
			return w.Flush()
		})
	},
}

func init() {
	guestCmd.AddCommand(guestShowCmd)
	guestCmd.AddCommand(guestSearchCmd)
}

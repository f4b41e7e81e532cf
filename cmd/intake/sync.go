package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdcw/intake/pkg/intake"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued events now and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStation(cmd, func(ctx context.Context, st *intake.Station) error {
			return printStatus(cmd.OutOrStdout(), st.SyncNow(ctx))
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status without contacting the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStation(cmd, func(ctx context.Context, st *intake.Station) error {
			return printStatus(cmd.OutOrStdout(), st.Status())
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending events, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

func init() {
	queueCmd.AddCommand(queueListCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withStation(cmd, func(ctx context.Context, st *intake.Station) error {
		items, err := st.Items(ctx)
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}

		if jsonOutput {
			if items == nil {
				items = []intake.Item{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"items": items,
				"total": len(items),
			})
		}

		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tACTION\tQUEUED\tRETRIES\tLAST ERROR")
		for _, it := range items {
			lastErr := it.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				it.ID,
				it.Action,
				it.Timestamp.Local().Format("2006-01-02 15:04:05"),
				it.RetryCount,
				lastErr,
			)
		}
		return w.Flush()
	})
}

func printStatus(out io.Writer, s intake.Status) error {
	if jsonOutput {
		return printJSON(out, s)
	}

	fmt.Fprintf(out, "Queue length:  %d\n", s.QueueLength)
	fmt.Fprintf(out, "Syncing:       %t\n", s.IsSyncing)
	if s.HeadID != "" {
		fmt.Fprintf(out, "Head:          %s (retries %d)\n", s.HeadID, s.HeadRetryCount)
	}
	if s.HeadError != "" {
		fmt.Fprintf(out, "Head error:    %s\n", s.HeadError)
	}
	if s.LastSyncAt != nil {
		fmt.Fprintf(out, "Last sync:     %s\n", s.LastSyncAt.Local().Format(time.RFC3339))
	}
	return nil
}

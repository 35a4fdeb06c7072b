package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"inventory-sync/internal/config"
	"inventory-sync/internal/store"
)

func newQueueCmd(load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline operation queue",
	}
	cmd.AddCommand(newQueueListCmd(load), newQueueRetryCmd(load))
	return cmd
}

func newQueueListCmd(load func() (*config.Config, error)) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.StateStorage)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListEntries(cmd.Context())
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Payload", "Status", "Retries", "Last retry", "Created", "Error"})
			for _, e := range entries {
				if !all && e.Status == store.QueueStatusCompleted {
					continue
				}
				tw.AppendRow(table.Row{
					e.ID,
					truncate(e.Payload, 32),
					e.Status,
					e.RetryCount,
					ago(e.LastRetryAt),
					humanize.Time(e.CreatedAt),
					e.ErrorMessage,
				})
			}
			tw.AppendFooter(table.Row{"", "", "", "", "", "Total", humanize.Comma(int64(len(entries)))})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed entries")
	return cmd
}

func newQueueRetryCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed operation and drain the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			a.probe(cmd.Context())
			if !a.status.IsConnected() {
				fmt.Fprintln(os.Stderr, "cloud unreachable; the entry is reset and will run once online")
			}
			if err := a.queue.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}

			e, err := a.store.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s", e.ID, e.Status)
			if e.ErrorMessage != "" {
				fmt.Printf(" (%s)", e.ErrorMessage)
			}
			fmt.Println()
			return nil
		},
	}
}

func ago(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

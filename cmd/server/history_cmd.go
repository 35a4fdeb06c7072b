package main

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"inventory-sync/internal/config"
	"inventory-sync/internal/store"
)

func newHistoryCmd(load func() (*config.Config, error)) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync cycles",
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

			rows, err := st.GetSyncHistory(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Started", "Took", "Status", "Collections", "Conflicts", "Error"})
			for _, h := range rows {
				took := "-"
				if h.CompletedAt != nil {
					took = humanize.RelTime(h.StartedAt, *h.CompletedAt, "", "")
				}
				tw.AppendRow(table.Row{
					humanize.Time(h.StartedAt),
					took,
					h.Status,
					h.Collections,
					h.ConflictsDetected,
					h.ErrorMessage,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")
	return cmd
}

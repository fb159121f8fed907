package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/dhis2-extract/pkg/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		dbPath       string
		connectionID string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent extraction runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				return fmt.Errorf("--history-db is required")
			}
			store, err := history.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), connectionID, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tCONNECTION\tSTATUS\tROWS\tSTARTED\tDURATION\tOUTPUT/ERROR")
			for _, r := range runs {
				detail := r.OutputPath
				if r.Status == history.StatusFailed {
					detail = r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.ID, r.ConnectionID, r.Status, r.Rows,
					r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond), detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "history-db", getEnv("HISTORY_DB", ""), "SQLite run history")
	cmd.Flags().StringVar(&connectionID, "connection-id", "", "Only runs of this connection")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs (0 for all)")
	return cmd
}

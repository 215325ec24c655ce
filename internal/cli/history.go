package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tetra3d/internal/storage"
)

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit   int
		summary bool
		prune   time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the call journal",
		Long: `Show recent calls from the journal at paths.journal_path, or a per-status
summary. --prune deletes entries older than the given age first.

Examples:
  tetra3d history --limit 20
  tetra3d history --summary
  tetra3d history --prune 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.cfg.Paths.JournalPath
			if path == "" {
				return errors.New("call journal disabled: paths.journal_path is empty")
			}
			store, err := storage.New(path)
			if err != nil {
				return fmt.Errorf("failed to open call journal: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := store.Prune(time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d calls older than %s\n", n, prune)
			}

			if summary {
				sums, err := store.Summary()
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, sums)
				}
				t := table.NewWriter()
				t.SetOutputMirror(out)
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Method", "Status", "Calls", "Mean solve"})
				for _, s := range sums {
					t.AppendRow(table.Row{s.Method, s.Status, s.Count, fmt.Sprintf("%.1fms", s.MeanSolveMS)})
				}
				t.Render()
				return nil
			}

			recs, err := store.RecentCalls(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, recs)
			}
			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Time", "ID", "Method", "Status", "Stars", "Solve", "Reason"})
			for _, r := range recs {
				t.AppendRow(table.Row{
					r.CreatedAt.Local().Format(time.DateTime), r.ID, r.Method, r.Status,
					r.Centroids, r.SolveTime.Round(time.Millisecond), r.FailureReason,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of calls to show")
	cmd.Flags().BoolVar(&summary, "summary", false, "show counts per method and status")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete calls older than this age first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

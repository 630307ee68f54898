package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/store"
)

var (
	statusLimit int
	statusRunID string
	statusSkips int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show table counts and recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("status"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if statusRunID != "" {
			run, err := st.GetRun(ctx, statusRunID)
			if err != nil {
				return eris.Wrap(err, "status")
			}
			skips, err := st.ListSkips(ctx, statusRunID, statusSkips)
			if err != nil {
				return eris.Wrap(err, "status")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Run   *model.Run   `json:"run"`
				Skips []model.Skip `json:"skips"`
			}{run, skips})
		}

		counts, err := st.Counts(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: statusLimit})
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatCounts(os.Stdout, counts)
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		fmt.Fprintln(os.Stdout)
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "max number of runs to display")
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "show one run and its skipped rows as JSON")
	statusCmd.Flags().IntVar(&statusSkips, "skips", 50, "max skipped rows to show with --run")
	rootCmd.AddCommand(statusCmd)
}

// formatCounts writes the per-table row counts to out.
func formatCounts(out io.Writer, c store.Counts) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Accidents:\t%d\n", c.Accidents)
	_, _ = fmt.Fprintf(w, "Coordinates:\t%d\n", c.Coordinates)
	_, _ = fmt.Fprintf(w, "Participant sets:\t%d\n", c.Participants)
	_, _ = fmt.Fprintf(w, "Runs:\t%d\n", c.Runs)
	_, _ = fmt.Fprintf(w, "Skipped rows:\t%d\n", c.Skipped)
	_ = w.Flush()
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tROWS\tCREATED\tQUERIES\tFAILURES")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t--------\t----\t-------\t-------\t--------")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		created := r.Stats.AccidentsCreated
		if r.Kind == model.RunKindBackfill {
			created = r.Stats.Updated
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			truncateID(r.ID),
			r.Kind,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Stats.RowsRead,
			created,
			r.Stats.Queries,
			r.Stats.Failures,
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

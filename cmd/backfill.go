package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/accident-etl/internal/archive"
	"github.com/sells-group/accident-etl/internal/loader"
	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/monitoring"
)

var backfillFile string

var backfillCarsCmd = &cobra.Command{
	Use:   "backfill-cars",
	Short: "Restore car flags on already loaded accidents",
	Long: `Re-reads a source table and points each stored accident at the
participant set carrying the row's complete flags. Accidents loaded before the
car flag was read get it back; accidents missing from the store are counted and
left alone. No geocoding is performed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("backfill"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		raw, err := readBackfillTable(ctx, backfillFile)
		if err != nil {
			return err
		}
		recs, _, err := prepareRecords(raw, 0)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l := loader.New(st, nil, loader.Options{
			ProgressEvery: cfg.Loader.ProgressEvery,
			Metrics:       monitoring.NewMetrics(),
		})
		stats, runErr := l.Backfill(ctx, recs)
		alertLatestRun(ctx, st, model.RunKindBackfill, cfg.Monitor)
		if runErr != nil {
			return runErr
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	backfillCarsCmd.Flags().StringVar(&backfillFile, "file", "", "source table to read (default: the combined table under source.base_dir)")
	rootCmd.AddCommand(backfillCarsCmd)
}

func readBackfillTable(ctx context.Context, path string) (*archive.Table, error) {
	if path == "" {
		return archive.ReadCombined(ctx, cfg.Source.BaseDir)
	}
	return archive.ReadTableFile(ctx, path, cfg.Source.Charset)
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/accident-etl/internal/archive"
	"github.com/sells-group/accident-etl/internal/config"
	"github.com/sells-group/accident-etl/internal/loader"
	"github.com/sells-group/accident-etl/internal/model"
	"github.com/sells-group/accident-etl/internal/monitoring"
	"github.com/sells-group/accident-etl/internal/roadtype"
	"github.com/sells-group/accident-etl/internal/store"
)

var (
	loadFromCombined bool
	loadLimit        int
	loadMetricsAddr  string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Fetch, normalize, classify and load accidents",
	Long: `Fetches the archives (or reads the combined table written by a previous
fetch), keeps the complete rows, classifies each new coordinate's road type
and inserts the accidents. Coordinates already stored are never geocoded
again, so re-running over the same data creates nothing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("load"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		raw, err := readSource(ctx, cfg.Source, loadFromCombined)
		if err != nil {
			return err
		}
		recs, rejected, err := prepareRecords(raw, loadLimit)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		enr, err := newEnricher(cfg.Geocoder)
		if err != nil {
			return err
		}

		metrics := monitoring.NewMetrics()
		l := loader.New(st, enr, loader.Options{
			Workers:       cfg.Loader.Workers,
			ProgressEvery: cfg.Loader.ProgressEvery,
			Metrics:       metrics,
			CircuitWaits:  cfg.Loader.CircuitWaits,
		})

		addr := loadMetricsAddr
		if addr == "" {
			addr = cfg.Monitor.Addr
		}
		if addr != "" {
			srv := monitoring.NewServer(monitoring.ServerOptions{
				Addr:          addr,
				Store:         st,
				Metrics:       metrics,
				Collector:     monitoring.NewCollector(st, clockwork.NewRealClock()),
				Live:          l.Live,
				LookbackHours: cfg.Monitor.LookbackWindowHours,
			})
			srv.Start()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
					zap.L().Warn("status server shutdown", zap.Error(err))
				}
			}()
		}

		stats, runErr := l.LoadParsed(ctx, recs, rejected)
		alertLatestRun(ctx, st, model.RunKindLoad, cfg.Monitor)
		if runErr != nil {
			return runErr
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	loadCmd.Flags().BoolVar(&loadFromCombined, "from-combined", false, "read the combined table from source.base_dir instead of fetching")
	loadCmd.Flags().IntVar(&loadLimit, "limit", 0, "load at most this many complete rows (0 = all)")
	loadCmd.Flags().StringVar(&loadMetricsAddr, "metrics-addr", "", "serve /healthz, /metrics and /status on this address (default monitor.addr)")
	rootCmd.AddCommand(loadCmd)
}

// readSource fetches the archives, or reads the combined table of an earlier
// fetch when fromCombined is set.
func readSource(ctx context.Context, sc config.SourceConfig, fromCombined bool) (*archive.Table, error) {
	if fromCombined {
		return archive.ReadCombined(ctx, sc.BaseDir)
	}
	f, err := newArchiveFetcher(sc)
	if err != nil {
		return nil, err
	}
	t, _, err := f.Fetch(ctx)
	return t, err
}

// newEnricher builds the road-type classifier from the geocoder settings.
func newEnricher(gc config.GeocoderConfig) (*roadtype.Enricher, error) {
	opts := []roadtype.Option{
		roadtype.WithUserAgent(gc.UserAgent),
		roadtype.WithRateLimit(gc.RateLimitRPS),
		roadtype.WithHTTPClient(&http.Client{Timeout: time.Duration(gc.TimeoutSecs) * time.Second}),
		roadtype.WithPolicy(roadtype.Policy{
			ConnectRetryDelay:  time.Duration(gc.ConnectRetryDelaySecs) * time.Second,
			ConnectMaxAttempts: gc.ConnectMaxAttempts,
			StatusRetryDelay:   time.Duration(gc.StatusRetryDelaySecs) * time.Second,
		}),
	}
	if gc.RulesFile != "" {
		rules, err := roadtype.LoadRules(gc.RulesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, roadtype.WithRules(rules))
	}
	if gc.CircuitThreshold > 0 {
		cb := roadtype.NewCircuitBreaker(gc.CircuitThreshold, gc.CircuitResetSecs, clockwork.NewRealClock())
		opts = append(opts, roadtype.WithCircuitBreaker(cb))
	}
	return roadtype.New(gc.BaseURL, opts...), nil
}

// alertLatestRun evaluates the most recent run of kind against the alert
// thresholds and posts any breach to the webhook.
func alertLatestRun(ctx context.Context, st store.Store, kind model.RunKind, mc config.MonitorConfig) {
	if mc.WebhookURL == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)

	runs, err := st.ListRuns(ctx, store.RunFilter{Kind: kind, Limit: 1})
	if err != nil || len(runs) == 0 {
		zap.L().Warn("alerts: latest run unavailable", zap.Error(err))
		return
	}
	snap, err := monitoring.NewCollector(st, clockwork.NewRealClock()).Collect(ctx, mc.LookbackWindowHours)
	if err != nil {
		zap.L().Warn("alerts: collect snapshot", zap.Error(err))
		snap = nil
	}

	a := monitoring.NewAlerter(mc)
	alerts := a.Evaluate(&runs[0], snap)
	if sent := a.SendAlerts(ctx, alerts); sent > 0 {
		zap.L().Info("alerts sent", zap.Int("count", sent))
	}
}

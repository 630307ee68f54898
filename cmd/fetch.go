package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/accident-etl/internal/archive"
	"github.com/sells-group/accident-etl/internal/config"
	"github.com/sells-group/accident-etl/internal/fetcher"
	"github.com/sells-group/accident-etl/internal/resilience"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the archives and write the combined table",
	Long:  "Reads the dataset manifest, downloads every matching yearly archive, recovers one table per year and writes their concatenation to <base_dir>/" + archive.CombinedFileName + ".",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("fetch"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f, err := newArchiveFetcher(cfg.Source)
		if err != nil {
			return err
		}
		_, res, err := f.Fetch(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

// newArchiveFetcher builds the archive fetcher from the source settings.
func newArchiveFetcher(sc config.SourceConfig) (*archive.Fetcher, error) {
	var pattern *regexp.Regexp
	if sc.FilePattern != "" {
		p, err := regexp.Compile(sc.FilePattern)
		if err != nil {
			return nil, eris.Wrapf(err, "compile source.file_pattern %q", sc.FilePattern)
		}
		pattern = p
	}

	client := fetcher.NewClient(fetcher.Options{
		UserAgent:     sc.UserAgent,
		Timeout:       time.Duration(sc.TimeoutSecs) * time.Second,
		RatePerSecond: sc.RateLimitRPS,
		Backoff: resilience.Exponential(sc.MaxRetries,
			time.Duration(sc.RetryInitialBackoffMs)*time.Millisecond,
			time.Duration(sc.RetryMaxBackoffMs)*time.Millisecond),
	})
	return archive.NewFetcher(client, archive.Options{
		ManifestURL: sc.ManifestURL,
		BaseDir:     sc.BaseDir,
		Charset:     sc.Charset,
		Concurrency: sc.Concurrency,
		FilePattern: pattern,
		KeepStaging: sc.KeepStaging,
	}), nil
}

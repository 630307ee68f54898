package archive

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/accident-etl/internal/fetcher"
)

const (
	// CombinedFileName is the combined table written under the base directory.
	CombinedFileName = "unfallorte_all.csv"
	stagingDirName   = ".tmp_data"
)

// Options configures a Fetcher.
type Options struct {
	// ManifestURL is the dataset listing; archives live at ManifestURL + "/" + name.
	ManifestURL string
	// BaseDir receives the staging area and the combined table.
	BaseDir string
	// Charset of the source tables; empty means UTF-8.
	Charset string
	// Concurrency bounds parallel archive downloads. Default: 2.
	Concurrency int
	// FilePattern overrides DefaultFilePattern.
	FilePattern *regexp.Regexp
	// KeepStaging leaves the staging area in place after a successful fetch.
	KeepStaging bool
}

// Result summarizes one fetch.
type Result struct {
	Archives     int    `json:"archives"`
	Tables       int    `json:"tables"`
	Skipped      int    `json:"skipped"`
	Swept        int    `json:"swept"`
	Rows         int    `json:"rows"`
	CombinedPath string `json:"combined_path"`
}

// Fetcher turns the remote manifest into one combined table.
type Fetcher struct {
	http fetcher.Downloader
	opts Options
	log  *zap.Logger
}

// NewFetcher creates a Fetcher downloading through f.
func NewFetcher(f fetcher.Downloader, opts Options) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.FilePattern == nil {
		opts.FilePattern = DefaultFilePattern
	}
	return &Fetcher{
		http: f,
		opts: opts,
		log:  zap.L().With(zap.String("component", "archive")),
	}
}

// CombinedPath returns where Fetch writes the combined table.
func (f *Fetcher) CombinedPath() string {
	return filepath.Join(f.opts.BaseDir, CombinedFileName)
}

// Fetch downloads every matching archive, recovers one table per year and
// returns their column-union concatenation. The combined table is also
// written to CombinedPath. Manifest and download failures abort the fetch;
// archives that fail to extract are logged and skipped.
func (f *Fetcher) Fetch(ctx context.Context) (*Table, *Result, error) {
	manifest, err := fetcher.GetJSON[Manifest](ctx, f.http, f.opts.ManifestURL)
	if err != nil {
		return nil, nil, eris.Wrap(err, "archive: fetch manifest")
	}

	names := manifest.SelectFiles(f.opts.FilePattern)
	f.log.Info("manifest loaded", zap.Int("archives", len(names)))
	if len(names) == 0 {
		return nil, nil, eris.Errorf("archive: manifest at %s lists no matching archives", f.opts.ManifestURL)
	}

	root := filepath.Join(f.opts.BaseDir, stagingDirName)
	stage, err := newStaging(root)
	if err != nil {
		return nil, nil, err
	}

	res := &Result{Archives: len(names)}
	var (
		mu      sync.Mutex
		skipped []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for _, name := range names {
		g.Go(func() error {
			zipPath, err := f.download(gctx, root, name)
			if err != nil {
				return err
			}
			if err := f.extract(stage, zipPath, name); err != nil {
				f.log.Warn("archive skipped", zap.String("archive", name), zap.Error(err))
				mu.Lock()
				skipped = append(skipped, name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, eris.Wrap(err, "archive: download")
	}
	res.Skipped = len(skipped)

	res.Swept = stage.sweep()

	paths := stage.paths()
	tables := make([]*Table, 0, len(paths))
	for _, p := range paths {
		t, err := ReadTableFile(ctx, p, f.opts.Charset)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			f.log.Warn("table unreadable, skipped", zap.String("table", filepath.Base(p)), zap.Error(err))
			continue
		}
		f.log.Info("table loaded",
			zap.String("table", filepath.Base(p)),
			zap.Int("rows", t.Len()),
			zap.Int("columns", len(t.Columns)),
		)
		tables = append(tables, t)
	}
	if len(tables) == 0 {
		return nil, nil, eris.New("archive: no tables recovered")
	}
	res.Tables = len(tables)

	combined := Concat(tables...)
	res.Rows = combined.Len()
	res.CombinedPath = f.CombinedPath()

	if err := WriteTableFile(res.CombinedPath, combined); err != nil {
		return nil, nil, err
	}

	if !f.opts.KeepStaging {
		if err := os.RemoveAll(root); err != nil {
			f.log.Warn("staging cleanup failed", zap.String("path", root), zap.Error(err))
		}
	}

	f.log.Info("combined table written",
		zap.String("path", res.CombinedPath),
		zap.Int("rows", res.Rows),
		zap.Int("tables", res.Tables),
		zap.Int("skipped", res.Skipped),
		zap.Int("swept", res.Swept),
	)
	return combined, res, nil
}

func (f *Fetcher) download(ctx context.Context, root, name string) (string, error) {
	url := strings.TrimRight(f.opts.ManifestURL, "/") + "/" + name
	zipPath := filepath.Join(root, filepath.Base(name))

	f.log.Info("downloading archive", zap.String("url", url))
	n, err := f.http.Save(ctx, url, zipPath)
	if err != nil {
		return "", eris.Wrapf(err, "archive: download %s", name)
	}
	f.log.Debug("archive downloaded", zap.String("archive", name), zap.Int64("bytes", n))
	return zipPath, nil
}

// extract unpacks one archive into its own directory and relocates the
// contained table. The zip is removed either way.
func (f *Fetcher) extract(stage *staging, zipPath, name string) error {
	defer os.Remove(zipPath) //nolint:errcheck

	dir := strings.TrimSuffix(zipPath, filepath.Ext(zipPath))
	if _, err := fetcher.Unzip(zipPath, dir); err != nil {
		return err
	}
	table, err := locateTable(dir)
	if err != nil {
		return err
	}
	if _, err := stage.relocate(table, name); err != nil {
		return err
	}
	return nil
}

// ReadCombined loads a combined table previously written by Fetch.
func ReadCombined(ctx context.Context, baseDir string) (*Table, error) {
	return ReadTableFile(ctx, filepath.Join(baseDir, CombinedFileName), "utf-8")
}

package archive

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const tablesDirName = "tables"

// staging tracks the per-year tables recovered into the staging area.
type staging struct {
	root   string
	tables string

	mu        sync.Mutex
	recovered map[string]string // year key -> relocated path
}

func newStaging(root string) (*staging, error) {
	tables := filepath.Join(root, tablesDirName)
	if err := os.MkdirAll(tables, 0o755); err != nil {
		return nil, eris.Wrap(err, "archive: create staging area")
	}
	return &staging{root: root, tables: tables, recovered: make(map[string]string)}, nil
}

// isTableFile reports whether name looks like an extracted source table.
func isTableFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".csv" || ext == ".txt"
}

// preferTable picks the table among candidates: .csv beats .txt, then the
// lexically first name wins.
func preferTable(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := append([]string(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		ci := strings.EqualFold(filepath.Ext(sorted[i]), ".csv")
		cj := strings.EqualFold(filepath.Ext(sorted[j]), ".csv")
		if ci != cj {
			return ci
		}
		return sorted[i] < sorted[j]
	})
	return sorted[0]
}

// locateTable finds the table inside an extraction directory. The archive may
// hold the table at its top level or one directory down. Some years ship the
// same table as csv/ and txt/ exports side by side; preferTable settles which
// one is read.
func locateTable(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrapf(err, "archive: read %s", dir)
	}

	var files, dirs []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			dirs = append(dirs, p)
		case isTableFile(e.Name()):
			files = append(files, p)
		}
	}
	if t := preferTable(files); t != "" {
		return t, nil
	}

	var nested []string
	for _, d := range dirs {
		sub, err := os.ReadDir(d)
		if err != nil {
			return "", eris.Wrapf(err, "archive: read %s", d)
		}
		for _, e := range sub {
			if !e.IsDir() && isTableFile(e.Name()) {
				nested = append(nested, filepath.Join(d, e.Name()))
			}
		}
	}
	if t := preferTable(nested); t != "" {
		return t, nil
	}
	return "", eris.Errorf("archive: no table found in %s", filepath.Base(dir))
}

// relocate moves a table into the tables directory under its year key. It
// returns false when a table for that year was already recovered.
func (s *staging) relocate(src, archiveName string) (bool, error) {
	key := yearKey(filepath.Base(src), archiveName)

	s.mu.Lock()
	defer s.mu.Unlock()
	if kept, done := s.recovered[key]; done {
		zap.L().Warn("archive: year already recovered, table dropped",
			zap.String("year", key),
			zap.String("table", filepath.Base(src)),
			zap.String("archive", filepath.Base(archiveName)),
			zap.String("kept", filepath.Base(kept)),
		)
		return false, nil
	}
	dst := filepath.Join(s.tables, key+strings.ToLower(filepath.Ext(src)))
	if err := os.Rename(src, dst); err != nil {
		return false, eris.Wrapf(err, "archive: relocate %s", filepath.Base(src))
	}
	s.recovered[key] = dst
	return true, nil
}

// sweep walks the staging tree for tables extraction left in unexpected
// places. Directories with exactly two or three entries are treated as
// misplaced single-year extractions; their preferred table is recovered
// unless its year already was.
func (s *staging) sweep() int {
	recovered := 0
	_ = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			zap.L().Warn("archive: sweep walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path == s.tables {
			return filepath.SkipDir
		}
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) < 2 || len(entries) > 3 {
			return nil
		}
		var files []string
		for _, e := range entries {
			if !e.IsDir() && isTableFile(e.Name()) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		table := preferTable(files)
		if table == "" {
			return nil
		}
		ok, err := s.relocate(table, path)
		if err != nil {
			zap.L().Warn("archive: sweep relocate failed", zap.String("path", table), zap.Error(err))
			return nil
		}
		if ok {
			recovered++
			zap.L().Info("archive: recovered misplaced table", zap.String("path", table))
		}
		return nil
	})
	return recovered
}

// paths returns the recovered table paths ordered by year key.
func (s *staging) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.recovered))
	for k := range s.recovered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.recovered[k]
	}
	return out
}

package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// maxEntryBytes bounds one unpacked file. The largest yearly table is a few
// hundred MB.
const maxEntryBytes = 4 << 30

// Unzip unpacks the regular files of the archive at src below dest and
// returns their paths in archive order. macOS resource forks are skipped. An
// entry that would land outside dest fails the whole call.
func Unzip(src, dest string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, eris.Wrapf(err, "zip: open %s", filepath.Base(src))
	}
	defer zr.Close() //nolint:errcheck

	root := filepath.Clean(dest) + string(os.PathSeparator)
	var out []string
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || resourceFork(zf.Name) {
			continue
		}
		target := filepath.Join(dest, zf.Name)
		if !strings.HasPrefix(target, root) {
			return out, eris.Errorf("zip: entry %q escapes destination (zip slip)", zf.Name)
		}
		if err := unpack(zf, target); err != nil {
			return out, err
		}
		out = append(out, target)
	}
	return out, nil
}

func resourceFork(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._")
}

func unpack(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return eris.Wrap(err, "zip: mkdir")
	}
	src, err := zf.Open()
	if err != nil {
		return eris.Wrapf(err, "zip: open entry %s", zf.Name)
	}
	defer src.Close() //nolint:errcheck

	dst, err := os.Create(target)
	if err != nil {
		return eris.Wrap(err, "zip: create")
	}
	n, err := io.Copy(dst, io.LimitReader(src, maxEntryBytes+1))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		return eris.Wrapf(err, "zip: unpack %s", zf.Name)
	case n > maxEntryBytes:
		return eris.Errorf("zip: entry %s larger than %d bytes", zf.Name, int64(maxEntryBytes))
	}
	return nil
}

// Package fetcher downloads the accident archives and decodes what they carry:
// JSON manifests, ZIP containers and delimited text tables.
package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// maxJSONBytes bounds a decoded JSON document. Dataset manifests are a few KB.
const maxJSONBytes = 16 << 20

// Downloader retrieves remote files.
type Downloader interface {
	// Get returns the body of url. The caller closes it.
	Get(ctx context.Context, url string) (io.ReadCloser, error)
	// Save writes the body of url to path and returns the byte count. path
	// only appears once the transfer completed.
	Save(ctx context.Context, url, path string) (int64, error)
}

// GetJSON fetches url with d and decodes the body into a T.
func GetJSON[T any](ctx context.Context, d Downloader, url string) (*T, error) {
	body, err := d.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	var v T
	dec := json.NewDecoder(io.LimitReader(body, maxJSONBytes))
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode %s", url)
	}
	return &v, nil
}

package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/accident-etl/internal/resilience"
)

// Options configures a Client. Zero fields take defaults.
type Options struct {
	// UserAgent is sent with every request. Default: accident-etl/1.0.
	UserAgent string
	// Timeout bounds one request including the body transfer. Default: 5m.
	Timeout time.Duration
	// RatePerSecond caps request starts. Default: 20.
	RatePerSecond float64
	// Backoff schedules retries of transport failures and retryable statuses.
	// Default: resilience.Exponential(3, 0, 0).
	Backoff resilience.Backoff
	// Clock drives the retry pauses.
	Clock clockwork.Clock
}

// StatusError is a response the client does not retry.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: %s answered %d", e.URL, e.Code)
}

// Client is a Downloader over net/http.
type Client struct {
	hc      *http.Client
	ua      string
	limiter *rate.Limiter
	policy  resilience.Policy
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "accident-etl/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.Backoff.Attempts <= 0 {
		opts.Backoff = resilience.Exponential(3, 0, 0)
	}

	return &Client{
		hc: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ua:      opts.UserAgent,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		policy: resilience.Policy{
			Backoff: opts.Backoff,
			Clock:   opts.Clock,
			Name:    "archive download",
		},
	}
}

// Get implements Downloader. Anything but 200 fails: retryable statuses after
// the backoff runs out, other statuses at once with a *StatusError.
func (c *Client) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := resilience.Run(ctx, c.policy, func(ctx context.Context) (*http.Response, error) {
		return c.once(ctx, url)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: get %s", url)
	}
	return resp.Body, nil
}

func (c *Client) once(ctx context.Context, url string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.Transient(err, 0)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	serr := &StatusError{URL: url, Code: resp.StatusCode}
	if resilience.RetryableStatus(resp.StatusCode) {
		zap.L().Debug("retryable status", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, resilience.Transient(serr, resp.StatusCode)
	}
	return nil, serr
}

// Save implements Downloader. The body goes to a temporary sibling of path
// that is renamed on success and removed otherwise.
func (c *Client) Save(ctx context.Context, url, path string) (int64, error) {
	body, err := c.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	part, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create partial file")
	}
	defer os.Remove(part.Name()) //nolint:errcheck

	n, err := io.Copy(part, body)
	if cerr := part.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, eris.Wrapf(err, "fetcher: save %s", url)
	}
	if err := os.Rename(part.Name(), path); err != nil {
		return n, eris.Wrap(err, "fetcher: move into place")
	}
	return n, nil
}

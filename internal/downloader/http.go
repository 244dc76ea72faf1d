package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
)

const copyBufferSize = 32 * 1024

// Options configures the HTTP client.
type Options struct {
	// Timeout bounds a whole request including the body.
	// Default: 0 (no limit, large archives)
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		RetryAttempts:   5,
		RetryBackoff:    time.Second,
		RetryMaxBackoff: 30 * time.Second,
		UserAgent:       "filegetter/1.0",
	}
}

// HTTPClient downloads a single URL into a file, resuming a partial file
// with a Range request when one is already present.
type HTTPClient struct {
	client *http.Client
	opts   Options
}

func NewHTTPClient(opts Options) *HTTPClient {
	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: true,
	}
	return &HTTPClient{
		client: &http.Client{Transport: transport, Timeout: opts.Timeout},
		opts:   opts,
	}
}

func (c *HTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Download fetches req.URL into req.Path(). progress receives the number of
// bytes present on disk so far.
func (c *HTTPClient) Download(ctx context.Context, req Request, progress func(int64)) error {
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "create cache dir %s", req.Dir)
	}
	var lastErr error
	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		err := c.fetch(ctx, req, progress)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		slog.WarnContext(ctx, "download attempt failed", "url", req.URL, "attempt", attempt+1, "error", err)
	}
	return errors.Wrapf(lastErr, "download failed after %d attempts", c.opts.RetryAttempts+1)
}

func (c *HTTPClient) fetch(ctx context.Context, req Request, progress func(int64)) error {
	path := req.Path()
	var offset int64
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		offset = info.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if c.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		slog.DebugContext(ctx, "partial file already complete", "path", path, "size", offset)
		progress(offset)
		return nil
	}
	if resp.StatusCode >= 500 {
		return errors.Wrapf(ErrServerError, "%s", resp.Status)
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return errors.Wrapf(err, "%s", resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent && offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	progress(offset)
	if err := copyBody(f, NewProgressReader(resp.Body, offset, progress)); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	return nil
}

// copyBody separates read failures (network) from write failures (disk).
func copyBody(dst *os.File, src io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "write body")
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("%w: read body: %v", ErrTransport, rerr)
		}
	}
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *HTTPClient) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if c.opts.RetryMaxBackoff > 0 && backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

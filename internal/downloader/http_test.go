package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, retries int) *HTTPClient {
	t.Helper()
	opts := DefaultOptions()
	opts.RetryAttempts = retries
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 5 * time.Millisecond
	c := NewHTTPClient(opts)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func TestDownloadWritesFileAndReportsProgress(t *testing.T) {
	body := strings.Repeat("payload-", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "filegetter/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "cache")
	var last int64
	err := newTestClient(t, 0).Download(context.Background(), Request{
		URL:      srv.URL + "/a.bin",
		Dir:      dir,
		Filename: "a.bin",
		Headers:  map[string]string{"X-Token": "secret"},
	}, func(n int64) { last = n })
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, int64(len(body)), last)
}

func TestDownloadResumesPartialFile(t *testing.T) {
	full := "0123456789abcdef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=10-", r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 10-15/%d", len(full)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(full[10:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte(full[:10]), 0o644))

	var reports []int64
	err := newTestClient(t, 0).Download(context.Background(), Request{URL: srv.URL, Dir: dir, Filename: "a.bin"}, func(n int64) {
		reports = append(reports, n)
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, full, string(got))
	require.NotEmpty(t, reports)
	assert.Equal(t, int64(10), reports[0])
	assert.Equal(t, int64(16), reports[len(reports)-1])
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("stale-and-longer"), 0o644))

	require.NoError(t, newTestClient(t, 0).Download(context.Background(), Request{URL: srv.URL, Dir: dir, Filename: "a.bin"}, func(int64) {}))
	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestDownloadTreats416AsComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("done"), 0o644))

	var last int64
	require.NoError(t, newTestClient(t, 0).Download(context.Background(), Request{URL: srv.URL, Dir: dir, Filename: "a.bin"}, func(n int64) { last = n }))
	assert.Equal(t, int64(4), last)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, newTestClient(t, 3).Download(context.Background(), Request{URL: srv.URL, Dir: dir, Filename: "a.bin"}, func(int64) {}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadStatusErrors(t *testing.T) {
	tests := []struct {
		code  int
		want  error
		cause string
	}{
		{code: http.StatusNotFound, want: ErrNotFound, cause: CauseServer},
		{code: http.StatusForbidden, want: ErrForbidden, cause: CauseServer},
		{code: http.StatusUnauthorized, want: ErrUnauthorized, cause: CauseServer},
		{code: http.StatusTeapot, want: ErrUnexpected, cause: CauseServer},
		{code: http.StatusInternalServerError, want: ErrServerError, cause: CauseServer},
	}
	for _, tt := range tests {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tt.code)
		}))
		err := newTestClient(t, 1).Download(context.Background(), Request{URL: srv.URL, Dir: t.TempDir(), Filename: "a.bin"}, func(int64) {})
		srv.Close()

		require.Error(t, err, "status %d", tt.code)
		assert.True(t, errors.Is(err, tt.want), "status %d: %v", tt.code, err)
		assert.Equal(t, tt.cause, Cause(err))
		if tt.code >= 500 {
			assert.Equal(t, int32(2), calls.Load(), "5xx should be retried")
		} else {
			assert.Equal(t, int32(1), calls.Load(), "4xx should not be retried")
		}
	}
}

func TestDownloadTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestClient(t, 0).Download(context.Background(), Request{URL: url, Dir: t.TempDir(), Filename: "a.bin"}, func(int64) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, CauseNetwork, Cause(err))
}

func TestDownloadCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestClient(t, 3).Download(ctx, Request{URL: srv.URL, Dir: t.TempDir(), Filename: "a.bin"}, func(n int64) {
			if n > 0 {
				select {
				case started <- struct{}{}:
				default:
				}
			}
		})
	}()
	<-started
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}
}

func TestCauseClassification(t *testing.T) {
	assert.Equal(t, "", Cause(nil))
	assert.Equal(t, CauseFilesystem, Cause(&os.PathError{Op: "open", Path: "/x", Err: os.ErrPermission}))
	assert.Equal(t, CauseNetwork, Cause(fmt.Errorf("%w: reset", ErrTransport)))
	assert.Equal(t, CauseError, Cause(errors.New("boom")))
}

func TestProgressReaderStartsAtOffset(t *testing.T) {
	var seen []int64
	pr := NewProgressReader(strings.NewReader("abcdef"), 100, func(n int64) { seen = append(seen, n) })
	buf := make([]byte, 4)
	_, _ = pr.Read(buf)
	_, _ = pr.Read(buf)
	assert.Equal(t, []int64{104, 106}, seen)
	assert.Equal(t, int64(106), pr.Current())
}

package integration_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/Witriol/filegetter/internal/api"
	"github.com/Witriol/filegetter/internal/app"
	"github.com/Witriol/filegetter/internal/config"
	"github.com/Witriol/filegetter/internal/db"
	"github.com/Witriol/filegetter/internal/journal"
)

type daemon struct {
	base string
	root string
}

// startDaemon serves the API over a real pipeline rooted in a temp data dir.
func startDaemon(t *testing.T) daemon {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.DataRoots = []string{root}
	cfg.CacheDir = filepath.Join(root, ".cache")
	cfg.HTTP.RetryAttempts = 0
	cfg.ProgressInterval = 20 * time.Millisecond
	cfg.ExtractPollInterval = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())

	conn, err := db.Open("")
	require.NoError(t, err)
	pipeline := app.New(cfg)
	server := &api.Server{
		Executor:  pipeline.Executor,
		Journal:   journal.NewStore(conn),
		DataRoots: cfg.DataRoots,
		CacheDir:  cfg.CacheDir,
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		pipeline.Close()
		_ = conn.Close()
	})
	return daemon{base: ts.URL, root: root}
}

func zipArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(entries[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func serveFile(t *testing.T, name string, body []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/" + name
}

func TestJobRunsEndToEnd(t *testing.T) {
	d := startDaemon(t)
	body := zipArchive(t, map[string]string{"readme.txt": "hello", "data/values.csv": "a,b\n1,2\n"})
	fileURL := serveFile(t, "bundle.zip", body)
	target := filepath.Join(d.root, "out")

	id, err := createJob(d.base, map[string]any{
		"url":        fileURL,
		"digest":     strings.ToUpper(sha256Hex(body)),
		"target_dir": target,
	})
	require.NoError(t, err)

	job, err := waitForStates(d.base, id, 10*time.Second, "SUCCESS", "FAILED", "CANCELED", "ERROR")
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", job.State, "message: %s", job.Message)
	require.Equal(t, []string{"data", "readme.txt"}, job.TargetFiles)
	require.NotEmpty(t, job.FinishedAt)

	got, err := os.ReadFile(filepath.Join(target, "data", "values.csv"))
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(got))
	_, err = os.Stat(filepath.Join(d.root, ".cache", "bundle.zip"))
	require.True(t, os.IsNotExist(err), "cached archive should be removed")

	var events []string
	require.NoError(t, getJSON(fmt.Sprintf("%s/jobs/%s/events", d.base, id), &events))
	states := make([]string, 0, len(events))
	for _, line := range events {
		states = append(states, strings.Fields(line)[2])
	}
	slices.Reverse(states)
	require.Equal(t, []string{
		"WAITING", "DOWNLOADING", "DOWNLOADED", "VERIFYING", "VERIFIED",
		"EXTRACTING", "EXTRACTED", "SUCCESS",
	}, states)
}

func TestDigestMismatchFails(t *testing.T) {
	d := startDaemon(t)
	body := zipArchive(t, map[string]string{"a.txt": "a"})
	fileURL := serveFile(t, "a.zip", body)

	id, err := createJob(d.base, map[string]any{
		"url":        fileURL,
		"digest":     sha256Hex([]byte("something else")),
		"target_dir": filepath.Join(d.root, "out"),
	})
	require.NoError(t, err)

	job, err := waitForStates(d.base, id, 10*time.Second, "SUCCESS", "FAILED", "ERROR")
	require.NoError(t, err)
	require.Equal(t, "FAILED", job.State)
	require.Equal(t, "SHA256 mismatch", job.Message)
}

func TestSecondJobRejectedWhileDownloading(t *testing.T) {
	d := startDaemon(t)
	slowURL := startSlowHTTPServer(t)

	id, err := createJob(d.base, map[string]any{
		"url":        slowURL,
		"digest":     sha256Hex(nil),
		"target_dir": filepath.Join(d.root, "out"),
	})
	require.NoError(t, err)
	_, err = waitForStates(d.base, id, 10*time.Second, "DOWNLOADING")
	require.NoError(t, err)

	status, body, err := postJSON(d.base+"/jobs", map[string]any{
		"url":        slowURL,
		"digest":     sha256Hex(nil),
		"target_dir": filepath.Join(d.root, "other"),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, status, string(body))

	status, body, err = postJSON(fmt.Sprintf("%s/jobs/%s/cancel", d.base, id), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"canceled":true}`, string(body))

	job, err := waitForStates(d.base, id, 10*time.Second, "CANCELED", "ERROR", "FAILED")
	require.NoError(t, err)
	require.Equal(t, "CANCELED", job.State)
	require.Equal(t, "Download aborted by user", job.Message)
}

func TestRejectsTargetOutsideDataRoot(t *testing.T) {
	d := startDaemon(t)
	status, _, err := postJSON(d.base+"/jobs", map[string]any{
		"url":        "https://example.com/a.zip",
		"digest":     sha256Hex(nil),
		"target_dir": "/etc",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, status)
}

type jobView struct {
	ID          string   `json:"id"`
	State       string   `json:"state"`
	Message     string   `json:"message"`
	TargetFiles []string `json:"target_files"`
	FinishedAt  string   `json:"finished_at"`
}

func createJob(apiBase string, payload map[string]any) (string, error) {
	status, body, err := postJSON(apiBase+"/jobs", payload)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("create job returned %d: %s", status, strings.TrimSpace(string(body)))
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("missing id in create response: %s", strings.TrimSpace(string(body)))
	}
	return resp.ID, nil
}

func postJSON(url string, payload any) (status int, body []byte, err error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("content-type", "application/json")
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ = io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

func getJSON(url string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func waitForStates(apiBase, jobID string, timeout time.Duration, allowed ...string) (jobView, error) {
	deadline := time.Now().Add(timeout)
	var (
		job     jobView
		lastErr error
	)
	for time.Now().Before(deadline) {
		job = jobView{}
		if err := getJSON(fmt.Sprintf("%s/jobs/%s", apiBase, jobID), &job); err != nil {
			lastErr = err
		} else if slices.Contains(allowed, job.State) {
			return job, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for job state %v, last %q", allowed, job.State)
	}
	return job, lastErr
}

// startSlowHTTPServer serves slow.bin by writing one chunk and then holding
// the response open until the client goes away.
func startSlowHTTPServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "67108864")
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64*1024))
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/slow.bin"
}

package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAria2 answers JSON-RPC calls from a scripted list of statuses.
type fakeAria2 struct {
	mu       sync.Mutex
	statuses []Status
	polls    int
	methods  []string
	params   [][]json.RawMessage
	errMsg   map[string]string
}

func (f *fakeAria2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, req.Method)
	f.params = append(f.params, req.Params)

	if msg, ok := f.errMsg[req.Method]; ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 1, "message": msg}})
		return
	}
	var result any
	switch req.Method {
	case "aria2.addUri":
		result = "gid-1"
	case "aria2.tellStatus":
		i := min(f.polls, len(f.statuses)-1)
		f.polls++
		result = f.statuses[i]
	default:
		result = "gid-1"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func (f *fakeAria2) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeAria2) paramsOf(call int) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[call]
}

func TestAria2TransferCompletes(t *testing.T) {
	fake := &fakeAria2{statuses: []Status{
		{GID: "gid-1", Status: "active", CompletedLen: "10"},
		{GID: "gid-1", Status: "complete", CompletedLen: "20"},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tr := NewAria2Transfer(NewAria2Client(srv.URL, "s3cret"), time.Millisecond)
	var reports []int64
	err := tr.Download(context.Background(), Request{
		URL:      "https://example.com/a.zip",
		Dir:      "/cache",
		Filename: "a.zip",
		Headers:  map[string]string{"Cookie": "a=b", "Authorization": "Bearer x"},
	}, func(n int64) { reports = append(reports, n) })
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, reports)

	calls := fake.calls()
	require.Equal(t, "aria2.addUri", calls[0])

	var token string
	require.NoError(t, json.Unmarshal(fake.paramsOf(0)[0], &token))
	assert.Equal(t, "token:s3cret", token)
	var options map[string]any
	require.NoError(t, json.Unmarshal(fake.paramsOf(0)[2], &options))
	assert.Equal(t, map[string]any{
		"dir":      "/cache",
		"out":      "a.zip",
		"continue": "true",
		"header":   []any{"Authorization: Bearer x", "Cookie: a=b"},
	}, options)
}

func TestAria2TransferReportsError(t *testing.T) {
	fake := &fakeAria2{statuses: []Status{
		{GID: "gid-1", Status: "error", ErrorCode: "3", ErrorMessage: "Resource not found"},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := NewAria2Transfer(NewAria2Client(srv.URL, ""), time.Millisecond).
		Download(context.Background(), Request{URL: "https://x/a", Dir: "/c", Filename: "a"}, func(int64) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransferFailed))
	assert.Contains(t, err.Error(), "Resource not found")
}

func TestAria2TransferRemovesOnCancel(t *testing.T) {
	fake := &fakeAria2{statuses: []Status{{GID: "gid-1", Status: "active", CompletedLen: "1"}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	progressed := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewAria2Transfer(NewAria2Client(srv.URL, ""), time.Millisecond).
			Download(ctx, Request{URL: "https://x/a", Dir: "/c", Filename: "a"}, func(int64) {
				select {
				case progressed <- struct{}{}:
				default:
				}
			})
	}()
	<-progressed
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Contains(t, fake.calls(), "aria2.remove")
}

func TestAria2ClientRemoveClassifiesMissingGID(t *testing.T) {
	fake := &fakeAria2{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewAria2Client(srv.URL, "")

	assert.NoError(t, client.Remove(context.Background(), "gid-1"))

	fake.mu.Lock()
	fake.errMsg = map[string]string{"aria2.remove": "No such download for GID#gid-1"}
	fake.mu.Unlock()
	assert.ErrorIs(t, client.Remove(context.Background(), "gid-1"), ErrGIDNotFound)
}

func TestAria2TransferWithoutHeaders(t *testing.T) {
	fake := &fakeAria2{statuses: []Status{{GID: "gid-1", Status: "complete", CompletedLen: "1"}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	require.NoError(t, NewAria2Transfer(NewAria2Client(srv.URL, ""), time.Millisecond).
		Download(context.Background(), Request{URL: "https://x/a", Dir: "/c", Filename: "a"}, func(int64) {}))
	var options map[string]any
	require.NoError(t, json.Unmarshal(fake.paramsOf(0)[1], &options))
	assert.NotContains(t, options, "header")
}

func TestAria2ClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewAria2Client(url, "").AddURI(context.Background(), "https://x/a", nil)
	require.Error(t, err)
	assert.Equal(t, CauseNetwork, Cause(err))
}

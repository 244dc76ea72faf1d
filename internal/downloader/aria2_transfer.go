package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"
)

// Aria2Transfer runs a download through an aria2 daemon and polls it until
// it settles.
type Aria2Transfer struct {
	Client    *Aria2Client
	PollEvery time.Duration
}

func NewAria2Transfer(client *Aria2Client, pollEvery time.Duration) *Aria2Transfer {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Aria2Transfer{Client: client, PollEvery: pollEvery}
}

func (t *Aria2Transfer) Download(ctx context.Context, req Request, progress func(int64)) error {
	options := map[string]any{
		"dir":      req.Dir,
		"out":      req.Filename,
		"continue": "true",
	}
	if headers := headerOption(req.Headers); len(headers) > 0 {
		options["header"] = headers
	}
	gid, err := t.Client.AddURI(ctx, req.URL, options)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "aria2 download added", "gid", gid, "url", req.URL)

	ticker := time.NewTicker(t.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.remove(gid)
			return ctx.Err()
		case <-ticker.C:
		}
		st, err := t.Client.TellStatus(ctx, gid)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, ErrGIDNotFound) {
				return err
			}
			slog.WarnContext(ctx, "aria2 status failed", "gid", gid, "error", err)
			continue
		}
		if done, err := strconv.ParseInt(st.CompletedLen, 10, 64); err == nil {
			progress(done)
		}
		switch st.Status {
		case "complete":
			return nil
		case "error":
			return fmt.Errorf("%w: aria2 error %s: %s", ErrTransferFailed, st.ErrorCode, st.ErrorMessage)
		case "removed":
			return fmt.Errorf("%w: removed from aria2", ErrTransferFailed)
		}
	}
}

func (t *Aria2Transfer) remove(gid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Client.Remove(ctx, gid); err != nil && !errors.Is(err, ErrGIDNotFound) {
		slog.Warn("aria2 remove failed", "gid", gid, "error", err)
	}
}

// headerOption renders headers as aria2's list of "Name: value" lines.
func headerOption(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+": "+headers[k])
	}
	return out
}

package getter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Witriol/filegetter/internal/archive"
)

const DefaultPollInterval = 300 * time.Millisecond

// Extractor is the expand stage. It unpacks the cached archive into the
// job's TargetDir.
type Extractor struct {
	PollInterval time.Duration
	Selector     archive.Selector
}

func NewExtractor(selector archive.Selector) *Extractor {
	return &Extractor{PollInterval: DefaultPollInterval, Selector: selector}
}

func (x *Extractor) Start(job *Job, filename string, onProgress ProgressFunc, onResult ResultFunc) bool {
	source := filepath.Join(job.CacheDir, filename)
	if info, err := os.Stat(source); err != nil || !info.Mode().IsRegular() {
		slog.Info("extract refused, file does not exist", "job_id", job.ID, "file", source)
		return false
	}
	if err := os.MkdirAll(job.TargetDir, 0o755); err != nil {
		slog.Warn("extract refused, cannot create target dir", "job_id", job.ID, "dir", job.TargetDir, "error", err)
		return false
	}
	go x.run(job, source, onProgress, onResult)
	return true
}

func (x *Extractor) run(job *Job, source string, onProgress ProgressFunc, onResult ResultFunc) {
	ctx := context.Background()
	exp, err := x.Selector.ForFile(source)
	if err == nil {
		err = exp.Validate(ctx, source)
	}
	if err != nil {
		slog.Warn("invalid archive", "job_id", job.ID, "file", source, "error", err)
		onResult(false, "Invalid archive")
		return
	}

	mon := archive.NewMonitor()
	errc := make(chan error, 1)
	go func() {
		errc <- exp.Expand(ctx, source, job.TargetDir, mon)
	}()

	interval := x.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ticker.C:
			pct := mon.Percent()
			slog.Debug("extracting", "job_id", job.ID, "file", mon.CurrentFile(), "percent", pct)
			onProgress(int64(pct))
		case err = <-errc:
			break wait
		}
	}
	if err != nil {
		slog.Warn("extract failed", "job_id", job.ID, "file", source, "error", err)
		onResult(false, err.Error())
		return
	}
	onProgress(int64(mon.Percent()))

	names, err := listDir(job.TargetDir)
	if err != nil {
		onResult(false, err.Error())
		return
	}
	job.addTargetFiles(names...)
	slog.Info("extract complete", "job_id", job.ID, "dir", job.TargetDir, "entries", len(names))
	onResult(true, "")

	if job.RemoveCacheOnSuccess {
		go removeCached(job.ID, source)
	}
}

func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func removeCached(id, path string) {
	if err := os.Remove(path); err != nil {
		slog.Warn("cannot remove cached file", "job_id", id, "file", path, "error", err)
		return
	}
	slog.Debug("cached file removed", "job_id", id, "file", path)
}

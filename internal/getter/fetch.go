package getter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Witriol/filegetter/internal/downloader"
	"github.com/Witriol/filegetter/internal/resolver"
)

const DefaultProgressInterval = 300 * time.Millisecond

// Transfer moves one remote file into req.Path(), resuming when possible.
// progress receives the number of bytes on disk.
type Transfer interface {
	Download(ctx context.Context, req downloader.Request, progress func(int64)) error
}

// Fetcher is the fetch stage. It runs at most one transfer at a time.
type Fetcher struct {
	transfer  Transfer
	resolvers *resolver.Registry

	// MinProgressInterval is the minimum time between progress callbacks.
	MinProgressInterval time.Duration

	mu    sync.Mutex
	tasks map[string]*fetchTask
}

type fetchTask struct {
	cancel context.CancelFunc
}

func NewFetcher(transfer Transfer, resolvers *resolver.Registry) *Fetcher {
	if resolvers == nil {
		resolvers = resolver.NewRegistry(resolver.NewHTTPResolver())
	}
	return &Fetcher{
		transfer:            transfer,
		resolvers:           resolvers,
		MinProgressInterval: DefaultProgressInterval,
		tasks:               map[string]*fetchTask{},
	}
}

func (f *Fetcher) Start(job *Job, onProgress ProgressFunc, onResult ResultFunc, onAbort AbortFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[job.ID]; ok {
		slog.Info("fetch already running", "job_id", job.ID)
		return false
	}
	if len(f.tasks) > 0 {
		slog.Info("fetch refused, another transfer is running", "job_id", job.ID)
		return false
	}
	target, err := f.resolvers.Resolve(context.Background(), job.URL)
	if err != nil {
		slog.Warn("resolve failed", "job_id", job.ID, "url", job.URL, "error", err)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &fetchTask{cancel: cancel}
	f.tasks[job.ID] = task
	req := downloader.Request{
		URL:      target.URL,
		Dir:      job.CacheDir,
		Filename: target.Filename,
		Headers:  target.Headers,
	}
	go f.run(ctx, task, job, req, onProgress, onResult, onAbort)
	return true
}

func (f *Fetcher) run(ctx context.Context, task *fetchTask, job *Job, req downloader.Request, onProgress ProgressFunc, onResult ResultFunc, onAbort AbortFunc) {
	defer task.cancel()

	onProgress(0)
	var (
		last     time.Time
		latest   int64
		reported int64
	)
	err := f.transfer.Download(ctx, req, func(done int64) {
		// a transfer restarted from zero stays quiet until it passes the
		// bytes already reported
		if done <= latest {
			return
		}
		latest = done
		now := time.Now()
		if now.Sub(last) < f.MinProgressInterval {
			return
		}
		last = now
		reported = done
		onProgress(done)
	})
	canceled := ctx.Err() != nil
	f.forget(job.ID, task)

	switch {
	case err == nil:
		if latest != reported {
			onProgress(latest)
		}
		job.addCachedFile(req.Filename)
		slog.Info("fetch complete", "job_id", job.ID, "file", req.Path(), "bytes", latest)
		onResult(true, "")
	case canceled || errors.Is(err, context.Canceled):
		slog.Info("fetch aborted", "job_id", job.ID)
		onAbort()
	default:
		cause := downloader.Cause(err)
		slog.Warn("fetch failed", "job_id", job.ID, "cause", cause, "error", err)
		onResult(false, cause+" "+err.Error())
	}
}

// forget drops the tracking entry unless Cancel already replaced or removed it.
func (f *Fetcher) forget(id string, task *fetchTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks[id] == task {
		delete(f.tasks, id)
	}
}

func (f *Fetcher) Cancel(id string) {
	f.mu.Lock()
	task, ok := f.tasks[id]
	delete(f.tasks, id)
	f.mu.Unlock()
	if ok {
		task.cancel()
	}
}

func (f *Fetcher) Shutdown() {
	f.mu.Lock()
	tasks := f.tasks
	f.tasks = map[string]*fetchTask{}
	f.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
	}
}

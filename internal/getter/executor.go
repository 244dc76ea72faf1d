package getter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrJobActive  = errors.New("job_active")
	ErrShutdown   = errors.New("executor_shut_down")
	ErrInvalidJob = errors.New("invalid_job")
)

const eventBuffer = 64

type (
	ProgressFunc func(progress int64)
	ResultFunc   func(ok bool, message string)
	AbortFunc    func()
)

// FetchStage copies a job's URL into its CacheDir. Start must not invoke
// callbacks synchronously; it returns false when the fetch is refused.
type FetchStage interface {
	Start(job *Job, onProgress ProgressFunc, onResult ResultFunc, onAbort AbortFunc) bool
	Cancel(id string)
	Shutdown()
}

type VerifyStage interface {
	Start(job *Job, filename string, onProgress ProgressFunc, onResult ResultFunc) bool
}

type ExpandStage interface {
	Start(job *Job, filename string, onProgress ProgressFunc, onResult ResultFunc) bool
}

type eventKind int

const (
	eventDispatch eventKind = iota
	eventProgress
	eventResult
	eventAbort
)

type event struct {
	kind     eventKind
	job      *Job
	stage    State
	progress int64
	ok       bool
	message  string
}

type entry struct {
	job      *Job
	state    State
	observer Observer
}

// Executor runs at most one job at a time through fetch, verify and expand.
// All state changes happen under mu; stage callbacks are queued on events
// and applied by a single loop goroutine.
type Executor struct {
	fetch  FetchStage
	verify VerifyStage
	expand ExpandStage

	mu      sync.Mutex
	jobs    map[string]*entry
	closed  bool
	started bool

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExecutor(fetch FetchStage, verify VerifyStage, expand ExpandStage) *Executor {
	e := newExecutor(fetch, verify, expand)
	e.start()
	return e
}

func newExecutor(fetch FetchStage, verify VerifyStage, expand ExpandStage) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		fetch:  fetch,
		verify: verify,
		expand: expand,
		jobs:   map[string]*entry{},
		events: make(chan event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (e *Executor) start() {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	go e.loop()
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

// Execute admits job when no other job is active. The observer sees WAITING
// before Execute returns; the fetch starts asynchronously.
func (e *Executor) Execute(job *Job, observer Observer) error {
	if job == nil || observer == nil || job.ID == "" {
		return ErrInvalidJob
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	if len(e.jobs) > 0 {
		slog.Info("job rejected", "job_id", job.ID, "reason", "another job is active")
		return ErrJobActive
	}
	en := &entry{job: job, observer: observer}
	e.jobs[job.ID] = en
	slog.Info("job admitted", "job_id", job.ID, "url", job.URL)
	e.moveForward(en, StateWaiting, "")
	return nil
}

// Cancel stops a job that is WAITING (synchronously) or DOWNLOADING (the
// CANCELED transition follows from the fetch stage). It reports whether
// cancellation was initiated.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.jobs[id]
	if !ok {
		return false
	}
	switch en.state {
	case StateWaiting:
		e.moveForward(en, StateCanceled, "Not started")
		return true
	case StateDownloading:
		slog.Info("canceling download", "job_id", id)
		e.fetch.Cancel(id)
		return true
	default:
		slog.Info("cancel refused", "job_id", id, "state", en.state)
		return false
	}
}

// State returns the recorded state of an active job.
func (e *Executor) State(id string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.jobs[id]
	if !ok {
		return 0, false
	}
	return en.state, true
}

// Shutdown cancels any running fetch, forgets all jobs and stops event
// delivery. It must not be called from an Observer.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		if len(e.jobs) > 0 {
			e.fetch.Shutdown()
		}
		clear(e.jobs)
	}
	started := e.started
	e.mu.Unlock()

	e.cancel()
	if started {
		<-e.done
	}
}

// moveForward is the only place a job's state changes.
func (e *Executor) moveForward(en *entry, state State, message string) {
	en.state = state
	slog.Debug("job state", "job_id", en.job.ID, "state", state, "message", message)
	en.observer.OnJobState(en.job.ID, state, message)

	if state.Terminal() {
		delete(e.jobs, en.job.ID)
		slog.Info("job finished", "job_id", en.job.ID, "state", state, "message", message)
		return
	}

	switch state {
	case StateWaiting:
		e.postLocked(event{kind: eventDispatch, job: en.job})
	case StateDownloaded:
		e.startVerify(en)
	case StateVerified:
		e.startExpand(en)
	case StateExtracted:
		e.moveForward(en, StateSuccess, "")
	}
}

func (e *Executor) notifyProgress(en *entry, progress int64) {
	en.observer.OnJobProgress(en.job.ID, en.state, progress)
}

func (e *Executor) startDownload(en *entry) {
	if en.state != StateWaiting {
		e.moveForward(en, StateError, "Illegal state for download")
		return
	}
	e.moveForward(en, StateDownloading, "")
	onProgress, onResult := e.callbacks(en.job, StateDownloading)
	onAbort := func() {
		e.post(event{kind: eventAbort, job: en.job, stage: StateDownloading})
	}
	if !e.fetch.Start(en.job, onProgress, onResult, onAbort) {
		e.moveForward(en, StateError, "Cannot start download")
	}
}

func (e *Executor) startVerify(en *entry) {
	if en.state != StateDownloaded {
		e.moveForward(en, StateError, "Illegal state for verify")
		return
	}
	filename, ok := en.job.firstCachedFile()
	if !ok {
		e.moveForward(en, StateError, "No cached file")
		return
	}
	e.moveForward(en, StateVerifying, "")
	onProgress, onResult := e.callbacks(en.job, StateVerifying)
	if !e.verify.Start(en.job, filename, onProgress, onResult) {
		e.moveForward(en, StateError, "Cannot start verify")
	}
}

func (e *Executor) startExpand(en *entry) {
	if en.state != StateVerified {
		e.moveForward(en, StateError, "Illegal state for extract")
		return
	}
	filename, ok := en.job.firstCachedFile()
	if !ok {
		e.moveForward(en, StateError, "No cached file")
		return
	}
	e.moveForward(en, StateExtracting, "")
	onProgress, onResult := e.callbacks(en.job, StateExtracting)
	if !e.expand.Start(en.job, filename, onProgress, onResult) {
		e.moveForward(en, StateError, "Cannot start extract")
	}
}

func (e *Executor) callbacks(job *Job, stage State) (ProgressFunc, ResultFunc) {
	onProgress := func(progress int64) {
		e.post(event{kind: eventProgress, job: job, stage: stage, progress: progress})
	}
	onResult := func(ok bool, message string) {
		e.post(event{kind: eventResult, job: job, stage: stage, ok: ok, message: message})
	}
	return onProgress, onResult
}

// post delivers an event from a stage goroutine. It gives up once the
// executor is shut down.
func (e *Executor) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// postLocked is post for callers holding mu, which must not block on a full
// channel while the loop waits for the same lock.
func (e *Executor) postLocked(ev event) {
	select {
	case e.events <- ev:
	default:
		go e.post(ev)
	}
}

func (e *Executor) handle(ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.jobs[ev.job.ID]
	if !ok || en.job != ev.job {
		slog.Debug("dropping event for inactive job", "job_id", ev.job.ID, "stage", ev.stage)
		return
	}

	switch ev.kind {
	case eventDispatch:
		e.startDownload(en)
	case eventProgress:
		if en.state != ev.stage {
			return
		}
		e.notifyProgress(en, ev.progress)
	case eventAbort:
		if en.state != StateDownloading {
			e.moveForward(en, StateError, fmt.Sprintf("Unexpected download abort in state %s", en.state))
			return
		}
		e.moveForward(en, StateCanceled, "Download aborted by user")
	case eventResult:
		if en.state != ev.stage {
			e.moveForward(en, StateError, fmt.Sprintf("Unexpected %s result in state %s", stageName(ev.stage), en.state))
			return
		}
		if !ev.ok {
			e.moveForward(en, StateFailed, ev.message)
			return
		}
		switch ev.stage {
		case StateDownloading:
			e.moveForward(en, StateDownloaded, "")
		case StateVerifying:
			e.moveForward(en, StateVerified, "")
		case StateExtracting:
			e.moveForward(en, StateExtracted, "")
		}
	}
}

func stageName(s State) string {
	switch s {
	case StateDownloading:
		return "download"
	case StateVerifying:
		return "verify"
	case StateExtracting:
		return "extract"
	default:
		return s.String()
	}
}

package getter

import (
	"fmt"
	"strings"
	"sync"
)

// Job is a single fetch, verify and expand unit of work. Identity and config
// are fixed at construction; the two manifests are filled by the stages.
type Job struct {
	ID                   string
	URL                  string
	ExpectedDigest       string
	CacheDir             string
	TargetDir            string
	RemoveCacheOnSuccess bool

	mu          sync.Mutex
	cachedFiles []string
	targetFiles []string
}

// NewJob returns a job that removes its cached archive on success.
func NewJob(id, url, expectedDigest, cacheDir, targetDir string) *Job {
	return &Job{
		ID:                   id,
		URL:                  url,
		ExpectedDigest:       strings.ToLower(strings.TrimSpace(expectedDigest)),
		CacheDir:             cacheDir,
		TargetDir:            targetDir,
		RemoveCacheOnSuccess: true,
	}
}

// CachedFiles returns a copy of the files staged in CacheDir by the fetch stage.
func (j *Job) CachedFiles() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.cachedFiles...)
}

// TargetFiles returns a copy of the entries produced in TargetDir by the expand stage.
func (j *Job) TargetFiles() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.targetFiles...)
}

func (j *Job) addCachedFile(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cachedFiles = append(j.cachedFiles, name)
}

func (j *Job) addTargetFiles(names ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.targetFiles = append(j.targetFiles, names...)
}

func (j *Job) firstCachedFile() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.cachedFiles) == 0 {
		return "", false
	}
	return j.cachedFiles[0], true
}

// State is the lifecycle position of a job. The numeric code orders states
// loosely: negative codes are failures, zero is success, positive codes are
// in-flight states.
type State int

const (
	StateError       State = -3
	StateFailed      State = -2
	StateCanceled    State = -1
	StateSuccess     State = 0
	StateDownloading State = 1
	StateDownloaded  State = 2
	StateVerifying   State = 3
	StateVerified    State = 4
	StateExtracting  State = 5
	StateExtracted   State = 6
	StateWaiting     State = 7
)

var stateNames = map[State]string{
	StateError:       "ERROR",
	StateFailed:      "FAILED",
	StateCanceled:    "CANCELED",
	StateSuccess:     "SUCCESS",
	StateDownloading: "DOWNLOADING",
	StateDownloaded:  "DOWNLOADED",
	StateVerifying:   "VERIFYING",
	StateVerified:    "VERIFIED",
	StateExtracting:  "EXTRACTING",
	StateExtracted:   "EXTRACTED",
	StateWaiting:     "WAITING",
}

func (s State) Code() int { return int(s) }

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCanceled, StateError:
		return true
	default:
		return false
	}
}

func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState maps a state name (case-insensitive) back to its State.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for st, n := range stateNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Observer receives every state transition and progress update of a job.
// Calls are made while the Executor holds its state lock, so an Observer
// must not call back into the Executor synchronously.
type Observer interface {
	OnJobState(id string, state State, message string)
	OnJobProgress(id string, state State, progress int64)
}

// Observers fans every notification out to each member in order.
type Observers []Observer

func (os Observers) OnJobState(id string, state State, message string) {
	for _, o := range os {
		o.OnJobState(id, state, message)
	}
}

func (os Observers) OnJobProgress(id string, state State, progress int64) {
	for _, o := range os {
		o.OnJobProgress(id, state, progress)
	}
}

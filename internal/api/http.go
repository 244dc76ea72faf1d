package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Witriol/filegetter/internal/getter"
	"github.com/Witriol/filegetter/internal/journal"
)

var errInvalidRequest = errors.New("invalid_request")

type Executor interface {
	Execute(job *getter.Job, observer getter.Observer) error
	Cancel(id string) bool
	State(id string) (getter.State, bool)
}

type Journal interface {
	getter.Observer
	Register(job *getter.Job)
	Forget(job *getter.Job)
	GetJob(ctx context.Context, id string) (*journal.Record, error)
	ListJobs(ctx context.Context, state string) ([]journal.Record, error)
	ListEvents(ctx context.Context, id string, limit int) ([]string, error)
	ClearFinished(ctx context.Context) (int64, error)
}

type JobView = journal.JobView

type Server struct {
	Executor Executor
	Journal  Journal
	// Observer, when set, is notified alongside the journal.
	Observer  getter.Observer
	DataRoots []string
	CacheDir  string

	// held across the State check, Register and Execute
	executeMu sync.Mutex
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/clear", s.handleJobsClear)
	mux.HandleFunc("/jobs/", s.handleJob)
	return mux
}

type addJobRequest struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Digest    string `json:"digest"`
	CacheDir  string `json:"cache_dir"`
	TargetDir string `json:"target_dir"`
	KeepCache bool   `json:"keep_cache"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state := r.URL.Query().Get("state")
		if state != "" {
			if _, err := getter.ParseState(state); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		}
		records, err := s.Journal.ListJobs(r.Context(), state)
		if err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		jobs := make([]JobView, 0, len(records))
		for _, rec := range records {
			jobs = append(jobs, rec.View())
		}
		writeJSON(w, http.StatusOK, jobs)
	case http.MethodPost:
		var req addJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		job, err := s.newJob(req)
		if err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		if err := s.execute(job); err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		slog.Info("action", "action", "execute", "job_id", job.ID, "url", redactURLForLog(job.URL), "target_dir", job.TargetDir, "keep_cache", req.KeepCache)
		writeJSON(w, http.StatusOK, map[string]any{"id": job.ID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) newJob(req addJobRequest) (*getter.Job, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("%w: missing url", errInvalidRequest)
	}
	if strings.TrimSpace(req.Digest) == "" {
		return nil, fmt.Errorf("%w: missing digest", errInvalidRequest)
	}
	targetDir, err := cleanDir(req.TargetDir, s.DataRoots)
	if err != nil {
		return nil, err
	}
	cacheDir := req.CacheDir
	if cacheDir == "" {
		cacheDir = s.CacheDir
	}
	cacheDir, err = cleanDir(cacheDir, s.DataRoots)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if strings.ContainsAny(id, "/?#") {
		return nil, fmt.Errorf("%w: id must not contain '/', '?' or '#'", errInvalidRequest)
	}
	job := getter.NewJob(id, strings.TrimSpace(req.URL), req.Digest, cacheDir, targetDir)
	job.RemoveCacheOnSuccess = !req.KeepCache
	return job, nil
}

// execute registers job with the journal before admission so the WAITING
// row carries its details.
func (s *Server) execute(job *getter.Job) error {
	s.executeMu.Lock()
	defer s.executeMu.Unlock()
	if _, active := s.Executor.State(job.ID); active {
		return getter.ErrJobActive
	}
	var observer getter.Observer = s.Journal
	if s.Observer != nil {
		observer = getter.Observers{s.Journal, s.Observer}
	}
	s.Journal.Register(job)
	if err := s.Executor.Execute(job, observer); err != nil {
		s.Journal.Forget(job)
		return err
	}
	return nil
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.Journal.GetJob(r.Context(), id)
		if err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec.View())
		return
	}
	switch parts[1] {
	case "events":
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		events, err := s.Journal.ListEvents(r.Context(), id, limit)
		if err != nil {
			writeErr(w, statusForErr(err), err)
			return
		}
		if events == nil {
			events = []string{}
		}
		writeJSON(w, http.StatusOK, events)
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		canceled := s.Executor.Cancel(id)
		slog.Info("action", "action", "cancel", "job_id", id, "canceled", canceled)
		writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleJobsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.Journal.ClearFinished(r.Context())
	if err != nil {
		writeErr(w, statusForErr(err), err)
		return
	}
	slog.Info("action", "action", "clear", "removed", n)
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func statusForErr(err error) int {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, getter.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, getter.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, getter.ErrInvalidJob), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// redactURLForLog hides query strings and fragments, which often carry
// signed tokens.
func redactURLForLog(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	if u.RawQuery != "" {
		u.RawQuery = "***"
	}
	if u.Fragment != "" {
		u.Fragment = "***"
		u.RawFragment = ""
	}
	return u.String()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Package journal records job transitions in SQLite so finished jobs can be
// inspected after the executor has forgotten them.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Witriol/filegetter/internal/getter"
)

const writeTimeout = 5 * time.Second

type Record struct {
	ID          string
	URL         string
	CacheDir    string
	TargetDir   string
	State       string
	StateCode   int
	Progress    int64
	Message     sql.NullString
	TargetFiles sql.NullString
	CreatedAt   string
	UpdatedAt   string
	FinishedAt  sql.NullString
}

// Store persists jobs and their events. It is a getter.Observer; jobs
// passed to Register contribute their URL, directories and target files.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[string]*getter.Job
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, pending: map[string]*getter.Job{}}
}

// Register makes job's details available to the next WAITING transition
// for its id.
func (s *Store) Register(job *getter.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[job.ID] = job
}

// Forget drops job's registration if it is still the one held for its id.
func (s *Store) Forget(job *getter.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[job.ID] == job {
		delete(s.pending, job.ID)
	}
}

func (s *Store) lookup(id string) *getter.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *Store) OnJobState(id string, state getter.State, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	job := s.lookup(id)

	var err error
	if state == getter.StateWaiting {
		err = s.insertJob(ctx, id, job, message)
	} else {
		err = s.updateState(ctx, id, state, message, job)
	}
	if err == nil {
		err = s.AddEvent(ctx, id, levelFor(state), state.String(), message)
	}
	if err != nil {
		slog.Error("journal write failed", "job_id", id, "state", state, "error", err)
	}
	if state.Terminal() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
}

func (s *Store) OnJobProgress(id string, state getter.State, progress int64) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
`, progress, now, id); err != nil {
		slog.Error("journal progress failed", "job_id", id, "error", err)
	}
}

// insertJob starts a fresh row, replacing a finished job that used the same id.
func (s *Store) insertJob(ctx context.Context, id string, job *getter.Job, message string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var url, cacheDir, targetDir string
	if job != nil {
		url, cacheDir, targetDir = job.URL, job.CacheDir, job.TargetDir
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, url, cache_dir, target_dir, state, state_code, progress, message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  url = excluded.url,
  cache_dir = excluded.cache_dir,
  target_dir = excluded.target_dir,
  state = excluded.state,
  state_code = excluded.state_code,
  progress = 0,
  message = excluded.message,
  target_files = NULL,
  created_at = excluded.created_at,
  updated_at = excluded.updated_at,
  finished_at = NULL
`, id, url, cacheDir, targetDir, getter.StateWaiting.String(), getter.StateWaiting.Code(), nullIfEmpty(message), now, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) updateState(ctx context.Context, id string, state getter.State, message string, job *getter.Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var finishedAt any
	if state.Terminal() {
		finishedAt = now
	}
	var targetFiles any
	if state == getter.StateSuccess && job != nil {
		b, err := json.Marshal(job.TargetFiles())
		if err != nil {
			return err
		}
		targetFiles = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?,
    state_code = ?,
    progress = 0,
    message = ?,
    target_files = COALESCE(?, target_files),
    updated_at = ?,
    finished_at = COALESCE(?, finished_at)
WHERE id = ?
`, state.String(), state.Code(), nullIfEmpty(message), targetFiles, now, finishedAt, id)
	return err
}

func (s *Store) AddEvent(ctx context.Context, jobID, level, state, msg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_events (job_id, level, state, message, created_at) VALUES (?, ?, ?, ?, ?)
`, jobID, level, state, msg, now)
	return err
}

const selectJob = `
SELECT id, url, cache_dir, target_dir, state, state_code, progress, message, target_files, created_at, updated_at, finished_at
FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	if err := row.Scan(
		&r.ID, &r.URL, &r.CacheDir, &r.TargetDir, &r.State, &r.StateCode, &r.Progress,
		&r.Message, &r.TargetFiles, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetJob returns sql.ErrNoRows for unknown ids.
func (s *Store) GetJob(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
}

func (s *Store) ListJobs(ctx context.Context, state string) ([]Record, error) {
	query := selectJob
	args := []any{}
	if state = strings.TrimSpace(state); state != "" {
		st, err := getter.ParseState(state)
		if err != nil {
			return nil, err
		}
		query += " WHERE state = ?"
		args = append(args, st.String())
	}
	query += " ORDER BY created_at DESC, id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListEvents returns the newest events first, formatted one per line.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]string, error) {
	query := `SELECT created_at || ' ' || level || ' ' || state || CASE WHEN message = '' THEN '' ELSE ' ' || message END
FROM job_events WHERE job_id = ? ORDER BY id DESC`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// ClearFinished deletes jobs in a terminal state along with their events.
func (s *Store) ClearFinished(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
DELETE FROM job_events WHERE job_id IN (SELECT id FROM jobs WHERE finished_at IS NOT NULL)
`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE finished_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func levelFor(state getter.State) string {
	switch state {
	case getter.StateError:
		return "error"
	case getter.StateFailed, getter.StateCanceled:
		return "warn"
	default:
		return "info"
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

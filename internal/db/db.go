package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  url TEXT NOT NULL DEFAULT '',
  cache_dir TEXT NOT NULL DEFAULT '',
  target_dir TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  state_code INTEGER NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  message TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

CREATE TABLE IF NOT EXISTS job_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  level TEXT NOT NULL,
  state TEXT NOT NULL,
  message TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
`

// Open opens the SQLite database and ensures schema exists. An empty path
// or ":memory:" opens a private in-memory database.
func Open(path string) (*sql.DB, error) {
	memory := strings.TrimSpace(path) == "" || path == ":memory:"
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path)
	if memory {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if memory {
		// every new connection would see an empty database
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureColumn(ctx, db, "target_files", "TEXT"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureColumn(ctx context.Context, db *sql.DB, name, colType string) error {
	hasCol, err := hasColumn(ctx, db, name)
	if err != nil || hasCol {
		return err
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE jobs ADD COLUMN `+name+` `+colType)
	return err
}

// hasColumn releases its rows before returning so the single in-memory
// connection is free for the ALTER.
func hasColumn(ctx context.Context, db *sql.DB, name string) (bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(jobs)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var colName string
		var ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &colName, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if colName == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

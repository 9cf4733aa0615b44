package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botfactory/botfleet/pkg/logger"
	_ "modernc.org/sqlite"
)

// Registry is the shared status store. One SQLite file is written by the
// supervising process, the master bot and every user-bot subprocess, so
// every operation goes through the busy-retry wrapper below.
type Registry struct {
	db   *sql.DB
	path string
}

const (
	StatusCreating = "creating"
	StatusActive   = "active"
	StatusStopped  = "stopped"
	StatusError    = "error"
	StatusDeleted  = "deleted"
)

// Open opens (creating if needed) the registry database and runs
// migrations.
func Open(dbPath string) (*Registry, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection per process is the stable configuration for
	// SQLite; cross-process concurrency is handled by WAL + busy retry.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	r := &Registry{db: db, path: dbPath}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Path returns the registry file path (handed to child processes so they
// can self-report).
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=30000;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS saas_users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  telegram_id INTEGER UNIQUE NOT NULL,
  username TEXT,
  first_name TEXT,
  created_at TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  last_activity TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS user_bots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_id INTEGER NOT NULL REFERENCES saas_users(id),
  bot_token TEXT NOT NULL UNIQUE,
  bot_username TEXT NOT NULL,
  bot_display_name TEXT,
  channel_id TEXT,
  status TEXT NOT NULL DEFAULT 'creating',
  process_id TEXT,
  config_path TEXT,
  database_path TEXT,
  created_at TEXT NOT NULL,
  last_ping TEXT,
  error_message TEXT
);`,
		`
CREATE TABLE IF NOT EXISTS system_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER REFERENCES saas_users(id),
  bot_id INTEGER REFERENCES user_bots(id),
  event_type TEXT NOT NULL,
  event_data TEXT,
  description TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_user_bots_owner ON user_bots(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_user_bots_status ON user_bots(status);`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_created ON system_logs(created_at DESC);`,
	}

	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}
	return nil
}

const (
	busyRetries   = 5
	busyBaseDelay = 100 * time.Millisecond
)

// withRetry runs fn, retrying with exponential backoff while SQLite
// reports the database as locked. Other errors pass through untouched.
func withRetry(ctx context.Context, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyRetries-1 {
			break
		}
		logger.Warnf("registry locked, retrying %d/%d", attempt+1, busyRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t
	}
	return nil
}

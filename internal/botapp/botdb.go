package botapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the bot's isolated database. One file per bot, owned entirely by
// the bot process; the platform never writes here.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the bot database and bootstraps its
// schema. Safe to call repeatedly; the metadata row is written once.
func OpenDB(path string, botID int64) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(botID); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(botID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=30000;`,
		`
CREATE TABLE IF NOT EXISTS bot_metadata (
  bot_id INTEGER PRIMARY KEY,
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS subscribers (
  user_id INTEGER PRIMARY KEY,
  username TEXT,
  first_name TEXT,
  joined_at TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1
);`,
		`
CREATE TABLE IF NOT EXISTS bot_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  payload TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_events_created ON bot_events(created_at DESC);`,
	}
	for _, q := range stmts {
		if _, err := d.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("bot db migrate failed: %w", err)
		}
	}

	_, err := d.db.ExecContext(ctx, `
INSERT INTO bot_metadata (bot_id, created_at) VALUES (?,?)
ON CONFLICT(bot_id) DO NOTHING
`, botID, time.Now().Format(time.RFC3339Nano))
	return err
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertSubscriber records or reactivates a subscriber.
func (d *DB) UpsertSubscriber(ctx context.Context, userID int64, username, firstName string) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO subscribers (user_id, username, first_name, joined_at, is_active)
VALUES (?,?,?,?,1)
ON CONFLICT(user_id) DO UPDATE SET username=excluded.username,
  first_name=excluded.first_name, is_active=1
`, userID, username, firstName, time.Now().Format(time.RFC3339Nano))
	return err
}

// RecordEvent appends a row to the bot's event log.
func (d *DB) RecordEvent(ctx context.Context, eventType, payload string) error {
	var p any
	if payload != "" {
		p = payload
	}
	_, err := d.db.ExecContext(ctx, `
INSERT INTO bot_events (event_type, payload, created_at) VALUES (?,?,?)
`, eventType, p, time.Now().Format(time.RFC3339Nano))
	return err
}

// SubscriberCount counts active subscribers.
func (d *DB) SubscriberCount(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE is_active=1`).Scan(&n)
	return n, err
}

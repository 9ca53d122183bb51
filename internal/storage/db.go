// Package storage is the durable store behind the engines: chats, messages,
// receipts, call history, notifications and the presence cache, all in one
// SQLite file. Every write is safe to retry.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("storage: not found")

// DB wraps a SQLite database for a client
type DB struct {
	db   *sql.DB
	path string
	clk  clock.Clock
	mu   sync.RWMutex
}

// Open opens or creates data.db in the given directory
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenFile(filepath.Join(dir, "data.db"))
}

// OpenFile opens or creates the database at path.
func OpenFile(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("opened %s", path)
	return &DB{db: db, path: path, clk: clock.New()}, nil
}

func migrate(db *sql.DB) error {
	steps := []struct {
		name string
		sql  string
	}{
		{"meta", `
			CREATE TABLE IF NOT EXISTS _meta (
				key   TEXT PRIMARY KEY,
				value TEXT
			);`},
		{"chats", `
			CREATE TABLE IF NOT EXISTS chats (
				id              TEXT PRIMARY KEY,
				name            TEXT DEFAULT '',
				direct          INTEGER NOT NULL DEFAULT 0,
				last_message_id TEXT DEFAULT '',
				created_at      INTEGER NOT NULL,
				updated_at      INTEGER NOT NULL
			);`},
		{"chat participants", `
			CREATE TABLE IF NOT EXISTS chat_participants (
				chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				PRIMARY KEY (chat_id, user_id)
			);`},
		{"chat pins", `
			CREATE TABLE IF NOT EXISTS chat_pins (
				chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
				user_id TEXT NOT NULL,
				PRIMARY KEY (chat_id, user_id)
			);`},
		{"messages", `
			CREATE TABLE IF NOT EXISTS messages (
				server_id  TEXT PRIMARY KEY,
				local_id   TEXT NOT NULL UNIQUE,
				chat_id    TEXT NOT NULL,
				sender_id  TEXT NOT NULL,
				content    TEXT NOT NULL,
				state      TEXT NOT NULL DEFAULT 'sent',
				created_at INTEGER NOT NULL,
				server_ts  INTEGER NOT NULL
			);`},
		{"messages index", `
			CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_id, server_ts, server_id);`},
		{"receipts", `
			CREATE TABLE IF NOT EXISTS receipts (
				message_id TEXT NOT NULL,
				type       TEXT NOT NULL,
				acker_id   TEXT NOT NULL,
				at         INTEGER NOT NULL,
				PRIMARY KEY (message_id, type, acker_id)
			);`},
		{"call history", `
			CREATE TABLE IF NOT EXISTS call_history (
				call_id      TEXT NOT NULL,
				owner        TEXT NOT NULL,
				participants TEXT NOT NULL,
				reason       TEXT NOT NULL,
				started_at   INTEGER NOT NULL,
				connected_at INTEGER NOT NULL DEFAULT 0,
				ended_at     INTEGER NOT NULL,
				duration_ms  INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (call_id, owner)
			);`},
		{"notifications", `
			CREATE TABLE IF NOT EXISTS notifications (
				id           TEXT PRIMARY KEY,
				type         TEXT NOT NULL,
				recipient_id TEXT NOT NULL,
				entity_id    TEXT NOT NULL,
				payload      TEXT DEFAULT '',
				created_at   INTEGER NOT NULL,
				read_at      INTEGER,
				UNIQUE (type, entity_id, recipient_id)
			);`},
		{"presence cache", `
			CREATE TABLE IF NOT EXISTS presence_cache (
				user_id   TEXT PRIMARY KEY,
				status    TEXT NOT NULL,
				last_seen INTEGER NOT NULL
			);`},
	}
	for _, s := range steps {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetClock replaces the clock used for server timestamps.
func (d *DB) SetClock(c clock.Clock) {
	d.mu.Lock()
	d.clk = c
	d.mu.Unlock()
}

func (d *DB) nowMillis() int64 {
	return d.clk.Now().UnixMilli()
}

// tx runs fn in a write transaction under the write lock.
func (d *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package sqlite implements the ledger, nonce journal and audit stores on a
// single-host SQLite file via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultPath = "data/flasharb.db"

// timeLayout sorts lexicographically, so time range filters work on TEXT.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection shared by the stores.
type DB struct {
	path string
	db   *sql.DB
}

// Open creates (if needed) and opens the database at path, switches it to
// WAL and creates the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		path = defaultPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: ensure data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; a single connection avoids SQLITE_BUSY between
	// pooled connections.
	db.SetMaxOpenConns(1)

	if err := ensureWAL(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &DB{path: path, db: db}, nil
}

func ensureWAL(ctx context.Context, db *sql.DB) error {
	const (
		maxAttempts = 5
		delay       = 200 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			if strings.Contains(err.Error(), "database is locked") {
				time.Sleep(delay)
				continue
			}
			return err
		}
		_, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
		return err
	}
	return fmt.Errorf("database is locked after retries")
}

// Path returns the file backing the database.
func (d *DB) Path() string { return d.path }

// Ping checks the database file is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	opportunity_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	cycle INTEGER NOT NULL,
	pair TEXT NOT NULL,
	buy_pool TEXT NOT NULL,
	sell_pool TEXT NOT NULL,
	borrow_asset TEXT NOT NULL,
	amount_in TEXT NOT NULL,
	expected_net TEXT NOT NULL,
	gross TEXT NOT NULL,
	fee TEXT NOT NULL,
	net TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	nonce INTEGER,
	block INTEGER NOT NULL DEFAULT 0,
	late INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at ON ledger_entries (created_at);

CREATE TABLE IF NOT EXISTS nonce_journal (
	account TEXT NOT NULL,
	nonce INTEGER NOT NULL,
	status TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	raw_tx BLOB,
	opportunity_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (account, nonce)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event TEXT NOT NULL,
	detail TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_event ON audit_log (event, id);
`

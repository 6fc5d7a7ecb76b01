// Package audit records seal and open operations in SQLite. Entries never
// contain key material or plaintext, only operation metadata.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Operation names recorded in the log.
const (
	OpSeal = "seal"
	OpOpen = "open"
)

// Entry is one recorded operation.
type Entry struct {
	ID        int64     `json:"id"`
	Operation string    `json:"operation"`
	KeyName   string    `json:"keyName"`
	Size      int       `json:"size"`
	Success   bool      `json:"success"`
	RequestID string    `json:"requestId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recorder persists audit entries and serves recent history.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    operation  TEXT    NOT NULL,
    key_name   TEXT    NOT NULL,
    size       INTEGER NOT NULL,
    success    INTEGER NOT NULL,
    request_id TEXT    NOT NULL DEFAULT '',
    created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log (created_at);
`

// SQLiteRecorder stores audit entries in a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the audit database and ensures the schema.
func NewSQLite(dataSourceName string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise audit schema: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// Record inserts one entry. A zero CreatedAt is stamped with the current time.
func (r *SQLiteRecorder) Record(ctx context.Context, entry Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (operation, key_name, size, success, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Operation, entry.KeyName, entry.Size, entry.Success, entry.RequestID,
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (r *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, operation, key_name, size, success, request_id, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	// Cap the preallocation; the caller-supplied limit is not trusted.
	entries := make([]Entry, 0, min(limit, 256))
	for rows.Next() {
		var entry Entry
		var createdAt string
		if err := rows.Scan(&entry.ID, &entry.Operation, &entry.KeyName, &entry.Size,
			&entry.Success, &entry.RequestID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		entry.CreatedAt = ts
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// NopRecorder discards entries. Used when auditing is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Entry) error { return nil }

func (NopRecorder) Recent(context.Context, int) ([]Entry, error) { return []Entry{}, nil }

func (NopRecorder) Close() error { return nil }

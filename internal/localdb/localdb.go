// Package localdb provides the embedded SQLite store for shelfsync.
//
// This is the local side of the sync layer: it holds the process-wide
// sync settings, one row per logical document (dashboard and notebook
// trees, JSON payload with the _syncMeta envelope included), and the
// durable offline upload queue.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL
// for concurrent reads. There are no cross-process transactional
// guarantees beyond SQLite's own: storage writes are last-writer-wins,
// consistent with the sync layer's conflict policy.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shelfsync/shelfsync/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Settings is the process-wide sync configuration record.
//
// Created with Enabled=false; mutated only by enable/disable/toggle
// operations and sync-time bookkeeping; persisted on every mutation.
type Settings struct {
	// Enabled reports whether cloud sync is switched on.
	Enabled bool

	// AutoSync enables timer-driven full syncs in daemon mode.
	AutoSync bool

	// LastSyncTime is the last successful sync in ms since epoch,
	// or 0 if never synced.
	LastSyncTime int64

	// DeviceID identifies this device in logs and diagnostics.
	// Generated once and persisted.
	DeviceID string
}

// QueueEntry is one pending "push this document" operation recorded
// while offline. At most one entry exists per document type.
type QueueEntry struct {
	// Type is the document type; the queue collapses to one pending
	// entry per type, keeping the latest state.
	Type schema.DocType

	// Key is the local storage key of the document the state belongs to.
	Key string

	// Body is the full document body (envelope included) captured at
	// enqueue time.
	Body []byte

	// QueuedAt is when the entry was first queued, in ms since epoch.
	// Preserved across failed replays.
	QueuedAt int64
}

// DB wraps the SQLite connection with shelfsync-specific operations.
// The handle is guarded so Close can race daemon goroutines safely.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

// ErrClosed is returned when an operation runs against a closed store.
// The orchestrator treats this as an invalidated context and aborts
// the current pass cleanly.
var ErrClosed = errors.New("localdb: store is closed")

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. If it doesn't exist it is created; call InitSchema before
// first use. The caller must Close when done.
//
// Example:
//
//	store, err := localdb.Open("~/.shelfsync/shelf.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Close closes the database connection after checkpointing the WAL.
// Safe to call while other goroutines are using the store: Close waits
// for in-flight operations, and later calls see ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	conn := db.conn
	if conn == nil {
		return nil
	}
	db.conn = nil

	if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the store is still usable. Returns ErrClosed after
// Close, which the orchestrator uses to detect an invalidated context
// before mutating anything.
func (db *DB) Ping(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("localdb: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}

	stmt := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL DEFAULT 0,
		auto_sync INTEGER NOT NULL DEFAULT 1,
		last_sync_time INTEGER NOT NULL DEFAULT 0,
		device_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offline_queue (
		doc_type TEXT PRIMARY KEY,
		doc_key TEXT NOT NULL,
		body TEXT NOT NULL,
		queued_at INTEGER NOT NULL
	);
	`

	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// LoadSettings returns the settings record, creating the default
// record (sync disabled, fresh device ID) on first use.
func (db *DB) LoadSettings(ctx context.Context) (*Settings, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return nil, ErrClosed
	}

	row := conn.QueryRowContext(ctx,
		"SELECT enabled, auto_sync, last_sync_time, device_id FROM settings WHERE id = 1")

	var s Settings
	var enabled, autoSync int
	err := row.Scan(&enabled, &autoSync, &s.LastSyncTime, &s.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		s = Settings{AutoSync: true, DeviceID: uuid.NewString()}
		if err := db.SaveSettings(ctx, &s); err != nil {
			return nil, fmt.Errorf("failed to create default settings: %w", err)
		}
		return &s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	s.Enabled = enabled != 0
	s.AutoSync = autoSync != 0
	return &s, nil
}

// SaveSettings persists the settings record.
func (db *DB) SaveSettings(ctx context.Context, s *Settings) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO settings (id, enabled, auto_sync, last_sync_time, device_id)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			auto_sync = excluded.auto_sync,
			last_sync_time = excluded.last_sync_time,
			device_id = excluded.device_id`,
		boolToInt(s.Enabled), boolToInt(s.AutoSync), s.LastSyncTime, s.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// GetDocument returns the stored body for a document key.
// The second return value is false if no such document exists.
func (db *DB) GetDocument(ctx context.Context, key string) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return nil, false, ErrClosed
	}

	var body string
	err := conn.QueryRowContext(ctx,
		"SELECT body FROM documents WHERE key = ?", key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get document %s: %w", key, err)
	}
	return []byte(body), true, nil
}

// PutDocument stores or replaces a document body under the given key.
func (db *DB) PutDocument(ctx context.Context, key string, body []byte) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO documents (key, body, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		key, string(body), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to put document %s: %w", key, err)
	}
	return nil
}

// DeleteDocument removes a document. Idempotent.
func (db *DB) DeleteDocument(ctx context.Context, key string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}

	if _, err := conn.ExecContext(ctx,
		"DELETE FROM documents WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	return nil
}

// ListDocumentKeys returns the keys of all stored documents.
func (db *DB) ListDocumentKeys(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return nil, ErrClosed
	}

	rows, err := conn.QueryContext(ctx,
		"SELECT key FROM documents ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan document key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UpsertQueueEntry records a pending upload, replacing any existing
// entry of the same document type (at-most-one-pending-per-type).
// Persists synchronously.
func (db *DB) UpsertQueueEntry(ctx context.Context, entry *QueueEntry) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO offline_queue (doc_type, doc_key, body, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (doc_type) DO UPDATE SET
			doc_key = excluded.doc_key,
			body = excluded.body,
			queued_at = excluded.queued_at`,
		string(entry.Type), entry.Key, string(entry.Body), entry.QueuedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", entry.Type, err)
	}
	return nil
}

// TakeQueue atomically snapshots and clears the offline queue,
// returning the snapshot oldest-first. Replay issues network calls
// only after the queue is emptied, so repeated connectivity-restore
// events cannot duplicate uploads.
func (db *DB) TakeQueue(ctx context.Context) ([]*QueueEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return nil, ErrClosed
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT doc_type, doc_key, body, queued_at FROM offline_queue ORDER BY queued_at")
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var typ, body string
		if err := rows.Scan(&typ, &e.Key, &body, &e.QueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Type = schema.DocType(typ)
		e.Body = []byte(body)
		entries = append(entries, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM offline_queue"); err != nil {
		return nil, fmt.Errorf("failed to clear queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue drain: %w", err)
	}

	return entries, nil
}

// RestoreQueueEntry re-enqueues a failed replay entry, preserving its
// original timestamp. If a newer entry of the same type was enqueued
// while the replay ran, the newer state wins and the restore is a
// no-op.
func (db *DB) RestoreQueueEntry(ctx context.Context, entry *QueueEntry) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return ErrClosed
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO offline_queue (doc_type, doc_key, body, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (doc_type) DO NOTHING`,
		string(entry.Type), entry.Key, string(entry.Body), entry.QueuedAt)
	if err != nil {
		return fmt.Errorf("failed to restore queue entry %s: %w", entry.Type, err)
	}
	return nil
}

// QueueLength returns the number of pending queue entries.
func (db *DB) QueueLength(ctx context.Context) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return 0, ErrClosed
	}

	var n int
	err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM offline_queue").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// ListQueue returns the pending queue entries oldest-first, without
// removing them.
func (db *DB) ListQueue(ctx context.Context) ([]*QueueEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	conn := db.conn
	if conn == nil {
		return nil, ErrClosed
	}

	rows, err := conn.QueryContext(ctx,
		"SELECT doc_type, doc_key, body, queued_at FROM offline_queue ORDER BY queued_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var typ, body string
		if err := rows.Scan(&typ, &e.Key, &body, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Type = schema.DocType(typ)
		e.Body = []byte(body)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sandboxagent/agentd/internal/schema"
)

// defaultBusyTimeout bounds how long a writer waits on SQLITE_BUSY before
// giving up, matching the grounding codebase's db.OpenSQLite tuning.
const defaultBusyTimeout = 5 * time.Second

// SQLite persists session snapshots and their Event Log history to a local
// database file. A single writer connection serializes all writes, avoiding
// SQLITE_BUSY under WAL mode (no concurrent writer scenario exists here:
// every session's pump goroutine only ever touches its own rows, but
// sqlite3 still requires a single in-process writer to avoid lock
// contention).
type SQLite struct {
	db *sqlx.DB
}

var _ Hook = (*SQLite)(nil)

// NewSQLite opens (creating if needed) a sqlite database at dbPath and
// ensures its schema exists.
func NewSQLite(dbPath string) (*SQLite, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare persistence database path: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create persistence database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLite{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize persistence schema: %w", err)
	}
	return store, nil
}

func (s *SQLite) initSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS session_snapshots (
		session_id       TEXT PRIMARY KEY,
		agent_kind       TEXT NOT NULL,
		agent_mode       TEXT NOT NULL,
		permission_mode  TEXT NOT NULL,
		model            TEXT NOT NULL,
		variant          TEXT NOT NULL DEFAULT '',
		agent_session_id TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		event_id   INTEGER NOT NULL,
		payload    TEXT NOT NULL,
		PRIMARY KEY (session_id, event_id)
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO session_snapshots
			(session_id, agent_kind, agent_mode, permission_mode, model, variant, agent_session_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_mode       = excluded.agent_mode,
			permission_mode  = excluded.permission_mode,
			model            = excluded.model,
			variant          = excluded.variant,
			agent_session_id = excluded.agent_session_id,
			state            = excluded.state,
			updated_at       = excluded.updated_at
	`),
		snap.SessionID, snap.AgentKind, snap.AgentMode, snap.PermissionMode, snap.Model,
		snap.Variant, snap.AgentSessionID, snap.State, snap.CreatedAt, snap.UpdatedAt,
	)
	return err
}

func (s *SQLite) AppendEvent(ctx context.Context, sessionID schema.SessionID, event schema.UniversalEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing event for persistence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT OR IGNORE INTO session_events (session_id, event_id, payload)
		VALUES (?, ?, ?)
	`), sessionID, event.ID, string(payload))
	return err
}

func (s *SQLite) DeleteSession(ctx context.Context, sessionID schema.SessionID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_events WHERE session_id = ?`), sessionID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_snapshots WHERE session_id = ?`), sessionID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// Package persistence is the durable collaborator behind the in-memory
// runtime state. Every caller treats it as best-effort: a write failure is
// logged and never propagated into task semantics.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/task"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "mgx-v1-2026-06-tasks-events-artifacts"
)

// TaskRecord is a row in the tasks table.
type TaskRecord struct {
	ID            string      `json:"id"`
	Requirement   string      `json:"requirement"`
	Status        task.Status `json:"status"`
	ResultSummary string      `json:"result_summary,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TaskPage is one page of ListTasks results.
type TaskPage struct {
	Tasks    []TaskRecord `json:"tasks"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mgx", "mgx.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			requirement TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'RUNNING', 'SUCCEEDED', 'FAILED', 'CANCELLED')),
			result_summary TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS event_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			agent_role TEXT,
			visual_type TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			UNIQUE(task_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS artifact_store (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			version INTEGER NOT NULL,
			agent_role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE(task_id, file_path, version)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_task ON event_logs(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_artifact_store_task_path ON artifact_store(task_id, file_path, version);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, id, requirement string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, requirement, status, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, requirement, task.StatusPending)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return task.ErrConflict
			}
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	var rec TaskRecord
	var resultSummary, errorMessage sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requirement, status, result_summary, error_message, created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Requirement, &rec.Status, &resultSummary, &errorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, task.ErrNotFound
	}
	if err != nil {
		return TaskRecord{}, fmt.Errorf("select task: %w", err)
	}
	rec.ResultSummary = resultSummary.String
	rec.ErrorMessage = errorMessage.String
	return rec, nil
}

func (s *Store) ListTasks(ctx context.Context, page, pageSize int, status task.Status) (TaskPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}

	where := ""
	args := []any{}
	if status != "" {
		where = "WHERE status = ?"
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM tasks "+where+";", args...).Scan(&total); err != nil {
		return TaskPage{}, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requirement, status, result_summary, error_message, created_at, updated_at
		FROM tasks `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?;
	`, args...)
	if err != nil {
		return TaskPage{}, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := TaskPage{Total: total, Page: page, PageSize: pageSize}
	for rows.Next() {
		var rec TaskRecord
		var resultSummary, errorMessage sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Requirement, &rec.Status, &resultSummary, &errorMessage, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return TaskPage{}, fmt.Errorf("scan task: %w", err)
		}
		rec.ResultSummary = resultSummary.String
		rec.ErrorMessage = errorMessage.String
		out.Tasks = append(out.Tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return TaskPage{}, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status, resultSummary, errorMessage string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result_summary = CASE WHEN ? != '' THEN ? ELSE result_summary END,
				error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(status), resultSummary, resultSummary, errorMessage, errorMessage, id)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task rows affected: %w", err)
		}
		if affected == 0 {
			return task.ErrNotFound
		}
		return nil
	})
}

// DeleteTask removes the task row and every event and artifact recorded for
// it. Returns task.ErrNotFound when no row exists.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task rows affected: %w", err)
		}
		if affected == 0 {
			return task.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_logs WHERE task_id = ?;`, id); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM artifact_store WHERE task_id = ?;`, id); err != nil {
			return fmt.Errorf("delete task artifacts: %w", err)
		}
		return tx.Commit()
	})
}

// PersistEvent satisfies bus.Persister. Duplicate (task_id, event_id) pairs
// are ignored so a replayed persist attempt cannot corrupt the log.
func (s *Store) PersistEvent(ctx context.Context, ev task.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_logs (task_id, event_id, event_type, agent_role, visual_type, payload_json, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, ev.TaskID, ev.EventID, string(ev.EventType), ev.AgentRole, string(ev.Payload.VisualType), string(payload), ev.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert event log: %w", err)
		}
		return nil
	})
}

func (s *Store) EventsSince(ctx context.Context, taskID string, sinceEventID int64) ([]task.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, COALESCE(agent_role, ''), payload_json, created_at
		FROM event_logs
		WHERE task_id = ? AND event_id > ?
		ORDER BY event_id ASC;
	`, taskID, sinceEventID)
	if err != nil {
		return nil, fmt.Errorf("query event logs: %w", err)
	}
	defer rows.Close()

	var out []task.Event
	for rows.Next() {
		var (
			ev          task.Event
			payloadJSON string
		)
		ev.TaskID = taskID
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.AgentRole, &payloadJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event log rows: %w", err)
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS run_events (
		thread_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		event TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		logged_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, run_id, event)
	);
	CREATE INDEX IF NOT EXISTS idx_run_events_logged ON run_events(logged_at);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		chat_id INTEGER PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		resume_content TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// MarkRunEvent records a run event once per (thread, run, event).
func (s *SQLiteStore) MarkRunEvent(ctx context.Context, evt domain.RunEvent) (bool, error) {
	loggedAt := evt.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = time.Now()
	}

	var inserted bool
	err := withRetry(ctx, "mark run event", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO run_events (thread_id, run_id, event, status, logged_at)
			VALUES (?, ?, ?, ?, ?)`,
			evt.ThreadID, evt.RunID, evt.Event, evt.Status, loggedAt.Unix(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ForgetThread removes every run event recorded for a thread.
func (s *SQLiteStore) ForgetThread(ctx context.Context, threadID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, fmt.Errorf("forget thread run events: %w", err)
	}
	return result.RowsAffected()
}

// PruneRunEvents removes run events older than retention.
func (s *SQLiteStore) PruneRunEvents(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE logged_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune run events: %w", err)
	}
	return result.RowsAffected()
}

// GetChatSession retrieves the state of a chat.
func (s *SQLiteStore) GetChatSession(ctx context.Context, chatID int64) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, thread_id, resume_content, created_at, updated_at
		FROM chat_sessions WHERE chat_id = ?`, chatID)

	var sess domain.ChatSession
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ChatID, &sess.ThreadID, &sess.ResumeContent, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// UpsertChatSession creates or updates the state of a chat.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, sess *domain.ChatSession) error {
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return withRetry(ctx, "upsert chat session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_sessions (chat_id, thread_id, resume_content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				thread_id = excluded.thread_id,
				resume_content = excluded.resume_content,
				updated_at = excluded.updated_at`,
			sess.ChatID, sess.ThreadID, sess.ResumeContent, createdAt.Unix(), time.Now().Unix(),
		)
		return err
	})
}

// DeleteChatSession removes the state of a chat.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, chatID int64) error {
	return withRetry(ctx, "delete chat session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, chatID)
		return err
	})
}

// withRetry retries op with exponential backoff while SQLite reports a
// locking conflict.
func withRetry(ctx context.Context, what string, op func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", what, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

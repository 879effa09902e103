// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
)

// Repository defines the interface for persisting server-side state.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// MarkRunEvent records a run event. It reports false when the
	// (thread, run, event) key was already recorded.
	MarkRunEvent(ctx context.Context, evt domain.RunEvent) (bool, error)

	// ForgetThread removes every run event recorded for a thread.
	ForgetThread(ctx context.Context, threadID string) (int64, error)

	// PruneRunEvents removes run events logged before now minus retention.
	PruneRunEvents(ctx context.Context, retention time.Duration) (int64, error)

	// GetChatSession retrieves the state of a chat, or nil when none exists.
	GetChatSession(ctx context.Context, chatID int64) (*domain.ChatSession, error)

	// UpsertChatSession creates or updates the state of a chat.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// DeleteChatSession removes the state of a chat.
	DeleteChatSession(ctx context.Context, chatID int64) error
}

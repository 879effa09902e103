package clientstate

import (
	"context"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
)

// ChatSessionRepository persists per-chat state on the server.
type ChatSessionRepository interface {
	GetChatSession(ctx context.Context, chatID int64) (*domain.ChatSession, error)
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error
	DeleteChatSession(ctx context.Context, chatID int64) error
}

// ChatStore keeps the state of one chat in a repository row.
type ChatStore struct {
	repo   ChatSessionRepository
	chatID int64
}

var _ Store = (*ChatStore)(nil)

// NewChatStore returns the state store for chatID.
func NewChatStore(repo ChatSessionRepository, chatID int64) *ChatStore {
	return &ChatStore{repo: repo, chatID: chatID}
}

// Load implements Store.
func (c *ChatStore) Load(ctx context.Context) (State, error) {
	sess, err := c.repo.GetChatSession(ctx, c.chatID)
	if err != nil || sess == nil {
		return State{}, err
	}
	return State{ThreadID: sess.ThreadID, ResumeContent: sess.ResumeContent}, nil
}

// SetThreadID implements Store.
func (c *ChatStore) SetThreadID(ctx context.Context, threadID string) error {
	return c.update(ctx, func(s *domain.ChatSession) { s.ThreadID = threadID })
}

// SetResume implements Store.
func (c *ChatStore) SetResume(ctx context.Context, content string) error {
	return c.update(ctx, func(s *domain.ChatSession) { s.ResumeContent = content })
}

// Clear implements Store.
func (c *ChatStore) Clear(ctx context.Context) error {
	return c.repo.DeleteChatSession(ctx, c.chatID)
}

func (c *ChatStore) update(ctx context.Context, mutate func(*domain.ChatSession)) error {
	sess, err := c.repo.GetChatSession(ctx, c.chatID)
	if err != nil {
		return err
	}
	now := time.Now()
	if sess == nil {
		sess = &domain.ChatSession{ChatID: c.chatID, CreatedAt: now}
	}
	mutate(sess)
	sess.UpdatedAt = now
	return c.repo.UpsertChatSession(ctx, sess)
}

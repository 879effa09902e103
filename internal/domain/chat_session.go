package domain

import "time"

// ChatSession stores client state for a chat on a server-side front end.
type ChatSession struct {
	ChatID        int64
	ThreadID      string
	ResumeContent string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunEvent records that diagnostics for a run event were logged.
type RunEvent struct {
	ThreadID string
	RunID    string
	Event    string
	Status   string
	LoggedAt time.Time
}

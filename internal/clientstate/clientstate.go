// Package clientstate persists the two pieces of state a conversation client
// keeps between runs: the thread handle and the latest resume.
package clientstate

import "context"

// State is the persisted client state.
type State struct {
	ThreadID      string `yaml:"thread_id,omitempty"`
	ResumeContent string `yaml:"resume_content,omitempty"`
}

// Store reads and writes client state.
type Store interface {
	// Load returns the stored state, or a zero State when none exists.
	Load(ctx context.Context) (State, error)

	// SetThreadID stores the thread handle.
	SetThreadID(ctx context.Context, threadID string) error

	// SetResume stores the latest resume content.
	SetResume(ctx context.Context, content string) error

	// Clear discards both keys.
	Clear(ctx context.Context) error
}

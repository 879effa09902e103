package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one rendered entry of a conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ThreadMessage is a message as stored on a hosted thread.
type ThreadMessage struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Parts       []string  `json:"parts"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CancelResult counts the outcome of a best-effort run cancellation.
type CancelResult struct {
	Message        string `json:"message"`
	CancelledCount int    `json:"cancelledCount"`
	FailedCount    int    `json:"failedCount"`
}

// ActiveRunStatuses are run statuses that still hold the thread.
var ActiveRunStatuses = map[string]bool{
	"queued":          true,
	"in_progress":     true,
	"requires_action": true,
}

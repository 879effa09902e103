// Package stream defines the typed events of one assistant turn and their
// server-sent-events framing.
package stream

// EventType discriminates Event.
type EventType string

const (
	EventTextCreated    EventType = "text_created"
	EventTextDelta      EventType = "text_delta"
	EventRequiresAction EventType = "requires_action"
	EventRunCompleted   EventType = "run_completed"
	EventError          EventType = "error"
)

// Annotation types. Only file paths name files the assistant produced.
const (
	AnnotationFilePath     = "file_path"
	AnnotationFileCitation = "file_citation"
)

// Annotation is a citation marker inside streamed text.
type Annotation struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	FileID string `json:"file_id,omitempty"`
}

// TextDelta is an increment of assistant text.
type TextDelta struct {
	Value       string       `json:"value,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// FunctionCall names a function and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a pending request from the assistant to run a function.
type ToolCall struct {
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

// ToolOutput resolves a ToolCall.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// Event is one element of a turn's event stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type      EventType  `json:"type"`
	Delta     *TextDelta `json:"delta,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// TextCreated marks the start of a new assistant message.
func TextCreated() Event {
	return Event{Type: EventTextCreated}
}

// Delta carries a text increment and any annotations it introduced.
func Delta(value string, annotations ...Annotation) Event {
	return Event{Type: EventTextDelta, Delta: &TextDelta{Value: value, Annotations: annotations}}
}

// RequiresAction asks the client to resolve tool calls for runID.
func RequiresAction(runID string, calls []ToolCall) Event {
	return Event{Type: EventRequiresAction, RunID: runID, ToolCalls: calls}
}

// RunCompleted marks the end of a run.
func RunCompleted(runID string) Event {
	return Event{Type: EventRunCompleted, RunID: runID}
}

// Failure reports a mid-turn error.
func Failure(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

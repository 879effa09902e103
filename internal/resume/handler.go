// Package resume resolves the assistant's resume tool calls and keeps the
// current resume draft out of the chat history.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/resume-rooster/internal/clientstate"
	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/stream"
)

// Tool names understood by Handler.
const (
	ToolUpdateResume = "update_resume"
	ToolGetResume    = "get_resume"
)

// Tool outputs.
const (
	OutputUpdated      = "Resume updated successfully"
	OutputNotAvailable = "Resume not available yet."
	OutputParseError   = "Parsing error: Invalid JSON format"
	OutputNoAction     = "Function call received, no action taken"
)

// UpdateArgs are the arguments of update_resume.
type UpdateArgs struct {
	Content string `json:"content"`
	Summary string `json:"summary"`
}

// ParseUpdateArgs validates raw update_resume arguments.
func ParseUpdateArgs(raw string) (UpdateArgs, error) {
	var args UpdateArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, fmt.Errorf("%w: update_resume arguments: %w", domain.ErrValidation, err)
	}
	if strings.TrimSpace(args.Content) == "" {
		return args, fmt.Errorf("%w: update_resume requires content", domain.ErrValidation)
	}
	return args, nil
}

// Handler holds the current resume and answers resume tool calls.
type Handler struct {
	store    clientstate.Store
	onUpdate func(content string)
	logger   *slog.Logger

	mu      sync.RWMutex
	content string
}

var (
	_ conversation.ToolHandler = (*Handler)(nil)
	_ conversation.Restorer    = (*Handler)(nil)
	_ conversation.Resetter    = (*Handler)(nil)
)

// NewHandler creates a handler persisting the resume to store.
// onUpdate, when non-nil, is called after every successful update.
func NewHandler(store clientstate.Store, onUpdate func(content string), logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, onUpdate: onUpdate, logger: logger}
}

// Content returns the current resume, empty when none exists.
func (h *Handler) Content() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.content
}

// Restore implements conversation.Restorer by reloading the saved resume.
func (h *Handler) Restore(_ context.Context, st clientstate.State) error {
	if st.ResumeContent == "" {
		return nil
	}
	h.set(st.ResumeContent)
	h.logger.Info("Restored saved resume", "bytes", len(st.ResumeContent))
	return nil
}

// Reset implements conversation.Resetter by forgetting the current draft.
func (h *Handler) Reset() {
	h.set("")
}

// HandleToolCall implements conversation.ToolHandler.
func (h *Handler) HandleToolCall(ctx context.Context, call stream.ToolCall) string {
	switch call.Function.Name {
	case ToolUpdateResume:
		out, err := h.update(ctx, call.Function.Arguments)
		if err != nil {
			h.logger.Warn("update_resume rejected", "tool_call_id", call.ID, "error", err)
		}
		return out
	case ToolGetResume:
		if c := h.Content(); c != "" {
			return c
		}
		return OutputNotAvailable
	default:
		h.logger.Info("Unhandled tool call", "tool_call_id", call.ID, "name", call.Function.Name)
		return OutputNoAction
	}
}

func (h *Handler) update(ctx context.Context, raw string) (string, error) {
	args, err := ParseUpdateArgs(raw)
	if err != nil {
		var syntax *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typeErr) {
			return OutputParseError, err
		}
		return "Resume not updated: content is required", err
	}

	h.set(args.Content)
	if h.store != nil {
		if err := h.store.SetResume(ctx, args.Content); err != nil {
			h.logger.Warn("Failed to persist resume", "error", err)
		}
	}
	if h.onUpdate != nil {
		h.onUpdate(args.Content)
	}
	h.logger.Info("Resume updated", "bytes", len(args.Content), "summary", args.Summary)
	return Acknowledge(args), nil
}

// Acknowledge builds the update_resume output. It never contains the resume.
func Acknowledge(args UpdateArgs) string {
	candidates := []string{OutputUpdated, "Done", ""}
	if s := strings.TrimSpace(args.Summary); s != "" {
		candidates = append([]string{OutputUpdated + ": " + s}, candidates...)
	}
	for _, c := range candidates {
		if !strings.Contains(c, args.Content) {
			return c
		}
	}
	return ""
}

func (h *Handler) set(content string) {
	h.mu.Lock()
	h.content = content
	h.mu.Unlock()
}

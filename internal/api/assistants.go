package api

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/identity"
	"github.com/ashureev/resume-rooster/internal/stream"
	"github.com/ashureev/resume-rooster/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Assistants is the hosted assistant as seen by the HTTP layer.
type Assistants interface {
	conversation.Backend
	EnsureAssistant(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// RunForgetter drops run diagnostics state of a deleted thread.
type RunForgetter interface {
	Forget(ctx context.Context, threadID string) error
}

// AssistantHandler serves the assistant, thread and run endpoints.
type AssistantHandler struct {
	svc     Assistants
	runs    RunForgetter
	log     transcript.Logger
	maxBody int64
	limit   func(http.Handler) http.Handler
}

// AssistantOption configures an AssistantHandler.
type AssistantOption func(*AssistantHandler)

// WithRunForgetter forgets run diagnostics on thread deletion.
func WithRunForgetter(f RunForgetter) AssistantOption {
	return func(h *AssistantHandler) { h.runs = f }
}

// WithTranscript records turns to a transcript.
func WithTranscript(l transcript.Logger) AssistantOption {
	return func(h *AssistantHandler) { h.log = l }
}

// WithMaxBodySize bounds JSON request bodies.
func WithMaxBodySize(n int64) AssistantOption {
	return func(h *AssistantHandler) { h.maxBody = n }
}

// WithTurnLimiter wraps the turn-starting endpoints, typically with a rate
// limiter.
func WithTurnLimiter(mw func(http.Handler) http.Handler) AssistantOption {
	return func(h *AssistantHandler) { h.limit = mw }
}

// NewAssistantHandler creates the handler.
func NewAssistantHandler(svc Assistants, opts ...AssistantOption) *AssistantHandler {
	h := &AssistantHandler{
		svc:     svc,
		log:     transcript.Nop{},
		maxBody: defaultMaxRequestBodySize,
		limit:   func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the assistant routes.
func (h *AssistantHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assistants", func(r chi.Router) {
		r.Get("/", h.GetAssistant)
		r.Post("/threads", h.CreateThread)
		r.Route("/threads/{threadId}", func(r chi.Router) {
			r.Delete("/", h.DeleteThread)
			r.Get("/messages", h.ListMessages)
			r.With(h.limit).Post("/messages", h.PostMessage)
			r.With(h.limit).Post("/actions", h.SubmitActions)
			r.Post("/cancel-runs", h.CancelRuns)
		})
	})
}

// GetAssistant returns the assistant ID, creating the assistant if needed.
func (h *AssistantHandler) GetAssistant(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.EnsureAssistant(r.Context())
	if err != nil {
		fail(w, r, "failed to retrieve or create assistant", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"assistantId": id})
}

// CreateThread creates an empty thread.
func (h *AssistantHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.CreateThread(r.Context())
	if err != nil {
		fail(w, r, "failed to create thread", err)
		return
	}
	slog.Info("Thread created", "thread_id", id, "client_id", identity.ClientIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]string{"threadId": id})
}

// DeleteThread deletes a thread and forgets its run diagnostics.
func (h *AssistantHandler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadId")
	if err := h.svc.DeleteThread(r.Context(), threadID); err != nil {
		fail(w, r, "failed to delete thread", err)
		return
	}
	if h.runs != nil {
		if err := h.runs.Forget(r.Context(), threadID); err != nil {
			slog.Warn("Failed to forget run events", "thread_id", threadID, "error", err)
		}
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListMessages returns the thread history, oldest first.
func (h *AssistantHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "threadId"))
	if err != nil {
		fail(w, r, "failed to fetch messages", err)
		return
	}
	msgs = nonNil(msgs)
	for i := range msgs {
		msgs[i].Parts = nonNil(msgs[i].Parts)
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage adds a user message and streams the run as SSE.
func (h *AssistantHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadId")
	var req postMessageRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		fail(w, r, "invalid message", err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	slog.Info("Assistant turn request",
		"thread_id", threadID,
		"client_id", identity.ClientIDFromContext(r.Context()),
		"message_length", len(req.Content),
	)
	h.record(r, threadID, "outbound", "user_message", req.Content, nil)
	h.relay(w, r, threadID, "failed to send message", h.svc.StartTurn(r.Context(), threadID, req.Content))
}

type submitActionsRequest struct {
	RunID           string              `json:"runId"`
	ToolCallOutputs []stream.ToolOutput `json:"toolCallOutputs"`
}

// SubmitActions submits tool outputs for a run and streams the continued run.
func (h *AssistantHandler) SubmitActions(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadId")
	var req submitActionsRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		fail(w, r, "invalid tool outputs", err)
		return
	}
	if req.RunID == "" || len(req.ToolCallOutputs) == 0 {
		Error(w, http.StatusBadRequest, "runId and toolCallOutputs are required")
		return
	}

	h.record(r, threadID, "outbound", "tool_outputs", "", map[string]any{
		"run_id": req.RunID,
		"count":  len(req.ToolCallOutputs),
	})
	h.relay(w, r, threadID, "failed to submit tool outputs",
		h.svc.SubmitToolOutputs(r.Context(), threadID, req.RunID, req.ToolCallOutputs))
}

// CancelRuns cancels the active runs of a thread.
func (h *AssistantHandler) CancelRuns(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CancelActiveRuns(r.Context(), chi.URLParam(r, "threadId"))
	if err != nil {
		fail(w, r, "failed to cancel runs", err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// relay writes the turn events as SSE. A failure before the first event is
// answered as a JSON error; later failures become error events.
func (h *AssistantHandler) relay(w http.ResponseWriter, r *http.Request, threadID, what string, events iter.Seq2[stream.Event, error]) {
	next, stop := iter.Pull2(events)
	defer stop()

	evt, err, ok := next()
	if ok && err != nil {
		fail(w, r, what, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		text    strings.Builder
		chunks  int
		partial bool
		lastErr string
	)
	for ; ok; evt, err, ok = next() {
		if err != nil {
			slog.Error("Assistant stream failed", "thread_id", threadID, "error", err)
			evt = stream.Failure(err.Error())
		}
		switch evt.Type {
		case stream.EventTextDelta:
			if evt.Delta != nil && evt.Delta.Value != "" {
				chunks++
				text.WriteString(evt.Delta.Value)
			}
		case stream.EventError:
			partial = true
			lastErr = evt.Message
		}
		if werr := stream.Write(w, evt); werr != nil {
			slog.Warn("Failed to write SSE event", "thread_id", threadID, "error", werr)
			partial = true
			lastErr = werr.Error()
			break
		}
		flusher.Flush()
		if err != nil {
			break
		}
	}

	h.record(r, threadID, "inbound", "assistant_message", text.String(), map[string]any{
		"stream_chunks": chunks,
		"partial":       partial,
		"stream_error":  lastErr,
	})
}

func (h *AssistantHandler) record(r *http.Request, threadID, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_id"] = chiMiddleware.GetReqID(r.Context())
	h.log.Log(transcript.Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		ClientID:   identity.ClientIDFromContext(r.Context()),
		ThreadID:   threadID,
		Channel:    "http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    transcript.Clean(content),
		Meta:       meta,
	})
}

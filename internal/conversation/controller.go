package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/ashureev/resume-rooster/internal/clientstate"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/stream"
	"golang.org/x/sync/errgroup"
)

const (
	// InitialMessage starts the first turn of a new thread.
	InitialMessage = "I've uploaded files for resume creation."
	// WelcomeMessage greets a resumed thread without history.
	WelcomeMessage = "Hello! I'll help you create a resume based on your work experience and the job description you provided. What would you like me to focus on in your resume?"
	// UploadPlaceholder stands in for a user message that only carried files.
	UploadPlaceholder = "Files were uploaded for analysis."
)

// State is the controller's position within a turn.
type State string

const (
	StateIdle           State = "idle"
	StateStreaming      State = "streaming"
	StateRequiresAction State = "requires_action"
	StateSubmitting     State = "submitting"
	StateCompleted      State = "completed"
)

// Transport carries turns to the hosted assistant.
type Transport interface {
	// StartTurn posts a user message and streams the resulting run.
	StartTurn(ctx context.Context, threadID, content string) iter.Seq2[stream.Event, error]

	// SubmitToolOutputs resolves a run's pending tool calls in one batch and
	// streams the continued run.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []stream.ToolOutput) iter.Seq2[stream.Event, error]
}

// Threads manages hosted thread lifecycle.
type Threads interface {
	CreateThread(ctx context.Context) (string, error)
	CancelActiveRuns(ctx context.Context, threadID string) (domain.CancelResult, error)
	ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error)
}

// Backend is everything the controller needs from the server side.
type Backend interface {
	Transport
	Threads
}

// ToolHandler resolves a tool call into the output submitted to the run.
// Implementations must return a harmless output for names they do not know.
type ToolHandler interface {
	HandleToolCall(ctx context.Context, call stream.ToolCall) string
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, call stream.ToolCall) string

// HandleToolCall implements ToolHandler.
func (f ToolHandlerFunc) HandleToolCall(ctx context.Context, call stream.ToolCall) string {
	return f(ctx, call)
}

// Restorer is implemented by tool handlers that rebuild local state when a
// stored thread is resumed.
type Restorer interface {
	Restore(ctx context.Context, st clientstate.State) error
}

// Resetter is implemented by tool handlers that hold a copy of the client
// state. Reset drops it when the conversation starts fresh.
type Resetter interface {
	Reset()
}

// Observer is notified of changes for rendering. Calls happen on the
// goroutine driving the controller.
type Observer interface {
	MessageAppended(index int, msg domain.Message)
	MessageUpdated(index int, msg domain.Message)
	InputChanged(enabled bool)
}

type nopObserver struct{}

func (nopObserver) MessageAppended(int, domain.Message) {}
func (nopObserver) MessageUpdated(int, domain.Message)  {}
func (nopObserver) InputChanged(bool)                   {}

// Controller drives one conversation session. It is not safe for concurrent
// use: a session has exactly one owner.
type Controller struct {
	backend Backend
	tools   ToolHandler
	state   clientstate.Store
	obs     Observer
	logger  *slog.Logger

	session Session
	phase   State
	live    *liveMessage
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver sets the rendering observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.obs = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a controller. Input starts disabled until Start
// decides the session is ready.
func NewController(backend Backend, tools ToolHandler, state clientstate.Store, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		tools:   tools,
		state:   state,
		obs:     nopObserver{},
		logger:  slog.Default(),
		phase:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a snapshot of the session.
func (c *Controller) Session() Session {
	s := c.session
	s.Messages = append([]domain.Message(nil), c.session.Messages...)
	return s
}

// State returns the current turn state.
func (c *Controller) State() State {
	return c.phase
}

// Start resumes the stored thread or creates a new one.
//
// A stored thread has its active runs cancelled before history is fetched, so
// a new turn never races a stale run. A new thread is persisted and then
// receives InitialMessage.
func (c *Controller) Start(ctx context.Context) error {
	st, err := c.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load client state: %w", err)
	}
	c.setInput(false)
	if st.ThreadID != "" {
		return c.resume(ctx, st)
	}
	return c.begin(ctx)
}

func (c *Controller) resume(ctx context.Context, st clientstate.State) error {
	threadID := st.ThreadID
	c.session.ThreadID = threadID
	c.logger.Info("Resuming thread", "thread_id", threadID)

	res, err := c.backend.CancelActiveRuns(ctx, threadID)
	if err != nil {
		c.logger.Warn("Failed to cancel active runs", "thread_id", threadID, "error", err)
	} else if res.CancelledCount > 0 || res.FailedCount > 0 {
		c.logger.Info("Cancelled active runs",
			"thread_id", threadID,
			"cancelled", res.CancelledCount,
			"failed", res.FailedCount,
		)
	}

	c.loadHistory(ctx, threadID)

	if r, ok := c.tools.(Restorer); ok {
		if err := r.Restore(ctx, st); err != nil {
			c.logger.Warn("Failed to restore tool state", "thread_id", threadID, "error", err)
		}
	}

	c.setInput(true)
	return nil
}

func (c *Controller) loadHistory(ctx context.Context, threadID string) {
	msgs, err := c.backend.ListMessages(ctx, threadID)
	if err != nil {
		c.logger.Error("Failed to fetch thread messages", "thread_id", threadID, "error", err)
		c.append(domain.RoleAssistant, WelcomeMessage)
		return
	}
	if len(msgs) == 0 {
		c.append(domain.RoleAssistant, WelcomeMessage)
		return
	}
	for _, m := range msgs {
		c.append(m.Role, historyText(m))
	}
	c.logger.Info("Loaded thread history", "thread_id", threadID, "messages", len(msgs))
}

func historyText(m domain.ThreadMessage) string {
	parts := append([]string(nil), m.Parts...)
	for _, id := range m.Attachments {
		parts = append(parts, "[Attached file: "+id+"]")
	}
	text := strings.Join(parts, "\n")
	if strings.TrimSpace(text) == "" && m.Role == domain.RoleUser {
		return UploadPlaceholder
	}
	return text
}

func (c *Controller) begin(ctx context.Context) error {
	threadID, err := c.backend.CreateThread(ctx)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	if err := c.state.SetThreadID(ctx, threadID); err != nil {
		return fmt.Errorf("persist thread: %w", err)
	}
	c.session.ThreadID = threadID
	c.logger.Info("Created thread", "thread_id", threadID)

	return c.send(ctx, InitialMessage)
}

// Send posts user text and consumes the turn until the run completes, fails,
// or the stream ends. Input must be enabled.
func (c *Controller) Send(ctx context.Context, text string) error {
	if c.session.ThreadID == "" {
		return fmt.Errorf("%w: no thread", domain.ErrState)
	}
	if !c.session.InputEnabled {
		return fmt.Errorf("%w: input disabled", domain.ErrState)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", domain.ErrValidation)
	}
	return c.send(ctx, text)
}

func (c *Controller) send(ctx context.Context, text string) error {
	c.append(domain.RoleUser, text)
	c.setInput(false)
	return c.run(ctx, c.backend.StartTurn(ctx, c.session.ThreadID, text))
}

// Reset discards the thread handle, the messages, the persisted state and
// any state the tool handler keeps.
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.state.Clear(ctx); err != nil {
		return fmt.Errorf("clear client state: %w", err)
	}
	if r, ok := c.tools.(Resetter); ok {
		r.Reset()
	}
	c.session = Session{}
	c.live = nil
	c.phase = StateIdle
	c.obs.InputChanged(false)
	return nil
}

// run feeds streams through the dispatch loop. Each tool-output submission
// yields a follow-up stream that re-enters the same loop.
func (c *Controller) run(ctx context.Context, events iter.Seq2[stream.Event, error]) error {
	var errs []error
	for events != nil {
		next, err := c.consume(ctx, events)
		if err != nil {
			errs = append(errs, err)
		}
		events = next
	}
	// A run that never completed leaves input disabled and partial text in place.
	c.phase = StateIdle
	return errors.Join(errs...)
}

func (c *Controller) consume(ctx context.Context, events iter.Seq2[stream.Event, error]) (iter.Seq2[stream.Event, error], error) {
	c.phase = StateStreaming
	var (
		runID   string
		outputs []stream.ToolOutput
		turnErr error
	)

	for evt, err := range events {
		if err != nil {
			c.logger.Error("Turn stream failed", "thread_id", c.session.ThreadID, "error", err)
			c.live = nil
			return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
		}

		switch evt.Type {
		case stream.EventTextCreated:
			c.live = nil
		case stream.EventTextDelta:
			if evt.Delta != nil {
				c.applyDelta(evt.Delta)
			}
		case stream.EventRequiresAction:
			c.setInput(false)
			c.phase = StateRequiresAction
			c.live = nil
			runID = evt.RunID
			resolved, err := c.resolve(ctx, evt.ToolCalls)
			if err != nil {
				c.logger.Error("Tool calls abandoned", "thread_id", c.session.ThreadID, "run_id", evt.RunID, "error", err)
				return nil, fmt.Errorf("resolve tool calls: %w", err)
			}
			outputs = resolved
		case stream.EventRunCompleted:
			c.live = nil
			c.phase = StateCompleted
			c.setInput(true)
			c.phase = StateIdle
		case stream.EventError:
			c.logger.Error("Assistant run error", "thread_id", c.session.ThreadID, "message", evt.Message)
			turnErr = fmt.Errorf("%w: %s", domain.ErrUpstream, evt.Message)
		default:
			c.logger.Debug("Ignoring stream event", "type", evt.Type)
		}
	}

	if runID != "" {
		c.phase = StateSubmitting
		return c.backend.SubmitToolOutputs(ctx, c.session.ThreadID, runID, outputs), turnErr
	}
	return nil, turnErr
}

func (c *Controller) applyDelta(d *stream.TextDelta) {
	if c.live == nil {
		switch {
		case d.Value != "":
			c.session.Messages = append(c.session.Messages, domain.Message{Role: domain.RoleAssistant})
			c.live = &liveMessage{index: len(c.session.Messages) - 1}
			c.obs.MessageAppended(c.live.index, c.session.Messages[c.live.index])
		case len(d.Annotations) > 0:
			n := len(c.session.Messages)
			if n == 0 || c.session.Messages[n-1].Role != domain.RoleAssistant {
				return
			}
			c.live = &liveMessage{index: n - 1}
			c.live.raw.WriteString(c.session.Messages[n-1].Text)
		default:
			return
		}
	}

	c.live.raw.WriteString(d.Value)
	c.live.addAnnotations(d.Annotations)
	msg := &c.session.Messages[c.live.index]
	if text := c.live.render(); text != msg.Text {
		msg.Text = text
		c.obs.MessageUpdated(c.live.index, *msg)
	}
}

// resolve runs every tool call of one requires_action event concurrently and
// returns the outputs in call order. A cancelled turn yields no outputs, so
// nothing is submitted for it.
func (c *Controller) resolve(ctx context.Context, calls []stream.ToolCall) ([]stream.ToolOutput, error) {
	outputs := make([]stream.ToolOutput, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outputs[i] = stream.ToolOutput{
				ToolCallID: call.ID,
				Output:     c.tools.HandleToolCall(gctx, call),
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Info("Resolved tool calls", "thread_id", c.session.ThreadID, "count", len(calls))
	return outputs, nil
}

func (c *Controller) append(role domain.Role, text string) {
	if c.session.Append(role, text) {
		i := len(c.session.Messages) - 1
		c.obs.MessageAppended(i, c.session.Messages[i])
	}
}

func (c *Controller) setInput(enabled bool) {
	if c.session.InputEnabled == enabled {
		return
	}
	c.session.InputEnabled = enabled
	c.obs.InputChanged(enabled)
}

package conversation

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/resume-rooster/internal/clientstate"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/stream"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	threadID  string
	history   []domain.ThreadMessage
	listErr   error
	cancelErr error
	turns     [][]stream.Event
	submits   [][]stream.Event
	submitted [][]stream.ToolOutput
	submitRun []string
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) CreateThread(context.Context) (string, error) {
	f.record("create")
	return f.threadID, nil
}

func (f *fakeBackend) CancelActiveRuns(_ context.Context, threadID string) (domain.CancelResult, error) {
	f.record("cancel:" + threadID)
	return domain.CancelResult{CancelledCount: 1}, f.cancelErr
}

func (f *fakeBackend) ListMessages(_ context.Context, threadID string) ([]domain.ThreadMessage, error) {
	f.record("list:" + threadID)
	return f.history, f.listErr
}

func (f *fakeBackend) StartTurn(_ context.Context, threadID, content string) iter.Seq2[stream.Event, error] {
	f.record("turn:" + threadID + ":" + content)
	f.mu.Lock()
	var evts []stream.Event
	if len(f.turns) > 0 {
		evts, f.turns = f.turns[0], f.turns[1:]
	}
	f.mu.Unlock()
	return seq(evts, nil)
}

func (f *fakeBackend) SubmitToolOutputs(_ context.Context, threadID, runID string, outputs []stream.ToolOutput) iter.Seq2[stream.Event, error] {
	f.record("submit:" + threadID + ":" + runID)
	f.mu.Lock()
	f.submitted = append(f.submitted, outputs)
	f.submitRun = append(f.submitRun, runID)
	var evts []stream.Event
	if len(f.submits) > 0 {
		evts, f.submits = f.submits[0], f.submits[1:]
	}
	f.mu.Unlock()
	return seq(evts, nil)
}

func seq(evts []stream.Event, tail error) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		for _, e := range evts {
			if !yield(e, nil) {
				return
			}
		}
		if tail != nil {
			yield(stream.Event{}, tail)
		}
	}
}

type memState struct {
	mu sync.Mutex
	st clientstate.State
}

func (m *memState) Load(context.Context) (clientstate.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *memState) SetThreadID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ThreadID = id
	return nil
}

func (m *memState) SetResume(_ context.Context, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ResumeContent = content
	return nil
}

func (m *memState) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = clientstate.State{}
	return nil
}

type inputRecorder struct {
	nopObserver
	changes []bool
}

func (r *inputRecorder) InputChanged(enabled bool) { r.changes = append(r.changes, enabled) }

func echoTools(out string) ToolHandler {
	return ToolHandlerFunc(func(context.Context, stream.ToolCall) string { return out })
}

// idleController returns a controller attached to thread th_1 with input enabled.
func idleController(b *fakeBackend, tools ToolHandler, opts ...Option) *Controller {
	c := NewController(b, tools, &memState{}, opts...)
	c.session.ThreadID = "th_1"
	c.session.InputEnabled = true
	return c
}

func lastText(c *Controller) string {
	msgs := c.Session().Messages
	return msgs[len(msgs)-1].Text
}

func TestDeltasConcatenateInOrder(t *testing.T) {
	t.Parallel()

	values := []string{"Hel", "lo", ", ", "wor", "ld", "!", " <b>raw</b> ", "\n- item"}
	evts := []stream.Event{stream.TextCreated()}
	for _, v := range values {
		evts = append(evts, stream.Delta(v))
	}
	evts = append(evts, stream.RunCompleted("run_1"))

	b := &fakeBackend{turns: [][]stream.Event{evts}}
	c := idleController(b, echoTools(""))
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got, want := lastText(c), strings.Join(values, ""); got != want {
		t.Fatalf("assistant text = %q, want %q", got, want)
	}
	if got := len(c.Session().Messages); got != 2 {
		t.Fatalf("message count = %d, want 2", got)
	}
}

func TestAssistantMessageCreatedLazily(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		turns: [][]stream.Event{{
			stream.TextCreated(),
			stream.RequiresAction("run_1", []stream.ToolCall{{ID: "c1", Function: stream.FunctionCall{Name: "get_resume"}}}),
		}},
		submits: [][]stream.Event{{stream.RunCompleted("run_1")}},
	}
	c := idleController(b, echoTools("ok"))
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := c.Session().Messages
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
}

func TestTextCreatedStartsNewMessage(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{turns: [][]stream.Event{{
		stream.TextCreated(), stream.Delta("same"),
		stream.TextCreated(), stream.Delta("same"),
		stream.RunCompleted("run_1"),
	}}}
	c := idleController(b, echoTools(""))
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := len(c.Session().Messages); got != 3 {
		t.Fatalf("message count = %d, want 3", got)
	}
}

func TestAnnotationRewrite(t *testing.T) {
	t.Parallel()

	ann := stream.Annotation{Type: "file_path", Text: "sandbox:/mnt/data/resume.md", FileID: "file-9"}
	b := &fakeBackend{turns: [][]stream.Event{{
		stream.TextCreated(),
		stream.Delta("Download [here](sandbox:/mnt/"),
		stream.Delta("data/resume.md)", ann),
		stream.Delta(" or again sandbox:/mnt/data/resume.md", ann),
		stream.RunCompleted("run_1"),
	}}}
	c := idleController(b, echoTools(""))
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	want := "Download [here](/files/file-9) or again /files/file-9"
	if got := lastText(c); got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestAnnotateTextIdempotent(t *testing.T) {
	t.Parallel()

	anns := []stream.Annotation{
		{Type: "file_path", Text: "【4:0†source】", FileID: "file-1"},
		{Type: "file_path", Text: "sandbox:/cv.pdf", FileID: "file-2"},
		{Type: "file_citation", Text: "【9:9†source】"},
	}
	raw := "a 【4:0†source】 b sandbox:/cv.pdf c 【4:0†source】 d 【9:9†source】"
	once := AnnotateText(raw, anns)
	twice := AnnotateText(once, anns)
	if once != twice {
		t.Fatalf("second application changed text:\n once=%q\ntwice=%q", once, twice)
	}
	want := "a /files/file-1 b /files/file-2 c /files/file-1 d 【9:9†source】"
	if once != want {
		t.Fatalf("AnnotateText = %q, want %q", once, want)
	}
}

func TestAnnotateTextLeavesCitations(t *testing.T) {
	t.Parallel()

	anns := []stream.Annotation{
		{Type: stream.AnnotationFileCitation, Text: "【4:0†source】", FileID: "file-abc"},
		{Type: stream.AnnotationFilePath, Text: "sandbox:/mnt/data/cv.md", FileID: "file-out"},
	}
	got := AnnotateText("Led a team of 5【4:0†source】. Draft: sandbox:/mnt/data/cv.md", anns)
	want := "Led a team of 5【4:0†source】. Draft: /files/file-out"
	if got != want {
		t.Fatalf("AnnotateText = %q, want %q", got, want)
	}
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	t.Parallel()

	var s Session
	if !s.Append(domain.RoleAssistant, WelcomeMessage) {
		t.Fatal("first append should add")
	}
	if s.Append(domain.RoleAssistant, WelcomeMessage) {
		t.Fatal("duplicate append should be a no-op")
	}
	if len(s.Messages) != 1 {
		t.Fatalf("message count = %d, want 1", len(s.Messages))
	}
	if !s.Append(domain.RoleUser, WelcomeMessage) {
		t.Fatal("same text with another role should add")
	}
}

func TestRequiresActionDisablesInputUntilRunCompleted(t *testing.T) {
	t.Parallel()

	var snapshot []bool
	rec := &inputRecorder{}
	var c *Controller
	tools := ToolHandlerFunc(func(context.Context, stream.ToolCall) string {
		snapshot = append(snapshot, c.Session().InputEnabled)
		return "done"
	})
	b := &fakeBackend{
		turns: [][]stream.Event{{
			stream.TextCreated(),
			stream.Delta("Working on it"),
			stream.RequiresAction("run_1", []stream.ToolCall{{ID: "c1", Function: stream.FunctionCall{Name: "update_resume"}}}),
		}},
		submits: [][]stream.Event{{
			stream.TextCreated(),
			stream.Delta("Done."),
			stream.RunCompleted("run_1"),
		}},
	}
	c = idleController(b, tools, WithObserver(rec))

	if err := c.Send(context.Background(), "go"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0] {
		t.Fatalf("input should be disabled while tools run, got %v", snapshot)
	}
	if !c.Session().InputEnabled {
		t.Fatal("input should be enabled after run completed")
	}
	if want := []bool{false, true}; len(rec.changes) != 2 || rec.changes[0] != want[0] || rec.changes[1] != want[1] {
		t.Fatalf("input changes = %v, want %v", rec.changes, want)
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestTextOnlyDoesNotEnableInput(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{turns: [][]stream.Event{{
		stream.TextCreated(),
		stream.Delta("partial"),
	}}}
	c := idleController(b, echoTools(""))
	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if c.Session().InputEnabled {
		t.Fatal("input must stay disabled without run_completed")
	}
	if got := lastText(c); got != "partial" {
		t.Fatalf("partial text should stay visible, got %q", got)
	}
	if err := c.Send(context.Background(), "again"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error while input disabled, got %v", err)
	}
}

func TestToolCallsResolvedConcurrentlyAndBatched(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	tools := ToolHandlerFunc(func(_ context.Context, call stream.ToolCall) string {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
		return "out-" + call.ID
	})

	calls := []stream.ToolCall{
		{ID: "a", Function: stream.FunctionCall{Name: "update_resume"}},
		{ID: "b", Function: stream.FunctionCall{Name: "get_resume"}},
		{ID: "c", Function: stream.FunctionCall{Name: "unknown_tool"}},
	}
	b := &fakeBackend{
		turns:   [][]stream.Event{{stream.RequiresAction("run_7", calls)}},
		submits: [][]stream.Event{{stream.RunCompleted("run_7")}},
	}
	c := idleController(b, tools)
	if err := c.Send(context.Background(), "go"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if peak.Load() != 3 {
		t.Fatalf("expected all 3 tool calls in flight together, peak = %d", peak.Load())
	}
	if len(b.submitted) != 1 {
		t.Fatalf("expected one batched submit, got %d", len(b.submitted))
	}
	if b.submitRun[0] != "run_7" {
		t.Fatalf("submitted run = %q", b.submitRun[0])
	}
	got := b.submitted[0]
	for i, id := range []string{"a", "b", "c"} {
		if got[i].ToolCallID != id || got[i].Output != "out-"+id {
			t.Fatalf("output %d = %+v", i, got[i])
		}
	}
}

func TestCancelledToolCallsAreNotSubmitted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tools := ToolHandlerFunc(func(context.Context, stream.ToolCall) string {
		cancel()
		return "late"
	})

	calls := []stream.ToolCall{{ID: "a", Function: stream.FunctionCall{Name: "get_resume"}}}
	b := &fakeBackend{
		turns:   [][]stream.Event{{stream.RequiresAction("run_7", calls)}},
		submits: [][]stream.Event{{stream.RunCompleted("run_7")}},
	}
	rec := &inputRecorder{}
	c := idleController(b, tools, WithObserver(rec))

	err := c.Send(ctx, "go")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send error = %v, want context.Canceled", err)
	}
	if len(b.submitted) != 0 {
		t.Fatalf("submitted %d batches after cancel", len(b.submitted))
	}
	if c.Session().InputEnabled {
		t.Fatal("input enabled after abandoned tool calls")
	}
}

func TestStreamErrorLeavesInputDisabled(t *testing.T) {
	t.Parallel()

	failing := &failingBackend{fakeBackend: &fakeBackend{}, err: errors.New("connection reset")}
	c := idleController(failing.fakeBackend, echoTools(""))
	c.backend = failing

	err := c.Send(context.Background(), "hi")
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.Session().InputEnabled {
		t.Fatal("input must stay disabled after a stream error")
	}
	if lastText(c) != "partial" {
		t.Fatalf("partial text should remain, got %q", lastText(c))
	}
}

type failingBackend struct {
	*fakeBackend
	err error
}

func (f *failingBackend) StartTurn(context.Context, string, string) iter.Seq2[stream.Event, error] {
	return seq([]stream.Event{stream.TextCreated(), stream.Delta("partial")}, f.err)
}

func TestErrorEventReported(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{turns: [][]stream.Event{{stream.Failure("run failed: rate_limit_exceeded")}}}
	c := idleController(b, echoTools(""))
	err := c.Send(context.Background(), "hi")
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if c.Session().InputEnabled {
		t.Fatal("input must stay disabled after an error event")
	}
}

func TestStartNewSessionCreatesAndPersistsThread(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		threadID: "th_new",
		turns:    [][]stream.Event{{stream.TextCreated(), stream.Delta("Hi!"), stream.RunCompleted("run_1")}},
	}
	state := &memState{}
	c := NewController(b, echoTools(""), state)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if state.st.ThreadID != "th_new" {
		t.Fatalf("persisted thread = %q, want th_new", state.st.ThreadID)
	}
	if c.Session().ThreadID != "th_new" {
		t.Fatalf("session thread = %q", c.Session().ThreadID)
	}
	for _, call := range b.callLog() {
		if strings.HasPrefix(call, "cancel:") {
			t.Fatalf("no cancel expected for a new thread, calls = %v", b.callLog())
		}
	}
	log := b.callLog()
	if log[0] != "create" || log[1] != "turn:th_new:"+InitialMessage {
		t.Fatalf("calls = %v", log)
	}
	msgs := c.Session().Messages
	if msgs[0].Role != domain.RoleUser || msgs[0].Text != InitialMessage {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if !c.Session().InputEnabled {
		t.Fatal("input should be enabled after the initial run completes")
	}
}

type restoringTools struct {
	ToolHandler
	restored string
}

func (r *restoringTools) Restore(_ context.Context, st clientstate.State) error {
	r.restored = st.ResumeContent
	return nil
}

func TestStartResumedSessionCancelsBeforeFetch(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		cancelErr: errors.New("cancel endpoint down"),
		history: []domain.ThreadMessage{
			{Role: domain.RoleUser, Parts: nil, Attachments: []string{}},
			{Role: domain.RoleAssistant, Parts: []string{"line one", "line two"}},
			{Role: domain.RoleUser, Parts: []string{"see"}, Attachments: []string{"file-3"}},
		},
	}
	state := &memState{st: clientstate.State{ThreadID: "th_123", ResumeContent: "# Saved"}}
	tools := &restoringTools{ToolHandler: echoTools("")}
	c := NewController(b, tools, state)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	log := b.callLog()
	if len(log) != 2 || log[0] != "cancel:th_123" || log[1] != "list:th_123" {
		t.Fatalf("calls = %v, want cancel then list", log)
	}
	msgs := c.Session().Messages
	if msgs[0].Text != UploadPlaceholder {
		t.Errorf("empty user message = %q", msgs[0].Text)
	}
	if msgs[1].Text != "line one\nline two" {
		t.Errorf("joined parts = %q", msgs[1].Text)
	}
	if msgs[2].Text != "see\n[Attached file: file-3]" {
		t.Errorf("attachment text = %q", msgs[2].Text)
	}
	if tools.restored != "# Saved" {
		t.Errorf("restored resume = %q", tools.restored)
	}
	if !c.Session().InputEnabled {
		t.Fatal("input should be enabled after resume")
	}
}

func TestResumeWithoutHistoryShowsWelcomeOnce(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{listErr: errors.New("boom")}
	state := &memState{st: clientstate.State{ThreadID: "th_1"}}
	c := NewController(b, echoTools(""), state)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// A second initialization must not duplicate the welcome message.
	if err := c.resume(ctx, state.st); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	msgs := c.Session().Messages
	if len(msgs) != 1 || msgs[0].Text != WelcomeMessage {
		t.Fatalf("messages = %+v", msgs)
	}
}

type resettableTools struct {
	ToolHandler
	resets int
}

func (r *resettableTools) Reset() { r.resets++ }

func TestResetClearsToolState(t *testing.T) {
	t.Parallel()

	tools := &resettableTools{ToolHandler: echoTools("")}
	c := NewController(&fakeBackend{}, tools, &memState{})
	c.session.ThreadID = "th_1"
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if tools.resets != 1 {
		t.Fatalf("tool handler reset %d times, want 1", tools.resets)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	state := &memState{st: clientstate.State{ThreadID: "th_1", ResumeContent: "x"}}
	c := NewController(&fakeBackend{}, echoTools(""), state)
	c.session.ThreadID = "th_1"
	c.session.Append(domain.RoleUser, "hello")
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if c.Session().ThreadID != "" || len(c.Session().Messages) != 0 {
		t.Fatalf("session not cleared: %+v", c.Session())
	}
	if state.st != (clientstate.State{}) {
		t.Fatalf("state not cleared: %+v", state.st)
	}
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error without thread, got %v", err)
	}
}

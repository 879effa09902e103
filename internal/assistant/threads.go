package assistant

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/resume"
	"github.com/ashureev/resume-rooster/internal/runlog"
	"github.com/ashureev/resume-rooster/internal/stream"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"
)

const (
	recentRunsLimit   = 10
	messageListLimit  = 100
	afterOutputsDelay = 3 * time.Second
)

// CreateThread creates an empty thread.
func (s *Service) CreateThread(ctx context.Context) (string, error) {
	t, err := s.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", classify("create thread", err)
	}
	s.logger.Info("Created thread", "thread_id", t.ID)
	return t.ID, nil
}

// DeleteThread deletes a thread and its messages.
func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.client.Beta.Threads.Delete(ctx, threadID); err != nil {
		return classify("delete thread", err)
	}
	s.logger.Info("Deleted thread", "thread_id", threadID)
	return nil
}

// ListMessages returns up to 100 messages of a thread, oldest first.
func (s *Service) ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error) {
	page, err := s.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderAsc,
		Limit: openai.Int(messageListLimit),
	})
	if err != nil {
		return nil, classify("list messages", err)
	}
	out := make([]domain.ThreadMessage, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, parseThreadMessage(m.RawJSON()))
	}
	return out, nil
}

func parseThreadMessage(raw string) domain.ThreadMessage {
	m := gjson.Parse(raw)
	msg := domain.ThreadMessage{
		ID:        m.Get("id").String(),
		Role:      domain.Role(m.Get("role").String()),
		CreatedAt: time.Unix(m.Get("created_at").Int(), 0),
		Parts:     make([]string, 0),
	}
	for _, part := range m.Get("content").Array() {
		if part.Get("type").String() == "text" {
			msg.Parts = append(msg.Parts, part.Get("text.value").String())
		}
	}
	for _, a := range m.Get("attachments").Array() {
		if id := a.Get("file_id").String(); id != "" {
			msg.Attachments = append(msg.Attachments, id)
		}
	}
	return msg
}

// StartTurn posts a user message and streams the run it starts.
func (s *Service) StartTurn(ctx context.Context, threadID, content string) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		// Content is a string-or-parts union; the plain string form is set directly.
		_, err := s.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{},
			option.WithJSONSet("role", "user"),
			option.WithJSONSet("content", content))
		if err != nil {
			yield(stream.Event{}, classify("post message", err))
			return
		}

		assistantID, err := s.EnsureAssistant(ctx)
		if err != nil {
			yield(stream.Event{}, err)
			return
		}

		st := s.client.Beta.Threads.Runs.NewStreaming(ctx, threadID, openai.BetaThreadRunNewParams{
			AssistantID: assistantID,
		})
		s.relay(threadID, st, runlog.EventRunCompleted, yield)
	}
}

// SubmitToolOutputs submits one batch of tool outputs and streams the
// continued run. A pending update_resume call also refreshes the resume
// copy in the vector store; that refresh is best-effort.
func (s *Service) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []stream.ToolOutput) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		if len(outputs) == 0 {
			yield(stream.Event{}, fmt.Errorf("%w: no tool outputs", domain.ErrValidation))
			return
		}
		s.logger.Info("Submitting tool outputs", "thread_id", threadID, "run_id", runID, "count", len(outputs))
		if s.recorder != nil {
			s.recorder.Record(threadID, runID, runlog.EventBeforeToolOutputs)
		}

		s.syncPendingResume(ctx, threadID, runID)

		// The tool output wire shape matches stream.ToolOutput.
		st := s.client.Beta.Threads.Runs.SubmitToolOutputsStreaming(ctx, threadID, runID,
			openai.BetaThreadRunSubmitToolOutputsParams{},
			option.WithJSONSet("tool_outputs", outputs))
		if s.recorder != nil {
			s.recorder.RecordAfter(threadID, runID, runlog.EventAfterToolOutputs, afterOutputsDelay)
		}
		s.relay(threadID, st, runlog.EventRunCompletedAfterTools, yield)
	}
}

// relay translates a raw run stream into turn events.
func (s *Service) relay(threadID string, st *ssestream.Stream[openai.AssistantStreamEventUnion], completedEvent string, yield func(stream.Event, error) bool) {
	defer st.Close()
	for st.Next() {
		for _, evt := range Translate(st.Current().RawJSON()) {
			if evt.Type == stream.EventRunCompleted && s.recorder != nil {
				s.recorder.Record(threadID, evt.RunID, completedEvent)
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
	if err := st.Err(); err != nil {
		s.logger.Error("Run stream failed", "thread_id", threadID, "error", err)
		yield(stream.Event{}, classify("stream run", err))
	}
}

func (s *Service) syncPendingResume(ctx context.Context, threadID, runID string) {
	run, err := s.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		s.logger.Warn("Failed to inspect run before submitting outputs", "thread_id", threadID, "run_id", runID, "error", err)
		return
	}
	for _, call := range toolCalls(gjson.Get(run.RawJSON(), "required_action.submit_tool_outputs.tool_calls")) {
		if call.Function.Name != resume.ToolUpdateResume {
			continue
		}
		args, err := resume.ParseUpdateArgs(call.Function.Arguments)
		if err != nil {
			s.logger.Warn("Skipping resume sync", "thread_id", threadID, "run_id", runID, "error", err)
			return
		}
		if err := s.SyncResume(ctx, args.Content); err != nil {
			s.logger.Error("Failed to sync resume to vector store", "thread_id", threadID, "run_id", runID, "error", err)
		}
		return
	}
}

// CancelActiveRuns cancels the queued, in-progress and action-waiting runs
// among the most recent runs of a thread. Individual failures are counted,
// not returned.
func (s *Service) CancelActiveRuns(ctx context.Context, threadID string) (domain.CancelResult, error) {
	var res domain.CancelResult
	page, err := s.client.Beta.Threads.Runs.List(ctx, threadID, openai.BetaThreadRunListParams{
		Limit: openai.Int(recentRunsLimit),
	})
	if err != nil {
		return res, classify("list runs", err)
	}

	for _, run := range page.Data {
		if !domain.ActiveRunStatuses[string(run.Status)] {
			continue
		}
		if _, err := s.client.Beta.Threads.Runs.Cancel(ctx, threadID, run.ID); err != nil {
			s.logger.Warn("Failed to cancel run", "thread_id", threadID, "run_id", run.ID, "error", err)
			res.FailedCount++
			continue
		}
		res.CancelledCount++
	}
	res.Message = fmt.Sprintf("Cancelled %d active runs", res.CancelledCount)
	return res, nil
}

// RunDetails loads a run with its steps, including file-search results.
func (s *Service) RunDetails(ctx context.Context, threadID, runID string) (runlog.Run, error) {
	run, err := s.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return runlog.Run{}, classify("get run", err)
	}
	page, err := s.client.Beta.Threads.Runs.Steps.List(ctx, threadID, runID,
		openai.BetaThreadRunStepListParams{Limit: openai.Int(messageListLimit)},
		option.WithQuery("include[]", "step_details.tool_calls[*].file_search.results[*].content"))
	if err != nil {
		return runlog.Run{}, classify("list run steps", err)
	}
	steps := make([]string, 0, len(page.Data))
	for _, step := range page.Data {
		steps = append(steps, step.RawJSON())
	}
	return runlog.ParseRun(run.RawJSON(), steps), nil
}

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/runlog"
	"github.com/ashureev/resume-rooster/internal/stream"
	"github.com/openai/openai-go/option"
)

type recordedEvent struct {
	runID string
	event string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) Record(_, runID, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{runID, event})
}

func (r *fakeRecorder) RecordAfter(threadID, runID, event string, _ time.Duration) {
	r.Record(threadID, runID, event)
}

func (r *fakeRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.event)
	}
	return out
}

func newTestService(t *testing.T, mux *http.ServeMux) *Service {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/",
		AssistantID:  "asst_1",
		Model:        "gpt-4o",
		PollInterval: time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), option.WithMaxRetries(0))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeEvents(w http.ResponseWriter, frames ...[2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f[0], f[1])
	}
	fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
}

func TestCancelActiveRuns(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var cancelled []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q, want 10", got)
		}
		writeJSON(w, http.StatusOK, `{"object":"list","has_more":false,"data":[
			{"id":"run_a","object":"thread.run","status":"in_progress"},
			{"id":"run_b","object":"thread.run","status":"completed"},
			{"id":"run_c","object":"thread.run","status":"requires_action"},
			{"id":"run_d","object":"thread.run","status":"queued"}]}`)
	})
	mux.HandleFunc("POST /threads/thread_1/runs/{runID}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("runID")
		mu.Lock()
		cancelled = append(cancelled, id)
		mu.Unlock()
		if id == "run_c" {
			writeJSON(w, http.StatusBadRequest, `{"error":{"message":"cannot cancel run","type":"invalid_request_error"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"`+id+`","object":"thread.run","status":"cancelling"}`)
	})

	svc := newTestService(t, mux)
	res, err := svc.CancelActiveRuns(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("CancelActiveRuns: %v", err)
	}
	if res.CancelledCount != 2 || res.FailedCount != 1 {
		t.Fatalf("result = %+v, want 2 cancelled 1 failed", res)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, id := range cancelled {
		if id == "run_b" {
			t.Fatal("completed run was cancelled")
		}
	}
}

func TestListFilesFiltersByTypeNewestFirst(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("purpose"); got != "assistants" {
			t.Errorf("purpose = %q, want assistants", got)
		}
		writeJSON(w, http.StatusOK, `{"object":"list","has_more":false,"data":[
			{"id":"file_old","object":"file","filename":"1000-work-experience-rooster-old.pdf","created_at":1000,"bytes":10,"purpose":"assistants"},
			{"id":"file_job","object":"file","filename":"1500-job-description-rooster-job.txt","created_at":1500,"bytes":5,"purpose":"assistants"},
			{"id":"file_new","object":"file","filename":"2000-work-experience-rooster-new.pdf","created_at":2000,"bytes":20,"purpose":"assistants"},
			{"id":"file_draft","object":"file","filename":"resume-draft.txt","created_at":2500,"bytes":1,"purpose":"assistants"}]}`)
	})

	svc := newTestService(t, mux)
	files, err := svc.ListFiles(context.Background(), domain.FileTypeWorkExperience)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 || files[0].FileID != "file_new" || files[1].FileID != "file_old" {
		t.Fatalf("files = %+v", files)
	}
	if files[0].DisplayName != "new.pdf" || files[0].Bytes != 20 {
		t.Fatalf("decoded file = %+v", files[0])
	}

	all, err := svc.ListFiles(context.Background(), "")
	if err != nil {
		t.Fatalf("ListFiles all: %v", err)
	}
	if len(all) != 4 || all[0].FileType != domain.FileTypeUnknown {
		t.Fatalf("all files = %+v", all)
	}
}

func TestStartTurnPostsMessageAndStreamsRun(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode message body: %v", err)
		}
		if body["role"] != "user" || body["content"] != "hello" {
			t.Errorf("message body = %v", body)
		}
		writeJSON(w, http.StatusOK, `{"id":"msg_1","object":"thread.message","role":"user"}`)
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["assistant_id"] != "asst_1" || body["stream"] != true {
			t.Errorf("run body = %v", body)
		}
		writeEvents(w,
			[2]string{"thread.run.created", `{"id":"run_1","object":"thread.run","status":"queued"}`},
			[2]string{"thread.message.created", `{"id":"msg_2","object":"thread.message","role":"assistant","content":[]}`},
			[2]string{"thread.message.delta", `{"id":"msg_2","object":"thread.message.delta","delta":{"content":[{"index":0,"type":"text","text":{"value":"Hi"}}]}}`},
			[2]string{"thread.run.completed", `{"id":"run_1","object":"thread.run","status":"completed"}`},
		)
	})

	svc := newTestService(t, mux)
	svc.SetRecorder(rec)

	var types []stream.EventType
	for evt, err := range svc.StartTurn(context.Background(), "thread_1", "hello") {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		types = append(types, evt.Type)
	}

	want := []stream.EventType{stream.EventTextCreated, stream.EventTextDelta, stream.EventRunCompleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	if got := rec.names(); len(got) != 1 || got[0] != runlog.EventRunCompleted {
		t.Fatalf("recorded = %v", got)
	}
}

func TestSubmitToolOutputsBatchesOutputs(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /threads/thread_1/runs/run_1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"run_1","object":"thread.run","status":"requires_action",
			"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"get_resume","arguments":"{}"}}]}}}`)
	})
	mux.HandleFunc("POST /threads/thread_1/runs/run_1/submit_tool_outputs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToolOutputs []stream.ToolOutput `json:"tool_outputs"`
			Stream      bool                `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode submit body: %v", err)
		}
		if !body.Stream || len(body.ToolOutputs) != 2 || body.ToolOutputs[1].ToolCallID != "call_2" {
			t.Errorf("submit body = %+v", body)
		}
		writeEvents(w,
			[2]string{"thread.run.completed", `{"id":"run_1","object":"thread.run","status":"completed"}`},
		)
	})

	svc := newTestService(t, mux)
	svc.SetRecorder(rec)

	outputs := []stream.ToolOutput{
		{ToolCallID: "call_1", Output: "Resume not available yet."},
		{ToolCallID: "call_2", Output: "Resume updated successfully"},
	}
	var completed bool
	for evt, err := range svc.SubmitToolOutputs(context.Background(), "thread_1", "run_1", outputs) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		completed = completed || evt.Type == stream.EventRunCompleted
	}
	if !completed {
		t.Fatal("run_completed not relayed")
	}

	got := rec.names()
	want := []string{runlog.EventBeforeToolOutputs, runlog.EventAfterToolOutputs, runlog.EventRunCompletedAfterTools}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("recorded = %v, want %v", got, want)
	}
}

func TestSubmitToolOutputsRequiresOutputs(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, http.NewServeMux())
	for _, err := range svc.SubmitToolOutputs(context.Background(), "thread_1", "run_1", nil) {
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("err = %v, want validation error", err)
		}
	}
}

func TestClassifyNotFound(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /threads/missing", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"message":"No thread found","type":"invalid_request_error"}}`)
	})

	svc := newTestService(t, mux)
	err := svc.DeleteThread(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

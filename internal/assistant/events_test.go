package assistant

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/stream"
)

func TestTranslateMessageDelta(t *testing.T) {
	t.Parallel()

	raw := `{"event":"thread.message.delta","data":{"id":"msg_1","delta":{"content":[
		{"index":0,"type":"text","text":{"value":"See ","annotations":[]}},
		{"index":0,"type":"text","text":{"value":"【4:0†cv.pdf】","annotations":[
			{"type":"file_citation","text":"【4:0†cv.pdf】","file_citation":{"file_id":"file_cv"}},
			{"type":"file_path","text":"sandbox:/out.md","file_path":{"file_id":"file_out"}}]}},
		{"index":1,"type":"image_file","image_file":{"file_id":"img"}}]}}}`

	got := Translate(raw)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Type != stream.EventTextDelta || got[0].Delta.Value != "See " {
		t.Fatalf("first event = %+v", got[0])
	}
	anns := got[1].Delta.Annotations
	if len(anns) != 2 {
		t.Fatalf("annotations = %+v", anns)
	}
	if anns[0].FileID != "" || anns[1].FileID != "file_out" {
		t.Fatalf("annotation file ids = %q, %q", anns[0].FileID, anns[1].FileID)
	}
}

func TestCitationsStayInText(t *testing.T) {
	t.Parallel()

	raw := `{"event":"thread.message.delta","data":{"id":"msg_1","delta":{"content":[
		{"index":0,"type":"text","text":{"value":"Led a team of 5【4:0†source】.","annotations":[
			{"type":"file_citation","text":"【4:0†source】","file_citation":{"file_id":"file-abc"}}]}}]}}}`

	evts := Translate(raw)
	if len(evts) != 1 || evts[0].Delta == nil {
		t.Fatalf("events = %+v", evts)
	}
	got := conversation.AnnotateText(evts[0].Delta.Value, evts[0].Delta.Annotations)
	if want := "Led a team of 5【4:0†source】."; got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestTranslateRequiresAction(t *testing.T) {
	t.Parallel()

	raw := `{"event":"thread.run.requires_action","data":{"id":"run_7","status":"requires_action",
		"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"update_resume","arguments":"{\"content\":\"# CV\"}"}},
			{"id":"call_2","type":"function","function":{"name":"get_resume","arguments":"{}"}}]}}}}`

	got := Translate(raw)
	if len(got) != 1 || got[0].Type != stream.EventRequiresAction {
		t.Fatalf("events = %+v", got)
	}
	evt := got[0]
	if evt.RunID != "run_7" || len(evt.ToolCalls) != 2 {
		t.Fatalf("event = %+v", evt)
	}
	if evt.ToolCalls[0].Function.Name != "update_resume" || evt.ToolCalls[0].Function.Arguments != `{"content":"# CV"}` {
		t.Fatalf("first call = %+v", evt.ToolCalls[0])
	}
}

func TestTranslateRunOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want stream.Event
	}{
		{
			name: "completed",
			raw:  `{"event":"thread.run.completed","data":{"id":"run_1","status":"completed"}}`,
			want: stream.RunCompleted("run_1"),
		},
		{
			name: "failed with reason",
			raw:  `{"event":"thread.run.failed","data":{"id":"run_1","status":"failed","last_error":{"code":"server_error","message":"boom"}}}`,
			want: stream.Failure("run failed: boom"),
		},
		{
			name: "expired",
			raw:  `{"event":"thread.run.expired","data":{"id":"run_1","status":"expired"}}`,
			want: stream.Failure("run expired"),
		},
		{
			name: "error event",
			raw:  `{"event":"error","data":{"message":"rate limited"}}`,
			want: stream.Failure("rate limited"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Translate(tt.raw)
			if len(got) != 1 {
				t.Fatalf("got %d events", len(got))
			}
			if got[0].Type != tt.want.Type || got[0].RunID != tt.want.RunID || got[0].Message != tt.want.Message {
				t.Fatalf("got %+v, want %+v", got[0], tt.want)
			}
		})
	}
}

func TestTranslateIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`{"event":"thread.run.created","data":{"id":"run_1"}}`,
		`{"event":"thread.run.step.delta","data":{"id":"step_1"}}`,
		`{"event":"thread.message.created","data":{"id":"msg_1","role":"user"}}`,
	} {
		if got := Translate(raw); len(got) != 0 {
			t.Errorf("Translate(%s) = %+v, want none", raw, got)
		}
	}
}

func TestParseThreadMessageWithoutText(t *testing.T) {
	t.Parallel()

	msg := parseThreadMessage(`{"id":"msg_1","role":"assistant","status":"incomplete","created_at":1700000000,"content":[]}`)
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"parts":[]`) {
		t.Fatalf("message = %s", data)
	}
}

func TestParseThreadMessage(t *testing.T) {
	t.Parallel()

	msg := parseThreadMessage(`{"id":"msg_1","role":"user","created_at":1700000000,
		"content":[{"type":"text","text":{"value":"line one"}},{"type":"image_file"},{"type":"text","text":{"value":"line two"}}],
		"attachments":[{"file_id":"file_1","tools":[{"type":"file_search"}]}]}`)

	if msg.Role != "user" || len(msg.Parts) != 2 || msg.Parts[1] != "line two" {
		t.Fatalf("message = %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0] != "file_1" {
		t.Fatalf("attachments = %v", msg.Attachments)
	}
	if msg.CreatedAt.Unix() != 1700000000 {
		t.Fatalf("created at = %v", msg.CreatedAt)
	}
}

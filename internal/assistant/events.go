package assistant

import (
	"github.com/ashureev/resume-rooster/internal/stream"
	"github.com/tidwall/gjson"
)

// Assistant stream event names.
const (
	eventMessageCreated = "thread.message.created"
	eventMessageDelta   = "thread.message.delta"
	eventRequiresAction = "thread.run.requires_action"
	eventRunCompleted   = "thread.run.completed"
	eventRunFailed      = "thread.run.failed"
	eventRunCancelled   = "thread.run.cancelled"
	eventRunExpired     = "thread.run.expired"
	eventRunIncomplete  = "thread.run.incomplete"
	eventError          = "error"
)

// Translate converts one raw assistant stream event into turn events.
// The raw form is {"event": name, "data": payload}. Events that carry nothing
// for the conversation translate to nil.
func Translate(raw string) []stream.Event {
	root := gjson.Parse(raw)
	name := root.Get("event").String()
	data := root.Get("data")
	if !data.Exists() {
		data = root
	}

	switch name {
	case eventMessageCreated:
		if data.Get("role").String() == "user" {
			return nil
		}
		return []stream.Event{stream.TextCreated()}

	case eventMessageDelta:
		var out []stream.Event
		for _, part := range data.Get("delta.content").Array() {
			if part.Get("type").String() != "text" {
				continue
			}
			value := part.Get("text.value").String()
			anns := annotations(part.Get("text.annotations"))
			if value == "" && len(anns) == 0 {
				continue
			}
			out = append(out, stream.Delta(value, anns...))
		}
		return out

	case eventRequiresAction:
		calls := toolCalls(data.Get("required_action.submit_tool_outputs.tool_calls"))
		return []stream.Event{stream.RequiresAction(data.Get("id").String(), calls)}

	case eventRunCompleted:
		return []stream.Event{stream.RunCompleted(data.Get("id").String())}

	case eventRunFailed, eventRunCancelled, eventRunExpired, eventRunIncomplete:
		msg := "run " + data.Get("status").String()
		if reason := data.Get("last_error.message").String(); reason != "" {
			msg += ": " + reason
		}
		return []stream.Event{stream.Failure(msg)}

	case eventError:
		msg := data.Get("message").String()
		if msg == "" {
			msg = data.Get("error.message").String()
		}
		if msg == "" {
			msg = "assistant stream error"
		}
		return []stream.Event{stream.Failure(msg)}
	}
	return nil
}

func annotations(list gjson.Result) []stream.Annotation {
	var out []stream.Annotation
	for _, a := range list.Array() {
		ann := stream.Annotation{
			Type: a.Get("type").String(),
			Text: a.Get("text").String(),
		}
		// Citations point at input files, which cannot be downloaded.
		if ann.Type == stream.AnnotationFilePath {
			ann.FileID = a.Get("file_path.file_id").String()
		}
		out = append(out, ann)
	}
	return out
}

// toolCalls keeps the function calls of a required_action payload.
func toolCalls(list gjson.Result) []stream.ToolCall {
	var out []stream.ToolCall
	for _, c := range list.Array() {
		if t := c.Get("type").String(); t != "" && t != "function" {
			continue
		}
		out = append(out, stream.ToolCall{
			ID: c.Get("id").String(),
			Function: stream.FunctionCall{
				Name:      c.Get("function.name").String(),
				Arguments: c.Get("function.arguments").String(),
			},
		})
	}
	return out
}

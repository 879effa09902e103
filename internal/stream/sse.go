package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/packages/ssestream"
)

// Write frames evt as a server-sent event named after its type.
func Write(w io.Writer, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// Read decodes the events of an SSE response body. The body is closed when the
// sequence ends or the consumer stops early.
func Read(res *http.Response) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := ssestream.NewDecoder(res)
		if dec == nil {
			yield(Event{}, fmt.Errorf("empty event stream"))
			return
		}
		defer func() {
			if err := dec.Close(); err != nil {
				slog.Debug("close event stream", "error", err)
			}
		}()

		for dec.Next() {
			raw := dec.Event()
			if len(raw.Data) == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal(raw.Data, &evt); err != nil {
				yield(Event{}, fmt.Errorf("decode %q event: %w", raw.Type, err))
				return
			}
			if evt.Type == "" {
				evt.Type = EventType(raw.Type)
			}
			if !yield(evt, nil) {
				return
			}
		}
		if err := dec.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read event stream: %w", err))
		}
	}
}

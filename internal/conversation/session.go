// Package conversation turns the event stream of an assistant turn into
// conversation state.
package conversation

import (
	"strings"

	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/stream"
)

// Session is the client-side view of one hosted conversation.
type Session struct {
	ThreadID     string
	Messages     []domain.Message
	InputEnabled bool
}

// Append adds a message unless it repeats the last one exactly.
// It reports whether the message was added.
func (s *Session) Append(role domain.Role, text string) bool {
	if n := len(s.Messages); n > 0 {
		last := s.Messages[n-1]
		if last.Role == role && last.Text == text {
			return false
		}
	}
	s.Messages = append(s.Messages, domain.Message{Role: role, Text: text})
	return true
}

// FileLink is the download path substituted for a file annotation.
func FileLink(fileID string) string {
	return "/files/" + fileID
}

// AnnotateText replaces every occurrence of each annotation's citation text
// with a download link. Only file_path annotations carrying a file are
// rewritten; citations stay as the assistant wrote them.
func AnnotateText(text string, annotations []stream.Annotation) string {
	for _, a := range annotations {
		if a.Type != stream.AnnotationFilePath || a.Text == "" || a.FileID == "" {
			continue
		}
		text = strings.ReplaceAll(text, a.Text, FileLink(a.FileID))
	}
	return text
}

// liveMessage is the assistant message currently receiving deltas.
// Rendering always starts from the raw text so repeated annotations never
// substitute twice and citations split across deltas are still found.
type liveMessage struct {
	index       int
	raw         strings.Builder
	annotations []stream.Annotation
}

func (m *liveMessage) addAnnotations(anns []stream.Annotation) {
	for _, a := range anns {
		dup := false
		for _, seen := range m.annotations {
			if seen.Text == a.Text && seen.FileID == a.FileID {
				dup = true
				break
			}
		}
		if !dup {
			m.annotations = append(m.annotations, a)
		}
	}
}

func (m *liveMessage) render() string {
	return AnnotateText(m.raw.String(), m.annotations)
}

// Package transcript writes conversation turns as NDJSON, one file per
// client and thread.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event is one transcript line.
type Event struct {
	Timestamp  string         `json:"ts"`
	ClientID   string         `json:"client_id"`
	ThreadID   string         `json:"thread_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records transcript events.
type Logger interface {
	Log(evt Event)
	Close() error
}

// Config configures the NDJSON logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(Event)    {}
func (Nop) Close() error { return nil }

type fileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New returns an asynchronous NDJSON logger, or Nop when disabled. Events
// are dropped when the queue is full.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *fileLogger) Log(evt Event) {
	if evt.Timestamp == "" {
		evt.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if evt.Content == "" && evt.ContentRaw != "" {
		evt.Content = Clean(evt.ContentRaw)
	}
	select {
	case l.queue <- evt:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "thread_id", evt.ThreadID, "event_type", evt.EventType)
	}
}

func (l *fileLogger) run() {
	defer close(l.done)
	for evt := range l.queue {
		if err := l.write(evt); err != nil {
			l.logger.Warn("Failed to write transcript event", "thread_id", evt.ThreadID, "error", err)
		}
	}
}

func (l *fileLogger) write(evt Event) error {
	dir := filepath.Join(l.dir, safeName(evt.ClientID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(evt.ThreadID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close drains the queue and stops the writer.
func (l *fileLogger) Close() error {
	l.closeOnce.Do(func() { close(l.queue) })
	<-l.done
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

var (
	citationMarker = regexp.MustCompile(`【[^】]*】`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
)

// Clean strips citation markers and extra blank lines.
func Clean(s string) string {
	s = citationMarker.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

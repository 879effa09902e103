package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/resume-rooster/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Fetcher loads a run with its steps.
type Fetcher interface {
	RunDetails(ctx context.Context, threadID, runID string) (Run, error)
}

// Repository records which run events were already logged.
type Repository interface {
	MarkRunEvent(ctx context.Context, evt domain.RunEvent) (bool, error)
	ForgetThread(ctx context.Context, threadID string) (int64, error)
	PruneRunEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// Logger writes run diagnostics once per (thread, run, event).
type Logger struct {
	fetcher Fetcher
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Logger. Pending asynchronous records are abandoned on Close.
func New(fetcher Fetcher, repo Repository, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Logger{
		fetcher: fetcher,
		repo:    repo,
		logger:  logger.With("component", "runlog"),
		timeout: defaultTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Record logs the event in the background.
func (l *Logger) Record(threadID, runID, event string) {
	l.RecordAfter(threadID, runID, event, 0)
}

// RecordAfter logs the event in the background once delay has passed.
func (l *Logger) RecordAfter(threadID, runID, event string, delay time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-l.ctx.Done():
				return
			}
		}
		ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
		defer cancel()
		if err := l.Log(ctx, threadID, runID, event); err != nil {
			l.logger.Error("Failed to log run details",
				"thread_id", threadID,
				"run_id", runID,
				"event", event,
				"error", err)
		}
	}()
}

// Log fetches the run and writes its details unless this event was already
// logged for the run.
func (l *Logger) Log(ctx context.Context, threadID, runID, event string) error {
	run, err := l.fetcher.RunDetails(ctx, threadID, runID)
	if err != nil {
		return fmt.Errorf("fetch run: %w", err)
	}

	fresh, err := l.repo.MarkRunEvent(ctx, domain.RunEvent{
		ThreadID: threadID,
		RunID:    runID,
		Event:    event,
		Status:   run.Status,
		LoggedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("mark run event: %w", err)
	}
	if !fresh {
		l.logger.Debug("Run event already logged", "thread_id", threadID, "run_id", runID, "event", event)
		return nil
	}

	l.write(threadID, event, run)
	return nil
}

func (l *Logger) write(threadID, event string, run Run) {
	log := l.logger.With("thread_id", threadID, "run_id", run.ID, "event", event)
	log.Info("Run details",
		"status", run.Status,
		"model", run.Model,
		"created_at", run.CreatedAt,
		"duration", run.Duration(),
		"steps", len(run.Steps),
		"step_types", run.StepTypes(),
	)

	prevEnd := run.CreatedAt
	total := run.Duration()
	for i, step := range run.Steps {
		attrs := []any{
			"step", i + 1,
			"type", step.Type,
			"status", step.Status,
			"gap", step.CreatedAt.Sub(prevEnd),
		}
		if !step.CompletedAt.IsZero() {
			attrs = append(attrs, "duration", step.CompletedAt.Sub(step.CreatedAt))
			prevEnd = step.CompletedAt
		} else {
			prevEnd = step.CreatedAt
		}
		if total > 0 {
			attrs = append(attrs, "timeline", timeline(run, step))
		}
		log.Info("Run step", attrs...)
	}

	retrievals := 0
	for i, step := range run.Steps {
		for _, r := range step.Retrievals {
			retrievals++
			log.Info("File search retrieval",
				"step", i+1,
				"file_id", r.FileID,
				"file_name", r.FileName,
				"score", r.Score)
		}
	}
	if retrievals == 0 {
		log.Debug("No file search retrievals in run")
	}
}

// timeline renders the step's span within the run as "[12.5% ----]".
func timeline(run Run, step Step) string {
	total := run.Duration().Seconds()
	start := step.CreatedAt.Sub(run.CreatedAt).Seconds() / total * 100
	end := start
	if !step.CompletedAt.IsZero() {
		end = step.CompletedAt.Sub(run.CreatedAt).Seconds() / total * 100
	}
	width := max(int(end-start), 0)
	return fmt.Sprintf("[%.1f%% %s]", start, strings.Repeat("-", width))
}

// Forget drops the dedupe records of a deleted thread.
func (l *Logger) Forget(ctx context.Context, threadID string) error {
	n, err := l.repo.ForgetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("forget thread run events: %w", err)
	}
	if n > 0 {
		l.logger.Info("Forgot run events", "thread_id", threadID, "count", n)
	}
	return nil
}

// Prune drops dedupe records older than retention.
func (l *Logger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := l.repo.PruneRunEvents(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("prune run events: %w", err)
	}
	return n, nil
}

// Close stops pending records and waits for in-flight ones.
func (l *Logger) Close() {
	l.cancel()
	l.wg.Wait()
}

// Package runlog logs diagnostics for assistant runs: status, timing, step
// timeline and file-search retrievals.
package runlog

import (
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

// Run lifecycle points at which details are logged.
const (
	EventBeforeToolOutputs      = "before_tool_outputs"
	EventAfterToolOutputs       = "after_tool_outputs"
	EventRunCompleted           = "run_completed"
	EventRunCompletedAfterTools = "run_completed_after_tools"
)

// Run is a snapshot of a hosted run and its steps.
type Run struct {
	ID          string
	Status      string
	Model       string
	CreatedAt   time.Time
	CompletedAt time.Time
	Steps       []Step
}

// Step is one step of a run.
type Step struct {
	ID          string
	Type        string
	Status      string
	CreatedAt   time.Time
	CompletedAt time.Time
	Retrievals  []Retrieval
}

// Retrieval is one file-search hit.
type Retrieval struct {
	FileID   string
	FileName string
	Score    float64
}

// Duration is zero until the run completes.
func (r Run) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.CreatedAt)
}

// StepTypes counts steps per type.
func (r Run) StepTypes() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.Steps {
		counts[s.Type]++
	}
	return counts
}

// ParseRun builds a Run from the raw run object and its raw step objects.
// Steps are ordered oldest first.
func ParseRun(runJSON string, stepsJSON []string) Run {
	r := gjson.Parse(runJSON)
	run := Run{
		ID:          r.Get("id").String(),
		Status:      r.Get("status").String(),
		Model:       r.Get("model").String(),
		CreatedAt:   unix(r.Get("created_at")),
		CompletedAt: unix(r.Get("completed_at")),
	}

	for _, raw := range stepsJSON {
		s := gjson.Parse(raw)
		step := Step{
			ID:          s.Get("id").String(),
			Type:        s.Get("type").String(),
			Status:      s.Get("status").String(),
			CreatedAt:   unix(s.Get("created_at")),
			CompletedAt: unix(s.Get("completed_at")),
		}
		for _, call := range s.Get("step_details.tool_calls").Array() {
			if call.Get("type").String() != "file_search" {
				continue
			}
			for _, res := range call.Get("file_search.results").Array() {
				step.Retrievals = append(step.Retrievals, Retrieval{
					FileID:   res.Get("file_id").String(),
					FileName: res.Get("file_name").String(),
					Score:    res.Get("score").Float(),
				})
			}
		}
		run.Steps = append(run.Steps, step)
	}

	sort.SliceStable(run.Steps, func(i, j int) bool {
		return run.Steps[i].CreatedAt.Before(run.Steps[j].CreatedAt)
	})
	return run
}

func unix(v gjson.Result) time.Time {
	if v.Int() <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Int(), 0)
}

package orchestrator

import (
	"maps"
	"sync"
	"time"

	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
)

// State is the run-level state.
type State string

// Run states.
const (
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
)

// RunStats summarizes a run. Values returned by Snapshot are copies and
// safe to keep.
type RunStats struct {
	RunID          string                   `json:"run_id"`
	Total          int                      `json:"total"`
	Succeeded      int                      `json:"succeeded"`
	FailedTerminal int                      `json:"failed_terminal"`
	Interrupted    int                      `json:"interrupted"`
	Skipped        int                      `json:"skipped"`
	BySource       map[casefetch.Source]int `json:"by_source"`
	StartedAt      time.Time                `json:"started_at"`
	FinishedAt     time.Time                `json:"finished_at,omitzero"`
	State          State                    `json:"state"`

	// Derived at snapshot time.
	Completed int           `json:"completed"`
	Percent   float64       `json:"percent"`
	Rate      float64       `json:"rate_per_second"`
	ETA       time.Duration `json:"eta"`
}

// SuccessRate is succeeded / (succeeded + failed), or 0 before any outcome.
func (s RunStats) SuccessRate() float64 {
	done := s.Succeeded + s.FailedTerminal
	if done == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(done)
}

// Remaining is the number of cases this run has yet to settle.
func (s RunStats) Remaining() int {
	return max(s.Total-s.Skipped-s.Completed-s.Interrupted, 0)
}

// statsBook is written only by the run's consumer goroutine; the mutex
// lets status readers take snapshots meanwhile.
type statsBook struct {
	mu sync.Mutex
	s  RunStats
}

func (b *statsBook) update(fn func(*RunStats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.s)
}

func (b *statsBook) record(rec casefetch.CaseRecord) {
	b.update(func(s *RunStats) {
		if rec.Success {
			s.Succeeded++
			s.BySource[rec.Source]++
			return
		}
		s.FailedTerminal++
	})
}

func (b *statsBook) snapshot(now time.Time) RunStats {
	b.mu.Lock()
	out := b.s
	out.BySource = maps.Clone(b.s.BySource)
	b.mu.Unlock()

	if out.BySource == nil {
		out.BySource = map[casefetch.Source]int{}
	}
	out.Completed = out.Succeeded + out.FailedTerminal
	if out.Total > 0 {
		out.Percent = float64(out.Completed+out.Skipped) / float64(out.Total) * 100
	}
	end := now
	if !out.FinishedAt.IsZero() {
		end = out.FinishedAt
	}
	if elapsed := end.Sub(out.StartedAt); elapsed > 0 && out.Completed > 0 {
		out.Rate = float64(out.Completed) / elapsed.Seconds()
		if out.FinishedAt.IsZero() {
			out.ETA = time.Duration(float64(out.Remaining()) / out.Rate * float64(time.Second))
		}
	}
	return out
}

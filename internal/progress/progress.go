// Package progress stores the percent-complete of import jobs for polling.
//
// A Store keeps one record per job. Writes are last-write-wins except for
// Percent, which never moves backwards: a store keeps the larger of the old
// and new value so pollers observe a non-decreasing sequence.
package progress

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for job ids that were never issued or have expired.
var ErrNotFound = errors.New("upload not found")

// State is the lifecycle stage of an import job.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Terminal reports whether no further updates are expected.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// RowFailure describes a skipped data row. Line is the source line the row
// started on.
type RowFailure struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// Progress is the pollable status of one import job. Failures holds the
// first skipped rows; Skipped counts all of them.
type Progress struct {
	JobID     string       `json:"task_id"`
	State     State        `json:"state"`
	Percent   int          `json:"progress"`
	Processed int64        `json:"processed"`
	Total     int64        `json:"total"`
	Skipped   int64        `json:"skipped"`
	Failures  []RowFailure `json:"failures,omitempty"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store is implemented by MemoryStore and PostgresStore.
type Store interface {
	Set(ctx context.Context, p Progress) error
	Get(ctx context.Context, jobID string) (Progress, error)

	// Sweep deletes terminal entries last updated before cutoff and
	// returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Watcher is implemented by stores that can push updates for one job.
// The channel is closed once the job reaches a terminal state or cancel
// is called.
type Watcher interface {
	Subscribe(jobID string) (updates <-chan Progress, cancel func())
}

// Percent converts processed/total into a whole percentage in [0,100].
// A job with nothing to process is complete.
func Percent(processed, total int64) int {
	if total <= 0 {
		return 100
	}
	if processed >= total {
		return 100
	}
	if processed <= 0 {
		return 0
	}
	return int(processed * 100 / total)
}

// merge applies next on top of prev.
func merge(prev, next Progress) Progress {
	next.Percent = clamp(next.Percent)
	if prev.Percent > next.Percent {
		next.Percent = prev.Percent
	}
	return next
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

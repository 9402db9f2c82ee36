package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor expires finished jobs on a cron schedule.
type Janitor struct {
	store  Store
	ttl    time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor schedules Sweep on store. schedule is a standard cron spec or a
// descriptor such as "@every 5m".
func NewJanitor(store Store, ttl time.Duration, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		store:  store,
		ttl:    ttl,
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("progress janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start runs the schedule in its own goroutine.
func (j *Janitor) Start() {
	j.logger.Info("progress janitor started", "ttl", j.ttl.String())
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to return.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("progress janitor stopped")
}

// RunOnce performs a single sweep and returns the number of expired jobs.
func (j *Janitor) RunOnce(ctx context.Context) int {
	start := j.now()
	removed, err := j.store.Sweep(ctx, start.Add(-j.ttl))
	if err != nil {
		j.logger.Error("progress sweep failed", "error", err)
		return 0
	}
	if removed > 0 {
		j.logger.Info("expired finished imports",
			"removed", removed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return removed
}

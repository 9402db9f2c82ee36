package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler processes one job. A non-nil error nacks the message.
type Handler func(ctx context.Context, job Job) error

// dequeueBackoff is the pause after a transport error before polling again.
const dequeueBackoff = time.Second

// Pool runs a fixed number of workers against one Queue and routes each job
// to the handler registered for its Kind.
type Pool struct {
	name     string
	queue    Queue
	workers  int
	logger   *slog.Logger
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// NewPool creates a pool of workers consuming q.
func NewPool(name string, q Queue, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:     name,
		queue:    q,
		workers:  workers,
		logger:   logger.With("pool", name),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for jobs of kind. Call before Run.
func (p *Pool) Handle(kind string, h Handler) {
	p.handlers[kind] = h
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed and drained. In-flight jobs finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, worker int) {
	defer p.wg.Done()
	log := p.logger.With("worker", worker)

	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		p.process(ctx, log, msg)
	}
}

// process runs one message. Acks use a context detached from shutdown so a
// finished job is still acknowledged while the pool drains.
func (p *Pool) process(ctx context.Context, log *slog.Logger, msg *Message) {
	job := msg.Job
	log = log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	settle := context.WithoutCancel(ctx)

	h, ok := p.handlers[job.Kind]
	if !ok {
		log.Error("no handler for job kind")
		if err := msg.Ack(settle); err != nil {
			log.Error("ack failed", "error", err)
		}
		return
	}

	start := time.Now()
	stopHeartbeat := heartbeat(settle, msg, log)
	err := safeRun(ctx, h, job)
	stopHeartbeat()
	if err != nil {
		log.Error("job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		if err := msg.Nack(settle); err != nil {
			log.Error("nack failed", "error", err)
		}
		return
	}

	log.Debug("job completed", "duration_ms", time.Since(start).Milliseconds())
	if err := msg.Ack(settle); err != nil {
		log.Error("ack failed", "error", err)
	}
}

// heartbeat renews msg's lease every half period until the returned stop
// function is called. Messages without a lease get a no-op.
func heartbeat(ctx context.Context, msg *Message, log *slog.Logger) (stop func()) {
	if msg.Lease <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(msg.Lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.Extend(ctx); err != nil {
					log.Warn("lease extension failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func safeRun(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

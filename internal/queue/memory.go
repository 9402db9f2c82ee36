package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a bounded in-process queue. Jobs still buffered when the
// process exits are lost.
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan Job
	closed bool
}

// NewMemoryQueue returns a queue holding at most capacity pending jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{ch: make(chan Job, capacity)}
}

// Enqueue never blocks: a full buffer fails fast with ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits for the next job. Nack drops the job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		job.Attempt++
		return &Message{Job: job}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops new enqueues. Buffered jobs can still be dequeued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

// Len reports the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

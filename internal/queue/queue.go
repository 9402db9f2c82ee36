// Package queue distributes background jobs to workers.
//
// Producers call Enqueue; each job is handed to exactly one Dequeue caller.
// After handling, the consumer acknowledges the message (Ack) or gives it
// back (Nack). What Nack means depends on the transport: the in-memory queue
// drops the job, SQS makes it visible again for redelivery.
//
// Job.Attempt is stamped by the transport on every receive: 1 on first
// delivery, higher on redelivery. Handlers log it and may use it to detect a
// repeat of work that already finished.
//
// Transports with a lease (SQS visibility) expose it on the Message; the Pool
// keeps the lease alive while a handler runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
	// closed queue has been drained.
	ErrClosed = errors.New("queue closed")

	// ErrQueueFull is returned when an in-memory queue has no free capacity.
	ErrQueueFull = errors.New("queue full")
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob encodes payload as JSON and stamps a fresh id.
func NewJob(kind string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s job: %w", kind, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Kind, j.ID, err)
	}
	return nil
}

// Message is a dequeued job awaiting acknowledgement.
type Message struct {
	Job Job

	// Lease is how long the transport hides the message after receive or
	// Extend. Zero means the transport has no lease.
	Lease time.Duration

	ack    func(context.Context) error
	nack   func(context.Context) error
	extend func(context.Context) error
}

// Ack marks the job handled.
func (m *Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Nack returns the job to the transport.
func (m *Message) Nack(ctx context.Context) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(ctx)
}

// Extend renews the lease for another Lease period.
func (m *Message) Extend(ctx context.Context) error {
	if m.extend == nil {
		return nil
	}
	return m.extend(ctx)
}

// Queue is a work-distribution channel between producers and workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available, ctx ends, or the queue is
	// closed and empty.
	Dequeue(ctx context.Context) (*Message, error)

	Close() error
}

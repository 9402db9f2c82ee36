package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/logging"
)

// recordingQueue wraps MemoryQueue and counts acks, nacks and lease
// extensions. A non-zero lease makes its messages leased.
type recordingQueue struct {
	*MemoryQueue
	lease                time.Duration
	acks, nacks, extends atomic.Int32
}

func (q *recordingQueue) Dequeue(ctx context.Context) (*Message, error) {
	msg, err := q.MemoryQueue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	msg.ack = func(context.Context) error { q.acks.Add(1); return nil }
	msg.nack = func(context.Context) error { q.nacks.Add(1); return nil }
	if q.lease > 0 {
		msg.Lease = q.lease
		msg.extend = func(context.Context) error { q.extends.Add(1); return nil }
	}
	return msg, nil
}

func runPool(t *testing.T, p *Pool) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = p.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after queue close")
	}
}

func TestPool_RoutesByKind(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{MemoryQueue: NewMemoryQueue(10)}

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(kind string) Handler {
		return func(_ context.Context, job Job) error {
			mu.Lock()
			defer mu.Unlock()
			got[kind] = append(got[kind], job.ID)
			return nil
		}
	}

	p := NewPool("test", q, 3, logging.Discard())
	p.Handle("import", record("import"))
	p.Handle("delivery", record("delivery"))

	require.NoError(t, q.Enqueue(ctx, Job{ID: "i1", Kind: "import"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "d1", Kind: "delivery"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "d2", Kind: "delivery"}))
	require.NoError(t, q.Close())

	runPool(t, p)

	assert.ElementsMatch(t, []string{"i1"}, got["import"])
	assert.ElementsMatch(t, []string{"d1", "d2"}, got["delivery"])
	assert.EqualValues(t, 3, q.acks.Load())
	assert.EqualValues(t, 0, q.nacks.Load())
}

func TestPool_ErrorAndPanicNack(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{MemoryQueue: NewMemoryQueue(10)}

	p := NewPool("test", q, 1, logging.Discard())
	p.Handle("fail", func(context.Context, Job) error { return errors.New("boom") })
	p.Handle("panic", func(context.Context, Job) error { panic("kaboom") })
	p.Handle("ok", func(context.Context, Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, Job{ID: "1", Kind: "fail"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "2", Kind: "panic"}))
	require.NoError(t, q.Enqueue(ctx, Job{ID: "3", Kind: "ok"}))
	require.NoError(t, q.Close())

	runPool(t, p)

	assert.EqualValues(t, 2, q.nacks.Load())
	assert.EqualValues(t, 1, q.acks.Load(), "a panic must not stop the worker")
}

func TestPool_UnknownKindIsAcked(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}
	p := NewPool("test", q, 1, logging.Discard())

	require.NoError(t, q.Enqueue(ctx, Job{ID: "x", Kind: "mystery"}))
	require.NoError(t, q.Close())

	runPool(t, p)
	assert.EqualValues(t, 1, q.acks.Load())
}

func TestPool_StopsOnContextCancel(t *testing.T) {
	q := NewMemoryQueue(1)
	p := NewPool("test", q, 4, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPool_HeartbeatExtendsLeaseWhileRunning(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{MemoryQueue: NewMemoryQueue(2), lease: 20 * time.Millisecond}

	p := NewPool("test", q, 1, logging.Discard())
	p.Handle("slow", func(context.Context, Job) error {
		time.Sleep(120 * time.Millisecond)
		return nil
	})
	p.Handle("fast", func(context.Context, Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, Job{ID: "s", Kind: "slow"}))
	require.NoError(t, q.Close())
	runPool(t, p)

	extended := q.extends.Load()
	assert.GreaterOrEqual(t, extended, int32(3), "lease renewed every half period")
	assert.EqualValues(t, 1, q.acks.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, extended, q.extends.Load(), "heartbeat stops with the handler")
}

func TestPool_NoHeartbeatWithoutLease(t *testing.T) {
	ctx := context.Background()
	q := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}

	p := NewPool("test", q, 1, logging.Discard())
	p.Handle("slow", func(context.Context, Job) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, Job{ID: "s", Kind: "slow"}))
	require.NoError(t, q.Close())
	runPool(t, p)

	assert.Zero(t, q.extends.Load())
}

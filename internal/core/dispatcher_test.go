package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/queue"
)

type capturedRequest struct {
	contentType string
	body        map[string]any
}

// subscriber is an httptest server answering with status and counting hits.
func subscriber(t *testing.T, status int) (*httptest.Server, *atomic.Int32, chan capturedRequest) {
	t.Helper()
	var hits atomic.Int32
	reqs := make(chan capturedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		reqs <- capturedRequest{contentType: r.Header.Get("Content-Type"), body: body}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "ack")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, reqs
}

func newTestDispatcher(store *memStore, opts DispatcherOptions) *Dispatcher {
	opts.Logger = logging.Discard()
	return NewDispatcher(store, opts)
}

func TestDispatcher_DeliverPostsPayloadAndRecords(t *testing.T) {
	srv, hits, reqs := subscriber(t, http.StatusOK)
	store := newMemStore()
	sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: true})

	metrics := &Metrics{}
	d := newTestDispatcher(store, DispatcherOptions{Observer: metrics})
	err := d.Deliver(context.Background(), DeliveryJob{
		SubscriptionID: sub.ID,
		URL:            srv.URL,
		Event:          EventProductCreated,
		Payload:        EventPayload{Event: EventProductCreated, Product: 7},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	got := <-reqs
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, "product.created", got.body["event"])
	assert.EqualValues(t, 7, got.body["product"])

	stored, _ := store.GetSubscription(context.Background(), sub.ID)
	require.NotNil(t, stored.LastStatus)
	assert.Equal(t, http.StatusOK, *stored.LastStatus)
	require.NotNil(t, stored.LastResponse)
	assert.Equal(t, "ack", *stored.LastResponse)
	assert.NotNil(t, stored.LastCalledAt)
	assert.EqualValues(t, 1, metrics.Snapshot().DeliveriesOK)
}

func TestDispatcher_SkipsDisabledAndDeleted(t *testing.T) {
	srv, hits, _ := subscriber(t, http.StatusOK)
	store := newMemStore()
	disabled, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductUpdated, Enabled: false})
	d := newTestDispatcher(store, DispatcherOptions{})

	for _, id := range []int64{disabled.ID, 999} {
		err := d.Deliver(context.Background(), DeliveryJob{SubscriptionID: id, URL: srv.URL, Event: EventProductUpdated})
		assert.NoError(t, err)
	}
	assert.Zero(t, hits.Load())
}

func TestDispatcher_UsesCurrentURL(t *testing.T) {
	srv, hits, _ := subscriber(t, http.StatusNoContent)
	store := newMemStore()
	sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductDeleted, Enabled: true})
	d := newTestDispatcher(store, DispatcherOptions{})

	err := d.Deliver(context.Background(), DeliveryJob{
		SubscriptionID: sub.ID,
		URL:            "http://127.0.0.1:1/stale",
		Event:          EventProductDeleted,
		Payload:        EventPayload{Event: EventProductDeleted, Product: 1},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDispatcher_RetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{"server error retried", http.StatusInternalServerError, 3},
		{"too many requests retried", http.StatusTooManyRequests, 3},
		{"client error not retried", http.StatusNotFound, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits, _ := subscriber(t, tt.status)
			store := newMemStore()
			sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: true})
			metrics := &Metrics{}
			d := newTestDispatcher(store, DispatcherOptions{Retry: fastPolicy(3), Observer: metrics})

			err := d.Deliver(context.Background(), DeliveryJob{SubscriptionID: sub.ID, Event: EventProductCreated})
			require.NoError(t, err)
			assert.Equal(t, tt.wantHits, hits.Load())

			stored, _ := store.GetSubscription(context.Background(), sub.ID)
			require.NotNil(t, stored.LastStatus)
			assert.Equal(t, tt.status, *stored.LastStatus)
			assert.EqualValues(t, 1, metrics.Snapshot().DeliveriesFailed)
		})
	}
}

func TestDispatcher_TimeoutIsRecordedWithoutStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	store := newMemStore()
	sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: true})
	d := newTestDispatcher(store, DispatcherOptions{Timeout: 20 * time.Millisecond})

	require.NoError(t, d.Deliver(context.Background(), DeliveryJob{SubscriptionID: sub.ID, Event: EventProductCreated}))

	stored, _ := store.GetSubscription(context.Background(), sub.ID)
	assert.Nil(t, stored.LastStatus)
	require.NotNil(t, stored.LastResponse)
	assert.Contains(t, *stored.LastResponse, "timeout")
}

func TestDispatcher_Handle(t *testing.T) {
	srv, hits, _ := subscriber(t, http.StatusOK)
	store := newMemStore()
	sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: true})
	d := newTestDispatcher(store, DispatcherOptions{})

	job, err := queue.NewJob(JobKindDelivery, DeliveryJob{SubscriptionID: sub.ID, Event: EventProductCreated})
	require.NoError(t, err)
	require.NoError(t, d.Handle(context.Background(), job))
	assert.EqualValues(t, 1, hits.Load())

	assert.NoError(t, d.Handle(context.Background(), queue.Job{ID: "bad", Kind: JobKindDelivery, Payload: []byte("{")}))
}

func TestDispatcher_TestDelivery(t *testing.T) {
	t.Run("any status is a result", func(t *testing.T) {
		srv, _, reqs := subscriber(t, http.StatusTeapot)
		store := newMemStore()
		sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: false})
		d := newTestDispatcher(store, DispatcherOptions{})

		res, err := d.TestDelivery(context.Background(), sub.ID)
		require.NoError(t, err)
		assert.Equal(t, http.StatusTeapot, res.StatusCode)
		assert.GreaterOrEqual(t, res.ResponseTimeMS, 0.0)

		got := <-reqs
		assert.Equal(t, "test", got.body["event"])
		assert.Equal(t, "This is a test webhook.", got.body["message"])

		stored, _ := store.GetSubscription(context.Background(), sub.ID)
		assert.Nil(t, stored.LastCalledAt, "test deliveries are not recorded")
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		store := newMemStore()
		sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: url, Event: EventProductCreated, Enabled: true})
		d := newTestDispatcher(store, DispatcherOptions{})

		_, err := d.TestDelivery(context.Background(), sub.ID)
		var de *DeliveryError
		require.True(t, errors.As(err, &de), "error = %v", err)
		assert.Equal(t, DeliveryTransport, de.Kind)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		d := newTestDispatcher(newMemStore(), DispatcherOptions{})
		_, err := d.TestDelivery(context.Background(), 42)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDispatcher_BoundsStalledLookup(t *testing.T) {
	srv, hits, _ := subscriber(t, http.StatusOK)
	store := newMemStore()
	sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: true})
	store.stallLookups.Store(true)
	d := newTestDispatcher(store, DispatcherOptions{LookupTimeout: 30 * time.Millisecond})

	start := time.Now()
	err := d.Deliver(context.Background(), DeliveryJob{SubscriptionID: sub.ID, Event: EventProductCreated})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, hits.Load())
}

func TestDispatcher_BoundsStalledRecord(t *testing.T) {
	srv, hits, _ := subscriber(t, http.StatusOK)
	store := newMemStore()
	sub, _ := store.CreateSubscription(context.Background(), SubscriptionInput{URL: srv.URL, Event: EventProductCreated, Enabled: true})
	store.stallRecords.Store(true)
	d := newTestDispatcher(store, DispatcherOptions{LookupTimeout: 30 * time.Millisecond})

	start := time.Now()
	require.NoError(t, d.Deliver(context.Background(), DeliveryJob{SubscriptionID: sub.ID, Event: EventProductCreated}))
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, hits.Load())
	assert.Empty(t, store.deliveries(sub.ID))
}

func TestDeliveryPipeline_FailingSubscriberDoesNotBlockHealthyOne(t *testing.T) {
	ctx := context.Background()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(slow.Close)
	healthy, healthyHits, reqs := subscriber(t, http.StatusOK)

	store := newMemStore()
	bad, _ := store.CreateSubscription(ctx, SubscriptionInput{URL: slow.URL, Event: EventProductCreated, Enabled: true})
	good, _ := store.CreateSubscription(ctx, SubscriptionInput{URL: healthy.URL, Event: EventProductCreated, Enabled: true})

	log := logging.Discard()
	deliveries := queue.NewMemoryQueue(16)
	products := NewProductService(store, NewPublisher(store, deliveries, log, nil))
	d := newTestDispatcher(store, DispatcherOptions{Retry: fastPolicy(3)})

	p, err := products.Create(ctx, ProductInput{SKU: "W-1", Name: "Widget", Active: true})
	require.NoError(t, err, "mutation succeeds regardless of subscriber health")
	assert.Equal(t, 2, deliveries.Len())

	pool := queue.NewPool("deliveries", deliveries, 2, log)
	pool.Handle(JobKindDelivery, d.Handle)
	require.NoError(t, deliveries.Close())

	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery pool did not drain")
	}

	assert.EqualValues(t, 1, healthyHits.Load())
	req := <-reqs
	assert.Equal(t, "product.created", req.body["event"])
	assert.EqualValues(t, p.ID, req.body["product"])

	goodRecs := store.deliveries(good.ID)
	require.Len(t, goodRecs, 1)
	require.NotNil(t, goodRecs[0].Status)
	assert.Equal(t, http.StatusOK, *goodRecs[0].Status)

	badRecs := store.deliveries(bad.ID)
	require.Len(t, badRecs, 3)
	for _, rec := range badRecs {
		require.NotNil(t, rec.Status)
		assert.Equal(t, http.StatusInternalServerError, *rec.Status)
	}
}

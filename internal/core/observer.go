package core

import (
	"sync/atomic"
	"time"
)

// Observer receives pipeline outcomes. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ImportFinished(res ImportResult, err error)
	DeliveryEnqueued(kind EventKind)
	PublishFailed(kind EventKind, productID int64, err error)
	DeliveryFinished(kind EventKind, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ImportFinished(ImportResult, error)               {}
func (nopObserver) DeliveryEnqueued(EventKind)                       {}
func (nopObserver) PublishFailed(EventKind, int64, error)            {}
func (nopObserver) DeliveryFinished(EventKind, time.Duration, error) {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

// Metrics is an Observer that keeps process-lifetime counters.
type Metrics struct {
	importsDone      atomic.Int64
	importsFailed    atomic.Int64
	rowsImported     atomic.Int64
	rowsSkipped      atomic.Int64
	enqueued         atomic.Int64
	publishFailures  atomic.Int64
	deliveriesOK     atomic.Int64
	deliveriesFailed atomic.Int64
	deliveryNanos    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ImportsSucceeded   int64 `json:"imports_succeeded"`
	ImportsFailed      int64 `json:"imports_failed"`
	RowsImported       int64 `json:"rows_imported"`
	RowsSkipped        int64 `json:"rows_skipped"`
	DeliveriesEnqueued int64 `json:"deliveries_enqueued"`
	PublishFailures    int64 `json:"publish_failures"`
	DeliveriesOK       int64 `json:"deliveries_succeeded"`
	DeliveriesFailed   int64 `json:"deliveries_failed"`
	AvgDeliveryMS      int64 `json:"avg_delivery_ms"`
}

func (m *Metrics) ImportFinished(res ImportResult, err error) {
	if err != nil {
		m.importsFailed.Add(1)
	} else {
		m.importsDone.Add(1)
	}
	m.rowsImported.Add(int64(res.Inserted + res.Updated))
	m.rowsSkipped.Add(res.Skipped)
}

func (m *Metrics) DeliveryEnqueued(EventKind) { m.enqueued.Add(1) }

func (m *Metrics) PublishFailed(EventKind, int64, error) { m.publishFailures.Add(1) }

func (m *Metrics) DeliveryFinished(_ EventKind, elapsed time.Duration, err error) {
	if err != nil {
		m.deliveriesFailed.Add(1)
	} else {
		m.deliveriesOK.Add(1)
	}
	m.deliveryNanos.Add(int64(elapsed))
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		ImportsSucceeded:   m.importsDone.Load(),
		ImportsFailed:      m.importsFailed.Load(),
		RowsImported:       m.rowsImported.Load(),
		RowsSkipped:        m.rowsSkipped.Load(),
		DeliveriesEnqueued: m.enqueued.Load(),
		PublishFailures:    m.publishFailures.Load(),
		DeliveriesOK:       m.deliveriesOK.Load(),
		DeliveriesFailed:   m.deliveriesFailed.Load(),
	}
	if n := s.DeliveriesOK + s.DeliveriesFailed; n > 0 {
		s.AvgDeliveryMS = time.Duration(m.deliveryNanos.Load() / n).Milliseconds()
	}
	return s
}

package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/catalog/internal/queue"
)

// SubscriptionLister is the part of a SubscriptionStore the publisher needs.
type SubscriptionLister interface {
	ListEnabledSubscriptions(ctx context.Context, kind EventKind) ([]Subscription, error)
}

// Publisher turns a committed catalog mutation into delivery jobs, one per
// enabled subscription for the event kind. It never fails the caller:
// lookup and enqueue problems are logged and reported to the Observer.
type Publisher struct {
	subs          SubscriptionLister
	queue         queue.Queue
	logger        *slog.Logger
	observer      Observer
	lookupTimeout time.Duration
}

func NewPublisher(subs SubscriptionLister, q queue.Queue, logger *slog.Logger, obs Observer) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		subs:          subs,
		queue:         q,
		logger:        logger,
		observer:      observerOrNop(obs),
		lookupTimeout: DefaultLookupTimeout,
	}
}

// SetLookupTimeout bounds the subscription lookup and each enqueue.
// Non-positive values keep the current timeout.
func (p *Publisher) SetLookupTimeout(d time.Duration) {
	if d > 0 {
		p.lookupTimeout = d
	}
}

// Publish enqueues deliveries for one product.
func (p *Publisher) Publish(ctx context.Context, kind EventKind, productID int64) {
	p.PublishMany(ctx, kind, []int64{productID})
}

// PublishMany enqueues deliveries for every id with a single subscription
// lookup.
func (p *Publisher) PublishMany(ctx context.Context, kind EventKind, productIDs []int64) {
	if len(productIDs) == 0 {
		return
	}
	// The mutation has committed; a client disconnect must not drop its events.
	ctx = context.WithoutCancel(ctx)

	lctx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	subs, err := p.subs.ListEnabledSubscriptions(lctx, kind)
	cancel()
	if err != nil {
		p.logger.Error("subscription lookup failed, events not published",
			"event", kind, "products", len(productIDs), "error", err)
		for _, id := range productIDs {
			p.observer.PublishFailed(kind, id, err)
		}
		return
	}

	for _, id := range productIDs {
		for _, sub := range subs {
			p.enqueue(ctx, kind, id, sub)
		}
	}
}

func (p *Publisher) enqueue(ctx context.Context, kind EventKind, productID int64, sub Subscription) {
	job, err := queue.NewJob(JobKindDelivery, DeliveryJob{
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		Event:          kind,
		Payload:        EventPayload{Event: kind, Product: productID},
	})
	if err == nil {
		ectx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
		err = p.queue.Enqueue(ectx, job)
		cancel()
	}
	if err != nil {
		p.logger.Error("enqueue delivery failed",
			"event", kind, "product_id", productID, "subscription_id", sub.ID, "error", err)
		p.observer.PublishFailed(kind, productID, err)
		return
	}
	p.observer.DeliveryEnqueued(kind)
}

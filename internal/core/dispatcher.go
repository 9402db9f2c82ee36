package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/JonMunkholm/catalog/internal/queue"
)

const (
	DefaultWebhookTimeout = 10 * time.Second
	DefaultTestTimeout    = 5 * time.Second
	DefaultLookupTimeout  = 5 * time.Second

	// maxResponseBytes caps how much of a subscriber's reply is read.
	maxResponseBytes = 4 * maxReasonLength

	testMessage = "This is a test webhook."
	userAgent   = "catalog-webhooks/1.0"
)

// TestResult is the outcome of a manual test delivery.
type TestResult struct {
	StatusCode     int     `json:"status_code"`
	ResponseTimeMS float64 `json:"response_time_ms"`
}

// DispatcherOptions tunes a Dispatcher. Zero values take the defaults.
type DispatcherOptions struct {
	Timeout     time.Duration
	TestTimeout time.Duration

	// LookupTimeout bounds each subscription read and outcome write.
	LookupTimeout time.Duration

	Retry    RetryPolicy
	Client   *http.Client
	Logger   *slog.Logger
	Observer Observer
}

// Dispatcher POSTs delivery jobs to subscriber endpoints and records the
// outcome on the subscription.
type Dispatcher struct {
	subs          SubscriptionStore
	client        *http.Client
	timeout       time.Duration
	testTimeout   time.Duration
	lookupTimeout time.Duration
	retry         RetryPolicy
	logger        *slog.Logger
	observer      Observer
	now           func() time.Time
}

func NewDispatcher(subs SubscriptionStore, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWebhookTimeout
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		subs:          subs,
		client:        opts.Client,
		timeout:       opts.Timeout,
		testTimeout:   opts.TestTimeout,
		lookupTimeout: opts.LookupTimeout,
		retry:         opts.Retry,
		logger:        opts.Logger,
		observer:      observerOrNop(opts.Observer),
		now:           time.Now,
	}
}

// Handle is the queue handler for JobKindDelivery.
func (d *Dispatcher) Handle(ctx context.Context, job queue.Job) error {
	var dj DeliveryJob
	if err := job.Decode(&dj); err != nil {
		d.logger.Error("discarding malformed delivery job", "queue_job_id", job.ID, "error", err)
		return nil
	}
	if job.Attempt > 1 {
		d.logger.Info("delivery redelivered", "queue_job_id", job.ID, "attempt", job.Attempt,
			"subscription_id", dj.SubscriptionID)
	}
	return d.Deliver(ctx, dj)
}

// loadSubscription reads a subscription under the lookup timeout.
func (d *Dispatcher) loadSubscription(ctx context.Context, id int64) (Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, d.lookupTimeout)
	defer cancel()
	return d.subs.GetSubscription(ctx, id)
}

// Deliver sends one notification. The subscription is reloaded first so a
// deleted or disabled subscriber is skipped and an edited URL is honoured.
// Delivery failures are recorded and logged, not returned; only a failure
// to load the subscription is returned.
func (d *Dispatcher) Deliver(ctx context.Context, job DeliveryJob) error {
	log := d.logger.With("subscription_id", job.SubscriptionID, "event", job.Event)

	sub, err := d.loadSubscription(ctx, job.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		log.Info("subscription gone, skipping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription %d: %w", job.SubscriptionID, err)
	}
	if !sub.Enabled {
		log.Info("subscription disabled, skipping delivery")
		return nil
	}

	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	start := time.Now()
	err = retryWithBackoff(ctx, d.retry, isRetryableDelivery, func(attempt int) error {
		res, perr := d.post(ctx, sub.URL, body, d.timeout)
		d.record(ctx, sub.ID, res, perr, log)
		if perr != nil {
			log.Warn("webhook attempt failed",
				"attempt", attempt,
				"url", sub.URL,
				"error", perr,
				"elapsed_ms", res.elapsed.Milliseconds())
			return perr
		}
		log.Info("webhook delivered",
			"attempt", attempt,
			"url", sub.URL,
			"status", res.status,
			"elapsed_ms", res.elapsed.Milliseconds())
		return nil
	})
	d.observer.DeliveryFinished(job.Event, time.Since(start), err)
	if err != nil {
		log.Error("webhook delivery failed", "url", sub.URL, "error", err)
	}
	return nil
}

// TestDelivery posts a test payload to the subscription's URL and reports the
// status and latency. Any HTTP response counts as a result; only failing to
// get one is an error. The outcome is not recorded on the subscription.
func (d *Dispatcher) TestDelivery(ctx context.Context, subscriptionID int64) (TestResult, error) {
	sub, err := d.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return TestResult{}, err
	}

	body, err := json.Marshal(struct {
		Event   EventKind `json:"event"`
		Message string    `json:"message"`
	}{EventTest, testMessage})
	if err != nil {
		return TestResult{}, fmt.Errorf("encode test payload: %w", err)
	}

	res, err := d.post(ctx, sub.URL, body, d.testTimeout)
	var de *DeliveryError
	if err != nil && !(errors.As(err, &de) && de.Kind == DeliveryHTTPStatus) {
		return TestResult{}, err
	}
	return TestResult{
		StatusCode:     res.status,
		ResponseTimeMS: math.Round(float64(res.elapsed.Microseconds())/10) / 100,
	}, nil
}

type postResult struct {
	status  int // 0 when no response arrived
	body    string
	elapsed time.Duration
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, timeout time.Duration) (postResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res postResult
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return res, &DeliveryError{Kind: DeliveryTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		res.elapsed = time.Since(start)
		return res, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	res.elapsed = time.Since(start)
	res.status = resp.StatusCode
	res.body = truncateReason(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, &DeliveryError{Kind: DeliveryHTTPStatus, StatusCode: resp.StatusCode}
	}
	return res, nil
}

func (d *Dispatcher) record(ctx context.Context, id int64, res postResult, perr error, log *slog.Logger) {
	rec := DeliveryRecord{Response: res.body, CalledAt: d.now().UTC()}
	if res.status != 0 {
		status := res.status
		rec.Status = &status
	} else if perr != nil {
		rec.Response = truncateReason(perr.Error())
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.lookupTimeout)
	defer cancel()
	if err := d.subs.RecordDelivery(rctx, id, rec); err != nil {
		log.Warn("record delivery outcome", "error", err)
	}
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &DeliveryError{Kind: DeliveryTimeout, Err: err}
	}
	return &DeliveryError{Kind: DeliveryTransport, Err: err}
}

func isRetryableDelivery(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

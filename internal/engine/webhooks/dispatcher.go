package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"webhookd/internal/platform/models"
)

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"

	userAgent = "webhookd/1.0"

	// isoMillis renders instants as 2024-01-01T00:00:00.000Z.
	isoMillis = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrTerminal         = errors.New("delivery is in a terminal state")
)

// Emitter is what domain code depends on to publish events.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data interface{})
}

type SubscriptionStore interface {
	FindActiveByEventType(ctx context.Context, eventType string) ([]*models.Subscription, error)
	FindByID(ctx context.Context, id string) (*models.Subscription, error)
}

type DeliveryStore interface {
	Create(ctx context.Context, d *models.Delivery) error
	Update(ctx context.Context, d *models.Delivery) error
	FindByID(ctx context.Context, id string) (*models.Delivery, error)
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Delivery, error)
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine fans events out to subscriptions, performs signed HTTP deliveries
// and drives their retry lifecycle.
type Engine struct {
	subs       SubscriptionStore
	deliveries DeliveryStore

	client          HTTPClient
	clock           clockwork.Clock
	logger          zerolog.Logger
	timeout         time.Duration
	maxResponseBody int
	sweepBatch      int
	workers         int
	queueSize       int

	pool      *workerPool
	scheduler *Scheduler
	inflight  sync.Map

	baseCtx context.Context
	cancel  context.CancelFunc
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithHTTPClient(c HTTPClient) Option {
	return func(e *Engine) { e.client = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithMaxResponseBody(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxResponseBody = n
		}
	}
}

func WithSweepBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

func WithWorkers(workers, queueSize int) Option {
	return func(e *Engine) {
		if workers > 0 {
			e.workers = workers
		}
		if queueSize > 0 {
			e.queueSize = queueSize
		}
	}
}

func NewEngine(subs SubscriptionStore, deliveries DeliveryStore, opts ...Option) *Engine {
	e := &Engine{
		subs:            subs,
		deliveries:      deliveries,
		client:          http.DefaultClient,
		clock:           clockwork.NewRealClock(),
		logger:          log.Logger.With().Str("component", "webhooks").Logger(),
		timeout:         30 * time.Second,
		maxResponseBody: 1000,
		sweepBatch:      100,
		workers:         8,
		queueSize:       256,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.pool = newWorkerPool(e.workers, e.queueSize, e.logger)
	e.scheduler = NewScheduler(e.clock, e.logger)
	return e
}

// Start launches the delivery workers.
func (e *Engine) Start() {
	e.pool.Start()
	e.logger.Info().Int("workers", e.workers).Int("queue_size", e.queueSize).Msg("Webhook engine started")
}

// Stop cancels pending retry timers and waits for queued deliveries to finish.
// Pending rows keep their next_retry and are picked up by the next sweep.
func (e *Engine) Stop(ctx context.Context) error {
	e.scheduler.Stop()
	err := e.pool.Stop(ctx)
	e.cancel()
	e.logger.Info().Msg("Webhook engine stopped")
	return err
}

// Emit records one pending delivery per active matching subscription and
// queues them for delivery. Failures are logged, never returned.
func (e *Engine) Emit(ctx context.Context, eventType string, data interface{}) {
	subs, err := e.subs.FindActiveByEventType(ctx, eventType)
	if err != nil {
		e.logger.Error().Err(err).Str("event", eventType).Msg("Failed to load subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}

	now := e.clock.Now().UTC()
	payload, err := json.Marshal(models.WebhookEvent{
		Event:     eventType,
		Timestamp: now.Format(isoMillis),
		Data:      data,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("event", eventType).Msg("Failed to encode event payload")
		return
	}

	for _, sub := range subs {
		// next_retry starts at creation so a crash before the first attempt
		// is still recovered by the sweep.
		d := &models.Delivery{
			SubscriptionID: sub.ID,
			EventType:      eventType,
			Payload:        string(payload),
			Status:         models.DeliveryPending,
			NextRetry:      &now,
		}
		if err := e.deliveries.Create(ctx, d); err != nil {
			e.logger.Error().Err(err).Str("subscription_id", sub.ID).Str("event", eventType).Msg("Failed to create delivery")
			continue
		}
		e.dispatch(d.ID, false)
	}

	e.logger.Debug().Str("event", eventType).Int("subscriptions", len(subs)).Msg("Event emitted")
}

// dispatch queues an attempt. Unforced attempts are skipped when a sweep got
// to the row first and moved next_retry into the future.
func (e *Engine) dispatch(deliveryID string, force bool) {
	ok := e.pool.Submit(func() {
		e.attempt(e.baseCtx, deliveryID, force)
	})
	if !ok {
		e.logger.Warn().Str("delivery_id", deliveryID).Msg("Engine stopped, delivery left for the next sweep")
	}
}

// Deliver performs one attempt for the delivery identified by deliveryID and
// persists its outcome. Errors are logged.
func (e *Engine) Deliver(ctx context.Context, deliveryID string) {
	e.attempt(ctx, deliveryID, true)
}

// Redeliver queues a manual attempt for a pending delivery.
func (e *Engine) Redeliver(ctx context.Context, deliveryID string) error {
	d, err := e.deliveries.FindByID(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d == nil {
		return ErrDeliveryNotFound
	}
	if d.Status.Terminal() {
		return ErrTerminal
	}

	e.scheduler.Cancel(deliveryID)
	e.dispatch(deliveryID, true)
	return nil
}

// ProcessPendingRetries attempts up to one batch of due pending deliveries
// and returns how many were found.
func (e *Engine) ProcessPendingRetries(ctx context.Context) (int, error) {
	due, err := e.deliveries.FindDueRetries(ctx, e.clock.Now().UTC(), e.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("find due retries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	p := pool.New().WithMaxGoroutines(e.workers)
	for _, d := range due {
		id := d.ID
		p.Go(func() {
			e.attempt(ctx, id, false)
		})
	}
	p.Wait()

	e.logger.Info().Int("count", len(due)).Msg("Processed pending webhook retries")
	return len(due), nil
}

// attempt wraps send with the in-flight guard and panic recovery. When force
// is false a delivery whose retry instant is still in the future is skipped.
func (e *Engine) attempt(ctx context.Context, deliveryID string, force bool) {
	if _, busy := e.inflight.LoadOrStore(deliveryID, struct{}{}); busy {
		e.logger.Debug().Str("delivery_id", deliveryID).Msg("Delivery already in flight")
		return
	}
	defer e.inflight.Delete(deliveryID)

	logger := e.logger.With().Str("delivery_id", deliveryID).Logger()
	runSafely(logger, "delivery", func() {
		if err := e.send(ctx, deliveryID, force, logger); err != nil {
			logger.Error().Err(err).Msg("Delivery attempt failed to complete")
		}
	})
}

func (e *Engine) send(ctx context.Context, deliveryID string, force bool, logger zerolog.Logger) error {
	d, err := e.deliveries.FindByID(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if d == nil {
		logger.Warn().Msg("Delivery not found")
		return nil
	}
	if d.Status.Terminal() {
		return nil
	}
	if !force && d.NextRetry != nil && d.NextRetry.After(e.clock.Now()) {
		return nil
	}

	sub, err := e.subs.FindByID(ctx, d.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil || !sub.Active {
		// The row stays pending but leaves the sweep until someone retries it by hand.
		logger.Info().Str("subscription_id", d.SubscriptionID).Msg("Subscription missing or inactive, skipping delivery")
		if d.NextRetry != nil {
			d.NextRetry = nil
			d.ErrorMessage = "subscription inactive"
			return e.deliveries.Update(ctx, d)
		}
		return nil
	}

	started := e.clock.Now().UTC()
	code, body, sendErr := e.post(ctx, sub, d, started)

	d.Attempts++
	d.LastAttempt = &started
	d.ResponseBody = body
	d.ResponseCode = nil
	if code != 0 {
		d.ResponseCode = &code
	}

	if sendErr == nil {
		d.Status = models.DeliveryDelivered
		d.NextRetry = nil
		d.ErrorMessage = ""
		logger.Info().Str("event", d.EventType).Int("status", code).Int("attempts", d.Attempts).Msg("Webhook delivered")
		return e.deliveries.Update(ctx, d)
	}

	if d.Attempts < sub.MaxRetries {
		next := NextRetryAt(d.Attempts, sub.RetryBackoff, e.clock.Now().UTC())
		d.NextRetry = &next
		d.ErrorMessage = sendErr.Error()
		logger.Warn().Err(sendErr).Int("attempts", d.Attempts).Time("next_retry", next).Msg("Webhook delivery failed, retry scheduled")

		if err := e.deliveries.Update(ctx, d); err != nil {
			return fmt.Errorf("persist attempt: %w", err)
		}
		e.scheduler.Schedule(d.ID, next, e.retry)
		return nil
	}

	d.Status = models.DeliveryFailed
	d.NextRetry = nil
	d.ErrorMessage = fmt.Sprintf("delivery failed after %d attempts: %s", d.Attempts, sendErr.Error())
	logger.Error().Err(sendErr).Int("attempts", d.Attempts).Msg("Webhook delivery permanently failed")
	return e.deliveries.Update(ctx, d)
}

func (e *Engine) retry(deliveryID string) {
	e.attempt(e.baseCtx, deliveryID, false)
}

// post sends the signed payload. A nil error means the receiver answered 2xx.
func (e *Engine) post(ctx context.Context, sub *models.Subscription, d *models.Delivery, at time.Time) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload := []byte(d.Payload)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, strings.NewReader(d.Payload))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, payload))
	req.Header.Set(HeaderTimestamp, at.Format(isoMillis))
	req.Header.Set(HeaderID, d.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	// Runes may take up to four bytes each.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.maxResponseBody)*4))
	body := truncate(string(raw), e.maxResponseBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return resp.StatusCode, body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Package dispatch delivers session results to the partner with bounded retries.
//
// A delivery is created once per terminal session and keyed by session id, so
// every attempt carries the same payload and idempotency key. A worker makes
// one attempt per dequeue; a failed attempt is persisted with its next retry
// time and re-queued by a timer when due, so a broken partner endpoint never
// holds a worker through its backoff. Deliveries that could not be queued,
// or were interrupted by shutdown, stay pending in the store and are picked
// up by the sweeper.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/observability"
	"github.com/xiaot623/rpbridge/internal/repository"
)

// ErrSessionNotTerminal is returned when delivery is requested for a session
// that has not completed. It indicates a caller bug.
var ErrSessionNotTerminal = errors.New("session is not terminal")

// ErrDeliveryNotFound is returned when no delivery exists for a session.
var ErrDeliveryNotFound = errors.New("delivery not found")

// Sender posts an encoded results payload to the partner.
type Sender interface {
	PostResults(ctx context.Context, targetURL, idempotencyKey string, body []byte) (int, error)
}

// Observer receives delivery events. Implementations must not block.
type Observer interface {
	OnDeliveryEvent(ctx context.Context, event domain.DeliveryEvent)
}

// Config controls retry and concurrency.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SweepInterval  time.Duration
}

// Dispatcher owns the results delivery queue.
type Dispatcher struct {
	store     store.Store
	sender    Sender
	cfg       Config
	observers []Observer
	log       *logrus.Entry

	queue  chan string
	mu     sync.Mutex
	queued map[string]bool
	timers map[string]*time.Timer
	closed bool
}

// New creates a dispatcher. Call Run to start delivering.
func New(st store.Store, sender Sender, cfg Config, log *logrus.Entry, observers ...Observer) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Dispatcher{
		store:     st,
		sender:    sender,
		cfg:       cfg,
		observers: observers,
		log:       log,
		queue:     make(chan string, cfg.QueueSize),
		queued:    make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// AddObserver registers an observer. It must be called before Run.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// Enqueue records a delivery for a terminal session and schedules it. It
// returns once the delivery is durable and never waits on the partner.
// Enqueueing the same session twice is a no-op.
func (d *Dispatcher) Enqueue(ctx context.Context, sess *domain.Session) error {
	if !sess.Status.IsTerminal() {
		d.log.WithFields(logrus.Fields{
			"session_id": sess.SessionID,
			"status":     sess.Status,
			"invariant":  "terminal_before_delivery",
		}).Error("refusing to deliver results for non-terminal session")
		return fmt.Errorf("enqueue %s: %w", sess.SessionID, ErrSessionNotTerminal)
	}

	now := time.Now().UTC()
	inserted, err := d.store.CreateDelivery(ctx, &domain.Delivery{
		SessionID: sess.SessionID,
		TargetURL: sess.ResultsURL,
		Status:    domain.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if !inserted {
		existing, err := d.store.GetDelivery(ctx, sess.SessionID)
		if err != nil {
			return fmt.Errorf("failed to load delivery: %w", err)
		}
		if existing == nil || existing.Status != domain.DeliveryStatusPending {
			return nil
		}
		if existing.NextRetryAt != nil && existing.NextRetryAt.After(now) {
			// Backing off; the retry timer or the sweeper picks it up.
			return nil
		}
	}
	d.schedule(sess.SessionID)
	return nil
}

// schedule queues a session for a worker unless it is already queued or in
// flight. A full queue leaves the delivery to the sweeper.
func (d *Dispatcher) schedule(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.queued[sessionID] {
		return
	}
	select {
	case d.queue <- sessionID:
		d.queued[sessionID] = true
	default:
		d.log.WithField("session_id", sessionID).Warn("delivery queue full, deferring to sweeper")
	}
}

func (d *Dispatcher) release(sessionID string) {
	d.mu.Lock()
	delete(d.queued, sessionID)
	d.mu.Unlock()
}

// retryAt arms a timer that schedules sessionID once at is reached. It must
// be called after release so the timer cannot race the in-flight flag.
func (d *Dispatcher) retryAt(sessionID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[sessionID]; ok {
		t.Stop()
	}
	d.timers[sessionID] = time.AfterFunc(time.Until(at), func() {
		d.mu.Lock()
		delete(d.timers, sessionID)
		d.mu.Unlock()
		d.schedule(sessionID)
	})
}

// stop cancels pending retry timers. Their deliveries stay pending in the
// store with NextRetryAt set.
func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// Run starts the workers and the sweeper and blocks until ctx is cancelled
// and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}

	d.sweep(ctx)
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.stop()
			wg.Wait()
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-d.queue:
			del, err := d.Deliver(ctx, sessionID)
			if err != nil && ctx.Err() == nil {
				d.log.WithError(err).WithField("session_id", sessionID).Error("delivery failed")
			}
			d.release(sessionID)
			if err == nil && del != nil && del.Status == domain.DeliveryStatusPending && del.NextRetryAt != nil {
				d.retryAt(sessionID, *del.NextRetryAt)
			}
		}
	}
}

// sweep re-schedules pending deliveries that are due.
func (d *Dispatcher) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pending, err := d.store.ListDeliveries(sweepCtx, domain.DeliveryStatusPending, d.cfg.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			d.log.WithError(err).Warn("delivery sweep failed")
		}
		return
	}
	now := time.Now().UTC()
	for _, del := range pending {
		if del.NextRetryAt != nil && del.NextRetryAt.After(now) {
			continue
		}
		d.schedule(del.SessionID)
	}
}

// Deliver makes one attempt at a pending delivery and returns the updated
// record. A failed attempt with budget left stays pending with NextRetryAt
// set from the backoff policy; the last allowed failure marks the delivery
// failed. Delivered or failed deliveries are returned unchanged. When ctx is
// cancelled mid-attempt the attempt is not counted and the delivery stays
// pending.
func (d *Dispatcher) Deliver(ctx context.Context, sessionID string) (*domain.Delivery, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.Deliver", attribute.String("session.id", sessionID))
	defer span.End()

	del, err := d.store.GetDelivery(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	if del == nil {
		return nil, ErrDeliveryNotFound
	}
	if del.Status != domain.DeliveryStatusPending {
		return del, nil
	}
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s missing for delivery", sessionID)
	}
	if !sess.Status.IsTerminal() {
		d.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"status":     sess.Status,
			"invariant":  "terminal_before_delivery",
		}).Error("refusing to deliver results for non-terminal session")
		return nil, fmt.Errorf("deliver %s: %w", sessionID, ErrSessionNotTerminal)
	}

	// Built from the stored session so every attempt sends identical bytes.
	body, err := json.Marshal(domain.NewResultsPayload(sess))
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}

	log := d.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"target_url": del.TargetURL,
		"generation": del.Generation,
	})
	span.SetAttributes(attribute.Int("delivery.generation", del.Generation))

	if del.Attempts < d.cfg.MaxAttempts {
		err = d.attempt(ctx, del, body)
		if err != nil && ctx.Err() != nil {
			// Interrupted: keep the delivery pending for the next process.
			del.NextRetryAt = nil
			if uerr := d.store.UpdateDelivery(context.WithoutCancel(ctx), del); uerr != nil {
				log.WithError(uerr).Warn("failed to persist interrupted delivery")
			}
			span.SetStatus(codes.Error, "interrupted")
			return del, ctx.Err()
		}

		now := time.Now().UTC()
		del.UpdatedAt = now
		if err == nil {
			del.Status = domain.DeliveryStatusDelivered
			del.DeliveredAt = &now
			del.NextRetryAt = nil
			del.LastError = ""
			if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
				return del, fmt.Errorf("failed to mark delivered: %w", uerr)
			}
			log.WithField("attempt", del.Attempts).Info("results delivered")
			span.SetAttributes(attribute.Int("delivery.attempts", del.Attempts))
			d.emit(ctx, domain.DeliveryEventDelivered, del)
			return del, nil
		}

		if del.Attempts < d.cfg.MaxAttempts {
			wait := d.retryDelay(del.Attempts)
			next := now.Add(wait)
			del.NextRetryAt = &next
			if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
				return del, fmt.Errorf("failed to persist delivery progress: %w", uerr)
			}
			log.WithError(err).WithFields(logrus.Fields{
				"attempt":  del.Attempts,
				"retry_in": wait.String(),
			}).Warn("results delivery attempt failed")
			span.SetStatus(codes.Error, "attempt failed")
			d.emit(ctx, domain.DeliveryEventAttemptFailed, del)
			return del, nil
		}
	}

	del.Status = domain.DeliveryStatusFailed
	del.NextRetryAt = nil
	del.UpdatedAt = time.Now().UTC()
	if uerr := d.store.UpdateDelivery(ctx, del); uerr != nil {
		return del, fmt.Errorf("failed to mark delivery failed: %w", uerr)
	}
	log.WithFields(logrus.Fields{
		"attempts":   del.Attempts,
		"last_error": del.LastError,
	}).Error("results delivery failed permanently")
	span.SetStatus(codes.Error, "failed permanently")
	d.emit(ctx, domain.DeliveryEventFailedPermanently, del)
	return del, nil
}

// retryDelay returns the backoff after the given number of failed attempts.
func (d *Dispatcher) retryDelay(failed int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.InitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         d.cfg.MaxBackoff,
	}
	b.Reset()
	var wait time.Duration
	for i := 0; i < failed; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// attempt performs one POST and records it. Attempts cut short by ctx
// cancellation are not counted.
func (d *Dispatcher) attempt(ctx context.Context, del *domain.Delivery, body []byte) error {
	started := time.Now().UTC()
	attemptCtx := ctx
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}
	status, err := d.sender.PostResults(attemptCtx, del.TargetURL, del.SessionID, body)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	finished := time.Now().UTC()

	del.Attempts++
	del.UpdatedAt = finished
	rec := &domain.DeliveryAttempt{
		SessionID:  del.SessionID,
		Attempt:    del.Attempts,
		Generation: del.Generation,
		StatusCode: status,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err != nil {
		rec.Error = err.Error()
		del.LastError = err.Error()
	}
	if rerr := d.store.RecordDeliveryAttempt(ctx, rec); rerr != nil {
		d.log.WithError(rerr).WithField("session_id", del.SessionID).Warn("failed to record delivery attempt")
	}
	return err
}

func (d *Dispatcher) emit(ctx context.Context, typ domain.DeliveryEventType, del *domain.Delivery) {
	event := domain.DeliveryEvent{
		Type:       typ,
		Ts:         time.Now().UnixMilli(),
		SessionID:  del.SessionID,
		TargetURL:  del.TargetURL,
		Attempt:    del.Attempts,
		Generation: del.Generation,
		Error:      del.LastError,
	}
	for _, o := range d.observers {
		o.OnDeliveryEvent(ctx, event)
	}
}

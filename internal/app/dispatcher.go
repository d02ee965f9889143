package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/core/ports"
)

// Dispatcher routes inbound messages to their handlers exactly once per
// idempotency key. A key is marked processed only after its handler
// succeeds, so a crash between the two replays the message.
type Dispatcher struct {
	saga      *Saga
	fraud     *FraudCheckWorker
	review    *ReviewQueue
	store     ports.IdempotencyStore
	ttl       time.Duration
	logger    *slog.Logger
	inflight  singleflight.Group
	observers []func(name string)
}

func NewDispatcher(saga *Saga, fraud *FraudCheckWorker, review *ReviewQueue, store ports.IdempotencyStore, ttl time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		saga:   saga,
		fraud:  fraud,
		review: review,
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "dispatcher"),
	}
}

// OnHandled registers fn to be called with the name of every handled message.
func (d *Dispatcher) OnHandled(fn func(name string)) {
	d.observers = append(d.observers, fn)
}

// Dispatch handles msg unless its key was already processed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg messages.Message) error {
	key := msg.MessageName() + ":" + msg.Key()
	_, err, _ := d.inflight.Do(key, func() (any, error) {
		return nil, d.dispatchOnce(ctx, key, msg)
	})
	return err
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, key string, msg messages.Message) error {
	done, err := d.store.IsProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("check processed %s: %w", key, err)
	}
	if done {
		d.logger.Debug("duplicate message ignored", "message", msg.MessageName(), "idempotency_key", msg.Key())
		return nil
	}

	handled, err := d.route(ctx, msg)
	if err != nil {
		return err
	}
	if !handled {
		return nil
	}

	if _, err := d.store.MarkProcessed(ctx, key, d.ttl); err != nil {
		d.logger.Warn("failed to mark message processed", "idempotency_key", key, "error", err)
	}
	for _, fn := range d.observers {
		fn(msg.MessageName())
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, msg messages.Message) (bool, error) {
	switch m := msg.(type) {
	case messages.RunFraudCheck:
		return true, d.fraud.Handle(ctx, m)
	case messages.FraudCheckCompleted:
		return true, d.saga.HandleFraudResult(ctx, m)
	case messages.ReserveFunds:
		return true, d.saga.HandleReservation(ctx, m)
	case messages.SettlePayment:
		return true, d.saga.HandleSettlement(ctx, m)
	case messages.SagaTimeout:
		return true, d.saga.HandleTimeout(ctx, m)
	case messages.CancelPayment:
		return true, d.saga.HandleCancel(ctx, m)
	case messages.RequestManualReview:
		return true, d.review.Handle(ctx, m)
	case messages.ManualReviewRequested:
		return true, d.saga.HandleManualReviewRequested(ctx, m)
	default:
		// Outcome events and notifications are for downstream subscribers.
		return false, nil
	}
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/core/ports"
)

// DeliveryRecorder appends a delivered-notification record to a payment.
type DeliveryRecorder interface {
	RecordNotified(ctx context.Context, id domain.PaymentID, channel string) error
}

// Notifier sends notifications from a bounded queue on its own goroutine.
// A full queue drops the notification; the saga never waits on it.
type Notifier struct {
	service  ports.NotificationService
	recorder DeliveryRecorder
	queue    chan messages.PaymentNotification
	logger   *slog.Logger
	onDrop   func()
	wg       sync.WaitGroup
}

// NewNotifier builds a notifier with room for size pending notifications.
// recorder and onDrop may be nil.
func NewNotifier(service ports.NotificationService, recorder DeliveryRecorder, size int, logger *slog.Logger, onDrop func()) *Notifier {
	if size <= 0 {
		size = 1
	}
	return &Notifier{
		service:  service,
		recorder: recorder,
		queue:    make(chan messages.PaymentNotification, size),
		logger:   logger.With("component", "notifier"),
		onDrop:   onDrop,
	}
}

// Enqueue reports false when the queue is full.
func (n *Notifier) Enqueue(msg messages.PaymentNotification) bool {
	select {
	case n.queue <- msg:
		return true
	default:
		n.logger.Warn("notification queue full, dropping", "payment_id", msg.PaymentID, "status", msg.Status)
		if n.onDrop != nil {
			n.onDrop()
		}
		return false
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	n.wg.Add(1)
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

// Wait blocks until Run has returned.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) deliver(ctx context.Context, msg messages.PaymentNotification) {
	log := n.logger.With("correlation_id", msg.CorrelationID, "payment_id", msg.PaymentID, "status", msg.Status)

	if err := n.service.SendPaymentNotification(ctx, msg); err != nil {
		log.Warn("failed to send payment notification", "error", err)
	} else {
		n.record(ctx, log, msg.PaymentID, msg.Channel)
	}

	if err := n.service.SendWebhook(ctx, msg); err != nil {
		log.Warn("failed to send webhook", "error", err)
	}
}

func (n *Notifier) record(ctx context.Context, log *slog.Logger, id domain.PaymentID, channel string) {
	if n.recorder == nil {
		return
	}
	err := n.recorder.RecordNotified(ctx, id, channel)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidStateTransition):
		// Cancelled-by-fraud payments close asynchronously; the record is skipped.
		log.Debug("payment not closed yet, delivery not recorded", "channel", channel)
	default:
		log.Warn("failed to record notification delivery", "channel", channel, "error", err)
	}
}

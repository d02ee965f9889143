package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
)

// Options tunes the simulated processor.
type Options struct {
	// DeclineAbove declines authorizations of larger amounts. Zero disables it.
	DeclineAbove decimal.Decimal
	// SettleFail makes every settlement fail.
	SettleFail bool
	Latency    time.Duration
}

type status string

const (
	statusAuthorized status = "authorized"
	statusDeclined   status = "declined"
	statusSettled    status = "settled"
	statusCancelled  status = "cancelled"
)

type entry struct {
	status        status
	reservationID domain.ReservationID
	reference     string
	updatedAt     time.Time
}

// Processor simulates an external payment gateway in memory. Every call is
// idempotent per payment id.
type Processor struct {
	mu       sync.Mutex
	opts     Options
	payments map[domain.PaymentID]*entry
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(opts Options, logger *slog.Logger) *Processor {
	return &Processor{
		opts:     opts,
		payments: make(map[domain.PaymentID]*entry),
		logger:   logger.With("component", "sandbox-gateway"),
		now:      time.Now,
	}
}

func (p *Processor) wait(ctx context.Context) error {
	if p.opts.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.opts.Latency):
		return nil
	}
}

func (p *Processor) Authorize(ctx context.Context, paymentID domain.PaymentID, amount domain.Money, payer domain.AccountID) (ports.ProcessorResult, error) {
	if err := p.wait(ctx); err != nil {
		return ports.ProcessorResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	if e, ok := p.payments[paymentID]; ok {
		return ports.ProcessorResult{Approved: e.status != statusDeclined, Reference: e.reference, ProcessedAt: e.updatedAt}, nil
	}

	if !p.opts.DeclineAbove.IsZero() && amount.Amount().GreaterThan(p.opts.DeclineAbove) {
		p.payments[paymentID] = &entry{status: statusDeclined, updatedAt: now}
		p.logger.Info("authorization declined", "payment_id", paymentID, "amount", amount.String())
		return ports.ProcessorResult{Approved: false, Reason: "insufficient funds", ProcessedAt: now}, nil
	}

	resID := domain.NewRandomReservationID()
	e := &entry{status: statusAuthorized, reservationID: resID, reference: resID.String(), updatedAt: now}
	p.payments[paymentID] = e
	p.logger.Debug("authorization approved", "payment_id", paymentID, "payer", payer.String())
	return ports.ProcessorResult{Approved: true, Reference: e.reference, ProcessedAt: now}, nil
}

func (p *Processor) Settle(ctx context.Context, paymentID domain.PaymentID, reservationID domain.ReservationID, amount domain.Money) (ports.ProcessorResult, error) {
	if err := p.wait(ctx); err != nil {
		return ports.ProcessorResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	e, ok := p.payments[paymentID]
	if !ok || e.reservationID != reservationID {
		return ports.ProcessorResult{}, fmt.Errorf("%w: no reservation %s for payment %s", domain.ErrPaymentNotFound, reservationID, paymentID)
	}
	switch e.status {
	case statusSettled:
		return ports.ProcessorResult{Approved: true, Reference: e.reference, ProcessedAt: e.updatedAt}, nil
	case statusCancelled, statusDeclined:
		return ports.ProcessorResult{Approved: false, Reason: "reservation is " + string(e.status), ProcessedAt: now}, nil
	}
	if p.opts.SettleFail {
		return ports.ProcessorResult{Approved: false, Reason: "settlement rejected by processor", ProcessedAt: now}, nil
	}

	e.status = statusSettled
	e.reference = "stl-" + uuid.NewString()
	e.updatedAt = now
	return ports.ProcessorResult{Approved: true, Reference: e.reference, ProcessedAt: now}, nil
}

func (p *Processor) Cancel(ctx context.Context, paymentID domain.PaymentID, reservationID domain.ReservationID) (ports.ProcessorResult, error) {
	if err := p.wait(ctx); err != nil {
		return ports.ProcessorResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	e, ok := p.payments[paymentID]
	if !ok || e.reservationID != reservationID {
		return ports.ProcessorResult{Approved: true, Reason: "nothing to cancel", ProcessedAt: now}, nil
	}
	if e.status == statusSettled {
		return ports.ProcessorResult{Approved: false, Reason: "already settled", ProcessedAt: now}, nil
	}
	e.status = statusCancelled
	e.updatedAt = now
	return ports.ProcessorResult{Approved: true, Reference: e.reference, ProcessedAt: now}, nil
}

func (p *Processor) GetStatus(ctx context.Context, paymentID domain.PaymentID) (ports.ProcessorResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.payments[paymentID]
	if !ok {
		return ports.ProcessorResult{}, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
	}
	return ports.ProcessorResult{
		Approved:    e.status == statusAuthorized || e.status == statusSettled,
		Reference:   e.reference,
		Reason:      string(e.status),
		ProcessedAt: e.updatedAt,
	}, nil
}

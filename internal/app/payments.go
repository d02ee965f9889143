package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

const maxConflictRetries = 3

// PaymentService is the command and query surface of the Payment aggregate.
type PaymentService struct {
	store  *eventsourcing.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewPaymentService(store *eventsourcing.Store, logger *slog.Logger, now func() time.Time) *PaymentService {
	if now == nil {
		now = time.Now
	}
	return &PaymentService{
		store:  store,
		logger: logger.With("component", "payments"),
		now:    now,
	}
}

func (s *PaymentService) newPayment() *domain.Payment {
	return domain.NewPayment(domain.WithClock(s.now))
}

func (s *PaymentService) load(ctx context.Context, id domain.PaymentID, opts ...eventsourcing.LoadOption) (*domain.Payment, error) {
	p, err := eventsourcing.LoadAggregate(ctx, s.store, id.String(), s.newPayment, opts...)
	if errors.Is(err, eventsourcing.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, id)
	}
	return p, err
}

func (s *PaymentService) GetByID(ctx context.Context, id domain.PaymentID) (*domain.Payment, error) {
	return s.load(ctx, id)
}

func (s *PaymentService) GetStatus(ctx context.Context, id domain.PaymentID) (domain.PaymentState, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return "", err
	}
	return p.State(), nil
}

func (s *PaymentService) Exists(ctx context.Context, id domain.PaymentID) (bool, error) {
	_, err := s.load(ctx, id)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return false, nil
	}
	return err == nil, err
}

// GetAsOf rebuilds the payment from the events recorded at or before t.
func (s *PaymentService) GetAsOf(ctx context.Context, id domain.PaymentID, t time.Time) (*domain.Payment, error) {
	return s.load(ctx, id, eventsourcing.AsOf(t))
}

// History returns the persisted event records of a payment in order.
func (s *PaymentService) History(ctx context.Context, id domain.PaymentID) ([]eventsourcing.Record, error) {
	records, err := s.store.Records(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, id)
	}
	return records, nil
}

// Prepare validates a new payment without persisting it.
func (s *PaymentService) Prepare(id domain.PaymentID, amount domain.Money, payer, payee domain.AccountID, reference string) (*domain.Payment, error) {
	return domain.Create(id, amount, payer, payee, reference, domain.WithClock(s.now))
}

// Save persists the uncommitted events of p.
func (s *PaymentService) Save(ctx context.Context, p *domain.Payment) error {
	return s.store.SaveAggregate(ctx, p)
}

// SaveNew persists a payment returned by Prepare. A retried append whose first
// attempt did commit reports a conflict on the new stream; that conflict is
// accepted when the stored payment is the one prepared.
func (s *PaymentService) SaveNew(ctx context.Context, p *domain.Payment) error {
	err := s.Save(ctx, p)
	if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
		return err
	}
	stored, loadErr := s.load(ctx, p.ID())
	if loadErr != nil {
		s.logger.Warn("failed to reload payment after conflict", "payment_id", p.ID(), "error", loadErr)
		return err
	}
	if !samePayment(stored, p) {
		return err
	}
	s.logger.Warn("payment was already stored by an earlier attempt", "payment_id", p.ID(), "version", stored.Version())
	p.ClearUncommittedEvents()
	return nil
}

func samePayment(stored, prepared *domain.Payment) bool {
	return stored.ID() == prepared.ID() &&
		stored.Amount().Equal(prepared.Amount()) &&
		stored.PayerAccountID().String() == prepared.PayerAccountID().String() &&
		stored.PayeeAccountID().String() == prepared.PayeeAccountID().String() &&
		stored.Reference() == prepared.Reference()
}

// Create validates and persists a new payment.
func (s *PaymentService) Create(ctx context.Context, id domain.PaymentID, amount domain.Money, payer, payee domain.AccountID, reference string) (*domain.Payment, error) {
	p, err := s.Prepare(id, amount, payer, payee, reference)
	if err != nil {
		return nil, err
	}
	if err := s.SaveNew(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Execute loads the payment, runs fn and saves the raised events. A version
// conflict reloads and runs fn again. fn must decide from the loaded state only.
func (s *PaymentService) Execute(ctx context.Context, id domain.PaymentID, fn func(p *domain.Payment) error) (*domain.Payment, error) {
	var lastErr error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		p, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		if len(p.UncommittedEvents()) == 0 {
			return p, nil
		}

		err = s.store.SaveAggregate(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("concurrency conflict, reloading payment", "payment_id", id, "attempt", attempt)
	}
	return nil, lastErr
}

// ApproveAfterReview releases a flagged payment.
func (s *PaymentService) ApproveAfterReview(ctx context.Context, id domain.PaymentID) (*domain.Payment, error) {
	return s.Execute(ctx, id, func(p *domain.Payment) error {
		if p.State() == domain.StateReleased {
			return nil
		}
		return p.ReleaseAfterFlag()
	})
}

// RejectAfterReview declines a flagged payment.
func (s *PaymentService) RejectAfterReview(ctx context.Context, id domain.PaymentID, reason string) (*domain.Payment, error) {
	return s.Execute(ctx, id, func(p *domain.Payment) error {
		if p.State() == domain.StateDeclined {
			return nil
		}
		return p.Decline(reason)
	})
}

// RecordNotified appends a delivery record for channel.
func (s *PaymentService) RecordNotified(ctx context.Context, id domain.PaymentID, channel string) error {
	_, err := s.Execute(ctx, id, func(p *domain.Payment) error {
		return p.MarkNotified(channel)
	})
	return err
}

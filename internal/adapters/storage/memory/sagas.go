package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

// SagaRepository stores saga state in memory. Returned sagas are copies.
type SagaRepository struct {
	mu    sync.RWMutex
	sagas map[uuid.UUID]*domain.PaymentProcessingSagaState
	byKey map[string]uuid.UUID
}

func NewSagaRepository() *SagaRepository {
	return &SagaRepository{
		sagas: make(map[uuid.UUID]*domain.PaymentProcessingSagaState),
		byKey: make(map[string]uuid.UUID),
	}
}

func (r *SagaRepository) Create(ctx context.Context, saga *domain.PaymentProcessingSagaState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[saga.IdempotencyKey]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, saga.IdempotencyKey)
	}
	if _, ok := r.sagas[saga.CorrelationID]; ok {
		return fmt.Errorf("%w: correlation id %s", domain.ErrDuplicateRequest, saga.CorrelationID)
	}
	saga.Version = 1
	r.sagas[saga.CorrelationID] = saga.Clone()
	r.byKey[saga.IdempotencyKey] = saga.CorrelationID
	return nil
}

func (r *SagaRepository) Update(ctx context.Context, saga *domain.PaymentProcessingSagaState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sagas[saga.CorrelationID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSagaNotFound, saga.CorrelationID)
	}
	if stored.Version != saga.Version {
		return &eventsourcing.ConcurrencyConflictError{StreamID: "saga-" + saga.CorrelationID.String(), Expected: saga.Version, Actual: stored.Version}
	}
	saga.Version++
	r.sagas[saga.CorrelationID] = saga.Clone()
	return nil
}

func (r *SagaRepository) Get(ctx context.Context, correlationID uuid.UUID) (*domain.PaymentProcessingSagaState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	saga, ok := r.sagas[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSagaNotFound, correlationID)
	}
	return saga.Clone(), nil
}

func (r *SagaRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentProcessingSagaState, error) {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key %s", domain.ErrSagaNotFound, key)
	}
	return r.Get(ctx, id)
}

func (r *SagaRepository) GetByPaymentID(ctx context.Context, paymentID domain.PaymentID) (*domain.PaymentProcessingSagaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, saga := range r.sagas {
		if saga.PaymentID != nil && *saga.PaymentID == paymentID {
			return saga.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: payment %s", domain.ErrSagaNotFound, paymentID)
}

func (r *SagaRepository) ListByStatus(ctx context.Context, status domain.SagaStatus, limit int) ([]*domain.PaymentProcessingSagaState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.PaymentProcessingSagaState
	for _, saga := range r.sagas {
		if saga.Status == status {
			out = append(out, saga.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

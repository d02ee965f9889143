package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

// SagaRepository stores saga state as JSONB with an optimistic version column.
type SagaRepository struct {
	pool *pgxpool.Pool
}

func NewSagaRepository(pool *pgxpool.Pool) *SagaRepository {
	return &SagaRepository{pool: pool}
}

func paymentIDArg(saga *domain.PaymentProcessingSagaState) *uuid.UUID {
	if saga.PaymentID == nil {
		return nil
	}
	u := saga.PaymentID.UUID()
	return &u
}

func (r *SagaRepository) Create(ctx context.Context, saga *domain.PaymentProcessingSagaState) error {
	saga.Version = 1
	state, err := json.Marshal(saga)
	if err != nil {
		saga.Version = 0
		return fmt.Errorf("failed to encode saga: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO payment_sagas
		    (correlation_id, idempotency_key, payment_id, status, current_step, state, version, started_at, updated_at)
		VALUES
		    ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		saga.CorrelationID, saga.IdempotencyKey, paymentIDArg(saga), string(saga.Status), string(saga.CurrentStep),
		state, saga.Version, saga.StartedAt.UTC())
	if err != nil {
		saga.Version = 0
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, saga.IdempotencyKey)
		}
		return fmt.Errorf("failed to save saga: %w", err)
	}
	return nil
}

func (r *SagaRepository) Update(ctx context.Context, saga *domain.PaymentProcessingSagaState) error {
	expected := saga.Version
	next := saga.Clone()
	next.Version = expected + 1
	state, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode saga: %w", err)
	}

	ct, err := r.pool.Exec(ctx, `
		UPDATE payment_sagas
		SET payment_id = $3, status = $4, current_step = $5, state = $6, version = $7, updated_at = now()
		WHERE correlation_id = $1 AND version = $2`,
		saga.CorrelationID, expected, paymentIDArg(saga), string(saga.Status), string(saga.CurrentStep), state, next.Version)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var actual int
		err := r.pool.QueryRow(ctx, `SELECT version FROM payment_sagas WHERE correlation_id = $1`, saga.CorrelationID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrSagaNotFound, saga.CorrelationID)
		}
		if err != nil {
			return fmt.Errorf("failed to read saga version: %w", err)
		}
		return &eventsourcing.ConcurrencyConflictError{StreamID: "saga-" + saga.CorrelationID.String(), Expected: expected, Actual: actual}
	}
	saga.Version = next.Version
	return nil
}

func (r *SagaRepository) scanOne(row pgx.Row, what string) (*domain.PaymentProcessingSagaState, error) {
	var state []byte
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSagaNotFound, what)
		}
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	var saga domain.PaymentProcessingSagaState
	if err := json.Unmarshal(state, &saga); err != nil {
		return nil, fmt.Errorf("failed to decode saga %s: %w", what, err)
	}
	return &saga, nil
}

func (r *SagaRepository) Get(ctx context.Context, correlationID uuid.UUID) (*domain.PaymentProcessingSagaState, error) {
	row := r.pool.QueryRow(ctx, `SELECT state FROM payment_sagas WHERE correlation_id = $1`, correlationID)
	return r.scanOne(row, correlationID.String())
}

func (r *SagaRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentProcessingSagaState, error) {
	row := r.pool.QueryRow(ctx, `SELECT state FROM payment_sagas WHERE idempotency_key = $1`, key)
	return r.scanOne(row, "idempotency key "+key)
}

func (r *SagaRepository) GetByPaymentID(ctx context.Context, paymentID domain.PaymentID) (*domain.PaymentProcessingSagaState, error) {
	row := r.pool.QueryRow(ctx, `SELECT state FROM payment_sagas WHERE payment_id = $1`, paymentID.UUID())
	return r.scanOne(row, "payment "+paymentID.String())
}

func (r *SagaRepository) ListByStatus(ctx context.Context, status domain.SagaStatus, limit int) ([]*domain.PaymentProcessingSagaState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT state FROM payment_sagas
		WHERE status = $1
		ORDER BY started_at
		LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas: %w", err)
	}
	defer rows.Close()

	var out []*domain.PaymentProcessingSagaState
	for rows.Next() {
		saga, err := r.scanOne(rows, string(status))
		if err != nil {
			return nil, err
		}
		out = append(out, saga)
	}
	return out, rows.Err()
}

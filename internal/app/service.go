package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
)

// Starter starts a saga. It is satisfied by *Saga.
type Starter interface {
	Start(ctx context.Context, cmd StartPayment) (*domain.PaymentProcessingSagaState, error)
}

// InitiatorSettings control request deduplication.
type InitiatorSettings struct {
	LockTimeout time.Duration
	ResponseTTL time.Duration
}

// service is the implementation of the PaymentInitiator port
type service struct {
	starter  Starter
	sagas    ports.SagaRepository
	cache    ports.IdempotencyStore
	locker   ports.Locker
	settings InitiatorSettings
	logger   *slog.Logger
}

// NewPaymentInitiator wires the front door of the engine. Requests are
// deduplicated by idempotency key with a cached response, a per-key lock and
// the unique key constraint of the saga repository.
func NewPaymentInitiator(starter Starter, sagas ports.SagaRepository, cache ports.IdempotencyStore, locker ports.Locker, settings InitiatorSettings, logger *slog.Logger) ports.PaymentInitiator {
	return &service{
		starter:  starter,
		sagas:    sagas,
		cache:    cache,
		locker:   locker,
		settings: settings,
		logger:   logger.With("component", "initiator"),
	}
}

func (s *service) Initiate(ctx context.Context, req ports.InitiatePaymentRequest) (ports.InitiatePaymentResponse, error) {
	cmd, err := s.validate(req)
	if err != nil {
		return ports.InitiatePaymentResponse{}, err
	}
	log := s.logger.With("idempotency_key", req.IdempotencyKey)

	if resp, ok := s.cached(ctx, req.IdempotencyKey); ok {
		log.Debug("returning cached response")
		return resp, nil
	}

	lock, ok, err := s.locker.AcquireLock(ctx, req.IdempotencyKey, s.settings.LockTimeout)
	if err != nil {
		return ports.InitiatePaymentResponse{}, fmt.Errorf("acquire idempotency lock: %w", err)
	}
	if !ok {
		return ports.InitiatePaymentResponse{}, domain.ErrLockBusy
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release idempotency lock", "error", err)
		}
	}()

	if resp, ok := s.cached(ctx, req.IdempotencyKey); ok {
		return resp, nil
	}

	saga, err := s.starter.Start(ctx, cmd)
	if errors.Is(err, domain.ErrDuplicateRequest) {
		return s.existing(ctx, cmd)
	}
	if err != nil {
		return ports.InitiatePaymentResponse{}, err
	}

	resp := responseFor(saga)
	s.remember(ctx, log, req.IdempotencyKey, resp)
	log.Info("payment accepted", "correlation_id", resp.CorrelationID, "payment_id", resp.PaymentID)
	return resp, nil
}

func (s *service) validate(req ports.InitiatePaymentRequest) (StartPayment, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return StartPayment{}, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidIdentifier)
	}
	amount, err := domain.NewMoneyFromString(req.Amount, req.Currency)
	if err != nil {
		return StartPayment{}, err
	}
	if !amount.IsPositive() {
		return StartPayment{}, domain.ErrInvalidAmount
	}
	if _, err := domain.NewAccountID(req.CustomerID); err != nil {
		return StartPayment{}, err
	}
	if _, err := domain.NewAccountID(req.MerchantID); err != nil {
		return StartPayment{}, err
	}
	if req.CustomerID == req.MerchantID {
		return StartPayment{}, domain.ErrSameAccount
	}

	var cardHash string
	if req.CardNumber != "" {
		cardHash, err = domain.CardFingerprint(req.CardNumber)
		if err != nil {
			return StartPayment{}, err
		}
	}

	return StartPayment{
		CorrelationID:  uuid.New(),
		IdempotencyKey: key,
		CustomerID:     req.CustomerID,
		MerchantID:     req.MerchantID,
		Amount:         amount,
		Reference:      req.Reference,
		CardHash:       cardHash,
	}, nil
}

// existing rebuilds the response of a request that lost the race for its key.
// A different request reusing the key is rejected.
func (s *service) existing(ctx context.Context, cmd StartPayment) (ports.InitiatePaymentResponse, error) {
	saga, err := s.sagas.GetByIdempotencyKey(ctx, cmd.IdempotencyKey)
	if err != nil {
		return ports.InitiatePaymentResponse{}, err
	}
	amount, err := saga.Money()
	if err != nil {
		return ports.InitiatePaymentResponse{}, err
	}
	if saga.CustomerID != cmd.CustomerID || saga.MerchantID != cmd.MerchantID || !amount.Equal(cmd.Amount) {
		return ports.InitiatePaymentResponse{}, fmt.Errorf("%w: %s was used for a different payment", domain.ErrDuplicateRequest, cmd.IdempotencyKey)
	}
	return responseFor(saga), nil
}

func responseFor(saga *domain.PaymentProcessingSagaState) ports.InitiatePaymentResponse {
	resp := ports.InitiatePaymentResponse{
		CorrelationID: saga.CorrelationID,
		Status:        saga.Status,
		Step:          saga.CurrentStep,
		AcceptedAt:    saga.StartedAt,
	}
	if saga.PaymentID != nil {
		resp.PaymentID = *saga.PaymentID
	}
	return resp
}

func (s *service) cached(ctx context.Context, key string) (ports.InitiatePaymentResponse, bool) {
	data, ok, err := s.cache.GetCachedResponse(ctx, key)
	if err != nil {
		s.logger.Warn("idempotency cache unavailable", "idempotency_key", key, "error", err)
		return ports.InitiatePaymentResponse{}, false
	}
	if !ok {
		return ports.InitiatePaymentResponse{}, false
	}
	var resp ports.InitiatePaymentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.Warn("discarding unreadable cached response", "idempotency_key", key, "error", err)
		return ports.InitiatePaymentResponse{}, false
	}
	return resp, true
}

func (s *service) remember(ctx context.Context, log *slog.Logger, key string, resp ports.InitiatePaymentResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Warn("failed to encode response for cache", "error", err)
		return
	}
	if err := s.cache.CacheResponse(ctx, key, data, s.settings.ResponseTTL); err != nil {
		log.Warn("failed to cache response", "error", err)
	}
}

package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/messages"
)

// MessageBus is the outgoing port for commands and events. Delivery is
// at-least-once, so every consumer must be idempotent.
type MessageBus interface {
	// Send delivers a command to a single consumer.
	Send(ctx context.Context, msg messages.Message) error
	// Publish fans an event out to every subscriber.
	Publish(ctx context.Context, msg messages.Message) error
	// Schedule delivers a command with Send semantics at or after at.
	Schedule(ctx context.Context, msg messages.Message, at time.Time) error
}

// FraudScorer is the black-box risk scoring service.
type FraudScorer interface {
	Analyze(ctx context.Context, pc PaymentContext) (domain.FraudResult, error)
}

// PaymentContext is what the scorer sees of a payment.
type PaymentContext struct {
	PaymentID  domain.PaymentID `json:"payment_id"`
	Amount     domain.Money     `json:"amount"`
	CustomerID string           `json:"customer_id"`
	MerchantID string           `json:"merchant_id"`
	CardHash   string           `json:"card_hash,omitempty"`
}

// ProcessorResult is the outcome of a gateway call. A declined call is not an
// error; Approved is false and Reason says why.
type ProcessorResult struct {
	Approved    bool
	Reference   string
	Reason      string
	ProcessedAt time.Time
}

// PaymentProcessor is the external payment gateway.
type PaymentProcessor interface {
	Authorize(ctx context.Context, paymentID domain.PaymentID, amount domain.Money, payer domain.AccountID) (ProcessorResult, error)
	Settle(ctx context.Context, paymentID domain.PaymentID, reservationID domain.ReservationID, amount domain.Money) (ProcessorResult, error)
	Cancel(ctx context.Context, paymentID domain.PaymentID, reservationID domain.ReservationID) (ProcessorResult, error)
	GetStatus(ctx context.Context, paymentID domain.PaymentID) (ProcessorResult, error)
}

// NotificationService delivers best-effort notifications. Failures are never
// propagated to the saga.
type NotificationService interface {
	SendPaymentNotification(ctx context.Context, n messages.PaymentNotification) error
	SendWebhook(ctx context.Context, n messages.PaymentNotification) error
}

// SagaRepository stores saga state with optimistic concurrency on Version.
type SagaRepository interface {
	// Create fails with domain.ErrDuplicateRequest when a saga already owns the idempotency key.
	Create(ctx context.Context, saga *domain.PaymentProcessingSagaState) error
	// Update persists saga when its stored version equals saga.Version and then
	// increments saga.Version. A mismatch returns eventsourcing.ErrConcurrencyConflict.
	Update(ctx context.Context, saga *domain.PaymentProcessingSagaState) error
	Get(ctx context.Context, correlationID uuid.UUID) (*domain.PaymentProcessingSagaState, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentProcessingSagaState, error)
	GetByPaymentID(ctx context.Context, paymentID domain.PaymentID) (*domain.PaymentProcessingSagaState, error)
	ListByStatus(ctx context.Context, status domain.SagaStatus, limit int) ([]*domain.PaymentProcessingSagaState, error)
}

// IdempotencyStore memoizes responses and processed message keys.
type IdempotencyStore interface {
	// GetCachedResponse returns ok=false on a cache miss.
	GetCachedResponse(ctx context.Context, key string) (response []byte, ok bool, err error)
	CacheResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error
	IsProcessed(ctx context.Context, key string) (bool, error)
	// MarkProcessed records key and reports false when it was already recorded.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget removes a processed-key marker so the message can be retried.
	Forget(ctx context.Context, key string) error
}

// Lock is a held mutual-exclusion lease.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants per-key locks across processes.
type Locker interface {
	// AcquireLock waits up to timeout for the lock. ok=false means the key is
	// busy and the caller should retry later.
	AcquireLock(ctx context.Context, key string, timeout time.Duration) (lock Lock, ok bool, err error)
}

// FraudReport is one scored payment for analytics.
type FraudReport struct {
	PaymentID     domain.PaymentID
	CorrelationID uuid.UUID
	CustomerID    string
	MerchantID    string
	Amount        domain.Money
	RiskLevel     domain.RiskLevel
	Score         float64
	Factors       []string
	Fallback      bool
	CheckedAt     time.Time
}

// FraudReportSink stores fraud reports. Writes are best-effort.
type FraudReportSink interface {
	Record(ctx context.Context, report FraudReport) error
}

// RateLimiterRepository counts requests per key in fixed windows.
type RateLimiterRepository interface {
	IsAllowed(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// InitiatePaymentRequest is the inbound request to start processing a payment.
type InitiatePaymentRequest struct {
	IdempotencyKey string `json:"-"`
	CustomerID     string `json:"customer_id"`
	MerchantID     string `json:"merchant_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	CardNumber     string `json:"card_number,omitempty"`
}

// InitiatePaymentResponse is returned synchronously; outcomes are queried later.
type InitiatePaymentResponse struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	PaymentID     domain.PaymentID  `json:"payment_id"`
	Status        domain.SagaStatus `json:"status"`
	Step          domain.SagaStep   `json:"step"`
	AcceptedAt    time.Time         `json:"accepted_at"`
}

// PaymentInitiator is the incoming port used by the HTTP front door.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req InitiatePaymentRequest) (InitiatePaymentResponse, error)
}

// PaymentQueries is the incoming read port over the Payment aggregate.
type PaymentQueries interface {
	GetByID(ctx context.Context, id domain.PaymentID) (*domain.Payment, error)
	GetStatus(ctx context.Context, id domain.PaymentID) (domain.PaymentState, error)
	Exists(ctx context.Context, id domain.PaymentID) (bool, error)
}

// SagaQueries is the incoming read port over saga state.
type SagaQueries interface {
	Get(ctx context.Context, correlationID uuid.UUID) (*domain.PaymentProcessingSagaState, error)
}

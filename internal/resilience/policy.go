package resilience

import (
	"context"
	"errors"
	"time"

	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffConstant    BackoffKind = "constant"
)

// Policy describes how calls of one operation class are retried, timed out and shed.
type Policy struct {
	Name            string
	MaxRetries      int
	Timeout         time.Duration
	Backoff         BackoffKind
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// The breaker opens when FailureRatio of at least MinRequests calls in
	// SamplingWindow failed, and stays open for BreakDuration.
	FailureRatio   float64
	MinRequests    uint32
	SamplingWindow time.Duration
	BreakDuration  time.Duration
}

var (
	EventStorePolicy = Policy{
		Name: "event_store", MaxRetries: 3, Timeout: 5 * time.Second,
		Backoff: BackoffExponential, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second,
		FailureRatio: 0.5, MinRequests: 10, SamplingWindow: 30 * time.Second, BreakDuration: 30 * time.Second,
	}
	// Fraud detection fails fast; the caller falls back to a conservative verdict.
	FraudDetectionPolicy = Policy{
		Name: "fraud_detection", MaxRetries: 1, Timeout: 3 * time.Second,
		Backoff: BackoffConstant, InitialInterval: 200 * time.Millisecond, MaxInterval: 200 * time.Millisecond,
		FailureRatio: 0.5, MinRequests: 10, SamplingWindow: 30 * time.Second, BreakDuration: 30 * time.Second,
	}
	SettlementPolicy = Policy{
		Name: "settlement", MaxRetries: 5, Timeout: 30 * time.Second,
		Backoff: BackoffExponential, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second,
		FailureRatio: 0.5, MinRequests: 10, SamplingWindow: time.Minute, BreakDuration: 30 * time.Second,
	}
	GatewayPolicy = Policy{
		Name: "gateway", MaxRetries: 3, Timeout: 10 * time.Second,
		Backoff: BackoffExponential, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second,
		FailureRatio: 0.5, MinRequests: 10, SamplingWindow: 30 * time.Second, BreakDuration: 30 * time.Second,
	}
)

// Override returns p with every non-zero field of c applied.
func (p Policy) Override(c config.PolicyConfig) Policy {
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.Timeout > 0 {
		p.Timeout = c.Timeout
	}
	if c.Backoff != "" {
		p.Backoff = BackoffKind(c.Backoff)
	}
	if c.InitialInterval > 0 {
		p.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		p.MaxInterval = c.MaxInterval
	}
	if c.FailureRatio > 0 {
		p.FailureRatio = c.FailureRatio
	}
	if c.MinRequests > 0 {
		p.MinRequests = c.MinRequests
	}
	if c.SamplingWindow > 0 {
		p.SamplingWindow = c.SamplingWindow
	}
	if c.BreakDuration > 0 {
		p.BreakDuration = c.BreakDuration
	}
	return p
}

// IsTransient reports whether err may succeed on retry. Caller errors,
// concurrency conflicts and missing entities are permanent.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsValidation(err),
		errors.Is(err, eventsourcing.ErrConcurrencyConflict),
		errors.Is(err, eventsourcing.ErrStreamNotFound),
		errors.Is(err, eventsourcing.ErrUnknownEventType),
		errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrSagaNotFound),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

func fastPolicy() Policy {
	return Policy{
		Name: "test", MaxRetries: 2, Timeout: time.Second,
		Backoff: BackoffConstant, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
		FailureRatio: 0.5, MinRequests: 4, SamplingWindow: time.Minute, BreakDuration: time.Minute,
	}
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	// --- Arrange ---
	p := NewPipeline(fastPolicy())
	calls := 0

	// --- Act ---
	got, err := Execute(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestExecute_DoesNotRetryPermanentErrors(t *testing.T) {
	p := NewPipeline(fastPolicy())
	calls := 0

	err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return &eventsourcing.ConcurrencyConflictError{StreamID: "s", Expected: 1, Actual: 2}
	})

	assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
	assert.Equal(t, 1, calls)
}

func TestExecute_GivesUpAfterMaxRetries(t *testing.T) {
	p := NewPipeline(fastPolicy())
	calls := 0

	err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 3, calls)
}

func TestExecute_AppliesPerCallTimeout(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 0
	policy.Timeout = 10 * time.Millisecond
	p := NewPipeline(policy)

	err := p.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_BreakerOpensAndSheds(t *testing.T) {
	// --- Arrange ---
	policy := fastPolicy()
	policy.MaxRetries = 0
	var transitions []gobreaker.State
	p := NewPipeline(policy, WithStateObserver(func(name string, from, to gobreaker.State) {
		transitions = append(transitions, to)
	}))
	failing := func(ctx context.Context) error { return errors.New("gateway down") }

	// --- Act ---
	for i := 0; i < 4; i++ {
		_ = p.Run(context.Background(), failing)
	}
	calls := 0
	err := p.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	// --- Assert ---
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(domain.ErrInvalidAmount))
	assert.False(t, IsTransient(&domain.StateTransitionError{State: domain.StateSettled, Operation: "flag"}))
	assert.False(t, IsTransient(eventsourcing.ErrStreamNotFound))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
}

func TestPolicy_Override(t *testing.T) {
	p := SettlementPolicy.Override(config.PolicyConfig{MaxRetries: 9, Backoff: "constant"})

	assert.Equal(t, 9, p.MaxRetries)
	assert.Equal(t, BackoffConstant, p.Backoff)
	assert.Equal(t, SettlementPolicy.Timeout, p.Timeout)
}

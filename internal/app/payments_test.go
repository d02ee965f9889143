package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/adapters/storage/memory"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
	"payment-orchestration-engine/internal/resilience"
)

type steppingClock struct{ now time.Time }

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newPaymentService(clock func() time.Time) *PaymentService {
	store := eventsourcing.NewStore(memory.NewEventLog(), domain.NewEventRegistry(),
		eventsourcing.WithSnapshots(memory.NewSnapshotStore(), 5),
		eventsourcing.WithLogger(discard),
		eventsourcing.WithClock(clock))
	return NewPaymentService(store, discard, clock)
}

func TestPaymentService_Queries(t *testing.T) {
	// --- Arrange ---
	clock := &steppingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newPaymentService(clock.Now)
	ctx := context.Background()
	id := domain.NewRandomPaymentID()

	p, err := svc.Create(ctx, id, domain.MustMoney("100", "USD"), domain.MustAccountID("A"), domain.MustAccountID("B"), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version())
	created := p.UpdatedAt()

	// --- Act ---
	_, err = svc.Execute(ctx, id, func(p *domain.Payment) error { return p.MarkAMLPassed("aml-v1") })
	require.NoError(t, err)
	_, err = svc.Execute(ctx, id, func(p *domain.Payment) error { return p.ReserveFunds(domain.NewRandomReservationID()) })
	require.NoError(t, err)

	// --- Assert ---
	state, err := svc.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReserved, state)

	exists, err := svc.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = svc.Exists(ctx, domain.NewRandomPaymentID())
	require.NoError(t, err)
	assert.False(t, exists)

	past, err := svc.GetAsOf(ctx, id, created)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequested, past.State())
	assert.Equal(t, 1, past.Version())

	history, err := svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.EventFundsReserved, history[2].EventType)

	_, err = svc.GetByID(ctx, domain.NewRandomPaymentID())
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestPaymentService_ExecuteRejectsIllegalTransition(t *testing.T) {
	svc := newPaymentService(time.Now)
	ctx := context.Background()
	id := domain.NewRandomPaymentID()
	_, err := svc.Create(ctx, id, domain.MustMoney("10", "EUR"), domain.MustAccountID("A"), domain.MustAccountID("B"), "")
	require.NoError(t, err)

	_, err = svc.Execute(ctx, id, func(p *domain.Payment) error {
		return p.Settle("card", "ext-1")
	})

	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	history, err := svc.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPaymentService_ReviewDecisionsAreIdempotent(t *testing.T) {
	svc := newPaymentService(time.Now)
	ctx := context.Background()
	id := domain.NewRandomPaymentID()
	_, err := svc.Create(ctx, id, domain.MustMoney("10", "EUR"), domain.MustAccountID("A"), domain.MustAccountID("B"), "")
	require.NoError(t, err)
	_, err = svc.Execute(ctx, id, func(p *domain.Payment) error { return p.Flag("velocity", "high") })
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		p, err := svc.ApproveAfterReview(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateReleased, p.State())
		assert.Equal(t, domain.ManualReleaseRuleSet, p.AMLRuleSet())
	}
	history, err := svc.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

// committedThenTimedOutLog stores the first append and reports it as failed,
// like a write whose acknowledgement was lost.
type committedThenTimedOutLog struct {
	eventsourcing.EventLog
	tripped bool
}

func (l *committedThenTimedOutLog) AppendEvents(ctx context.Context, streamID string, expectedVersion int, records []eventsourcing.Record) error {
	if err := l.EventLog.AppendEvents(ctx, streamID, expectedVersion, records); err != nil {
		return err
	}
	if !l.tripped {
		l.tripped = true
		return errors.New("i/o timeout")
	}
	return nil
}

func TestPaymentService_SaveNewAfterLostAcknowledgement(t *testing.T) {
	// --- Arrange ---
	flaky := &committedThenTimedOutLog{EventLog: memory.NewEventLog()}
	store := eventsourcing.NewStore(resilience.NewEventLog(flaky, fastPipeline("event-store")), domain.NewEventRegistry(),
		eventsourcing.WithLogger(discard))
	svc := NewPaymentService(store, discard, nil)
	ctx := context.Background()
	id := domain.NewRandomPaymentID()
	p, err := svc.Prepare(id, domain.MustMoney("100", "USD"), domain.MustAccountID("A"), domain.MustAccountID("B"), "order-1")
	require.NoError(t, err)

	// --- Act ---
	err = svc.SaveNew(ctx, p)

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, flaky.tripped)
	assert.Empty(t, p.UncommittedEvents())
	records, err := svc.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	t.Run("a different payment on the stream still conflicts", func(t *testing.T) {
		other, err := svc.Prepare(id, domain.MustMoney("250", "USD"), domain.MustAccountID("A"), domain.MustAccountID("B"), "order-2")
		require.NoError(t, err)

		err = svc.SaveNew(ctx, other)

		assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
	})
}

package eventsourcing_test

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
)

// steppingClock returns a clock that advances one minute per call.
func steppingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Minute)
		return current
	}
}

func newPayment(t *testing.T, opts ...domain.PaymentOption) *domain.Payment {
	t.Helper()
	p, err := domain.Create(domain.NewRandomPaymentID(), domain.MustMoney("100", "USD"),
		domain.MustAccountID("A"), domain.MustAccountID("B"), "ref", opts...)
	require.NoError(t, err)
	return p
}

// driveToSettled runs the flagged path: 6 events in total.
func driveToSettled(t *testing.T, p *domain.Payment) {
	t.Helper()
	require.NoError(t, p.Flag("velocity", "high"))
	require.NoError(t, p.MarkAMLPassed("aml-1"))
	require.NoError(t, p.ReserveFunds(domain.NewRandomReservationID()))
	require.NoError(t, p.Journal(domain.TransferEntries(p.PayerAccountID(), p.PayeeAccountID(), p.Amount())))
	require.NoError(t, p.Settle("ach", "ext-1"))
}

func load(ctx context.Context, store *eventsourcing.Store, id string, opts ...eventsourcing.LoadOption) (*domain.Payment, error) {
	return eventsourcing.LoadAggregate(ctx, store, id, func() *domain.Payment { return domain.NewPayment() }, opts...)
}

func snapshotJSON(t *testing.T, p *domain.Payment) string {
	t.Helper()
	b, err := p.Snapshot()
	require.NoError(t, err)
	return string(b)
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	store := eventsourcing.NewStore(memory.NewEventLog(), domain.NewEventRegistry())
	p := newPayment(t)
	driveToSettled(t, p)
	live := snapshotJSON(t, p)

	// --- Act ---
	require.NoError(t, store.SaveAggregate(ctx, p))
	loaded, err := load(ctx, store, p.AggregateID())

	// --- Assert ---
	require.NoError(t, err)
	assert.Empty(t, p.UncommittedEvents())
	assert.JSONEq(t, live, snapshotJSON(t, loaded))
	assert.Equal(t, 6, loaded.Version())
	assert.Equal(t, domain.StateSettled, loaded.State())

	events, err := store.GetEvents(ctx, p.AggregateID(), 1)
	require.NoError(t, err)
	var names []string
	for _, e := range events {
		names = append(names, e.EventType())
	}
	assert.Equal(t, []string{
		domain.EventPaymentRequested, domain.EventPaymentFlagged, domain.EventAMLPassed,
		domain.EventFundsReserved, domain.EventPaymentJournaled, domain.EventPaymentSettled,
	}, names)
}

func TestStore_LoadMissingStream(t *testing.T) {
	store := eventsourcing.NewStore(memory.NewEventLog(), domain.NewEventRegistry())

	_, err := load(context.Background(), store, domain.NewRandomPaymentID().String())

	assert.ErrorIs(t, err, eventsourcing.ErrStreamNotFound)
}

func TestStore_ConcurrentWriterGetsConflict(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	log := memory.NewEventLog()
	store := eventsourcing.NewStore(log, domain.NewEventRegistry())
	p := newPayment(t)
	require.NoError(t, store.SaveAggregate(ctx, p))

	first, err := load(ctx, store, p.AggregateID())
	require.NoError(t, err)
	second, err := load(ctx, store, p.AggregateID())
	require.NoError(t, err)

	// --- Act ---
	require.NoError(t, first.Flag("review", "high"))
	require.NoError(t, store.SaveAggregate(ctx, first))
	require.NoError(t, second.ReserveFunds(domain.NewRandomReservationID()))
	require.NoError(t, second.Journal(domain.TransferEntries(second.PayerAccountID(), second.PayeeAccountID(), second.Amount())))
	err = store.SaveAggregate(ctx, second)

	// --- Assert ---
	var conflict *eventsourcing.ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, conflict.Expected)
	assert.Equal(t, 2, conflict.Actual)
	assert.Len(t, second.UncommittedEvents(), 2, "buffer must survive a failed save")

	records, err := log.GetEvents(ctx, p.AggregateID(), 1)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_SnapshotEquivalence(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	log := memory.NewEventLog()
	snapshots := memory.NewSnapshotStore()
	store := eventsourcing.NewStore(log, domain.NewEventRegistry(), eventsourcing.WithSnapshots(snapshots, 5))
	p := newPayment(t)
	require.NoError(t, store.SaveAggregate(ctx, p))
	for _, step := range []func() error{
		func() error { return p.Flag("velocity", "high") },
		func() error { return p.MarkAMLPassed("aml-1") },
		func() error { return p.ReserveFunds(domain.NewRandomReservationID()) },
		func() error {
			return p.Journal(domain.TransferEntries(p.PayerAccountID(), p.PayeeAccountID(), p.Amount()))
		},
		func() error { return p.Settle("ach", "ext") },
		func() error { return p.MarkNotified("webhook") },
	} {
		require.NoError(t, step())
		require.NoError(t, store.SaveAggregate(ctx, p))
	}

	// --- Act ---
	fromSnapshot, err := load(ctx, store, p.AggregateID())
	require.NoError(t, err)
	fullReplay, err := load(ctx, store, p.AggregateID(), eventsourcing.WithoutSnapshot())
	require.NoError(t, err)

	// --- Assert ---
	assert.Equal(t, 1, snapshots.Count(p.AggregateID()))
	assert.JSONEq(t, snapshotJSON(t, fullReplay), snapshotJSON(t, fromSnapshot))
	assert.Equal(t, 7, fromSnapshot.Version())
	assert.Equal(t, fullReplay.Version(), fromSnapshot.Version())
}

func TestStore_CorruptSnapshotFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	snapshots := memory.NewSnapshotStore()
	store := eventsourcing.NewStore(memory.NewEventLog(), domain.NewEventRegistry(), eventsourcing.WithSnapshots(snapshots, 5))
	p := newPayment(t)
	driveToSettled(t, p)
	require.NoError(t, store.SaveAggregate(ctx, p))
	require.Equal(t, 1, snapshots.Count(p.AggregateID()))
	snapshots.Corrupt(p.AggregateID())

	loaded, err := load(ctx, store, p.AggregateID())

	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, loaded.State())
	assert.Equal(t, 6, loaded.Version())
}

func TestStore_AsOfReplaysHistory(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store := eventsourcing.NewStore(memory.NewEventLog(), domain.NewEventRegistry(),
		eventsourcing.WithSnapshots(memory.NewSnapshotStore(), 5))
	p := newPayment(t, domain.WithClock(steppingClock(start)))
	driveToSettled(t, p)
	require.NoError(t, store.SaveAggregate(ctx, p))

	// --- Act ---
	// events are stamped start+1m .. start+6m
	afterFlag, err := load(ctx, store, p.AggregateID(), eventsourcing.AsOf(start.Add(2*time.Minute)))
	require.NoError(t, err)
	afterReserve, err := load(ctx, store, p.AggregateID(), eventsourcing.AsOf(start.Add(4*time.Minute)))
	require.NoError(t, err)
	_, err = load(ctx, store, p.AggregateID(), eventsourcing.AsOf(start))

	// --- Assert ---
	assert.Equal(t, domain.StateFlagged, afterFlag.State())
	assert.Equal(t, 2, afterFlag.Version())
	assert.Equal(t, domain.StateReserved, afterReserve.State())
	assert.ErrorIs(t, err, eventsourcing.ErrStreamNotFound)
}

func TestStore_NoUncommittedEventsIsNoop(t *testing.T) {
	ctx := context.Background()
	store := eventsourcing.NewStore(memory.NewEventLog(), domain.NewEventRegistry())
	p := newPayment(t)
	require.NoError(t, store.SaveAggregate(ctx, p))

	assert.NoError(t, store.SaveAggregate(ctx, p))
}

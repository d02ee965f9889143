package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

func TestEventLog_ConflictWritesNothing(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	log := NewEventLog()
	require.NoError(t, log.AppendEvents(ctx, "s-1", eventsourcing.ExpectedVersionNew, []eventsourcing.Record{{EventType: "A"}}))

	// --- Act ---
	err := log.AppendEvents(ctx, "s-1", eventsourcing.ExpectedVersionNew, []eventsourcing.Record{{EventType: "B"}, {EventType: "C"}})

	// --- Assert ---
	assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
	records, err := log.GetEvents(ctx, "s-1", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A", records[0].EventType)
	assert.Equal(t, 1, records[0].Version)
}

func TestEventLog_GetEventsFromVersion(t *testing.T) {
	ctx := context.Background()
	log := NewEventLog()
	require.NoError(t, log.AppendEvents(ctx, "s", 0, []eventsourcing.Record{{EventType: "A"}, {EventType: "B"}, {EventType: "C"}}))

	records, err := log.GetEvents(ctx, "s", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Version)

	records, err = log.GetEvents(ctx, "s", 9)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSnapshotStore_LatestRespectsAsOf(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSnapshot(ctx, eventsourcing.Snapshot{StreamID: "s", Version: 5, LastEventAt: t0}))
	require.NoError(t, store.SaveSnapshot(ctx, eventsourcing.Snapshot{StreamID: "s", Version: 10, LastEventAt: t0.Add(time.Hour)}))

	latest, err := store.LatestSnapshot(ctx, "s", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Version)

	older, err := store.LatestSnapshot(ctx, "s", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 5, older.Version)

	none, err := store.LatestSnapshot(ctx, "other", time.Time{})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSagaRepository_CreateUpdate(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	repo := NewSagaRepository()
	saga := domain.NewPaymentSaga(uuid.New(), "idem-1", "A", "B", domain.MustMoney("10", "USD"), time.Now())

	// --- Act / Assert ---
	require.NoError(t, repo.Create(ctx, saga))
	dup := domain.NewPaymentSaga(uuid.New(), "idem-1", "A", "B", domain.MustMoney("10", "USD"), time.Now())
	assert.ErrorIs(t, repo.Create(ctx, dup), domain.ErrDuplicateRequest)

	stale, err := repo.Get(ctx, saga.CorrelationID)
	require.NoError(t, err)
	saga.CurrentStep = domain.StepFraudDetection
	require.NoError(t, repo.Update(ctx, saga))
	assert.Equal(t, 2, saga.Version)

	stale.CurrentStep = domain.StepSettling
	assert.ErrorIs(t, repo.Update(ctx, stale), eventsourcing.ErrConcurrencyConflict)

	byKey, err := repo.GetByIdempotencyKey(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepFraudDetection, byKey.CurrentStep)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewIdempotencyStore()

	_, ok, err := store.GetCachedResponse(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.CacheResponse(ctx, "k", []byte(`{"a":1}`), time.Minute))
	got, ok, err := store.GetCachedResponse(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(got))

	first, err := store.MarkProcessed(ctx, "m", time.Minute)
	require.NoError(t, err)
	second, err := store.MarkProcessed(ctx, "m", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	require.NoError(t, store.Forget(ctx, "m"))
	again, err := store.MarkProcessed(ctx, "m", time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestLocker_MutualExclusion(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	locker := NewLocker()
	lock, ok, err := locker.AcquireLock(ctx, "key", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// --- Act ---
	_, busy, err := locker.AcquireLock(ctx, "key", 20*time.Millisecond)

	// --- Assert ---
	require.NoError(t, err)
	assert.False(t, busy)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := false
	go func() {
		defer wg.Done()
		l, ok, err := locker.AcquireLock(ctx, "key", time.Second)
		if err == nil && ok {
			acquired = true
			_ = l.Release(ctx)
		}
	}()
	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))
	wg.Wait()
	assert.True(t, acquired)
}

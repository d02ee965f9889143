package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/eventsourcing"
)

// startPostgres runs a migrated PostgreSQL container, or skips the test when
// no container runtime is available.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("payments"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("warning: failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))

	pool, err := NewPool(ctx, dsn, 5)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", migrateURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("pgx5://h/db"))
}

func TestEventLog_Postgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	log := NewEventLog(pool)
	store := eventsourcing.NewStore(log, domain.NewEventRegistry(),
		eventsourcing.WithSnapshots(NewSnapshotStore(pool), 5))

	t.Run("round trip with snapshot", func(t *testing.T) {
		p, err := domain.Create(domain.NewRandomPaymentID(), domain.MustMoney("250.75", "EUR"),
			domain.MustAccountID("payer"), domain.MustAccountID("payee"), "inv-1")
		require.NoError(t, err)
		require.NoError(t, p.Flag("velocity", "high"))
		require.NoError(t, p.ReleaseAfterFlag())
		require.NoError(t, p.ReserveFunds(domain.NewRandomReservationID()))
		require.NoError(t, p.Journal(domain.TransferEntries(p.PayerAccountID(), p.PayeeAccountID(), p.Amount())))
		require.NoError(t, store.SaveAggregate(ctx, p))
		require.NoError(t, p.Settle("ach", "ext"))
		require.NoError(t, store.SaveAggregate(ctx, p))

		loaded, err := eventsourcing.LoadAggregate(ctx, store, p.AggregateID(), func() *domain.Payment { return domain.NewPayment() })
		require.NoError(t, err)
		full, err := eventsourcing.LoadAggregate(ctx, store, p.AggregateID(), func() *domain.Payment { return domain.NewPayment() }, eventsourcing.WithoutSnapshot())
		require.NoError(t, err)

		assert.Equal(t, domain.StateSettled, loaded.State())
		assert.Equal(t, 6, loaded.Version())
		assert.Equal(t, full.View(), loaded.View())
	})

	t.Run("conflict is all or nothing", func(t *testing.T) {
		stream := uuid.NewString()
		rec := func(name string) eventsourcing.Record {
			return eventsourcing.Record{EventType: name, SchemaVersion: 1, Data: []byte(`{}`), OccurredAt: time.Now()}
		}
		require.NoError(t, log.AppendEvents(ctx, stream, eventsourcing.ExpectedVersionNew, []eventsourcing.Record{rec("A")}))

		err := log.AppendEvents(ctx, stream, eventsourcing.ExpectedVersionNew, []eventsourcing.Record{rec("B"), rec("C")})
		assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)
		err = log.AppendEvents(ctx, stream, 3, []eventsourcing.Record{rec("B")})
		assert.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

		records, err := log.GetEvents(ctx, stream, 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "A", records[0].EventType)
	})
}

func TestSagaRepository_Postgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := NewSagaRepository(pool)

	saga := domain.NewPaymentSaga(uuid.New(), "idem-"+uuid.NewString(), "cust", "merch", domain.MustMoney("10", "USD"), time.Now().UTC())
	require.NoError(t, repo.Create(ctx, saga))
	assert.Equal(t, 1, saga.Version)

	dup := domain.NewPaymentSaga(uuid.New(), saga.IdempotencyKey, "cust", "merch", domain.MustMoney("10", "USD"), time.Now().UTC())
	assert.ErrorIs(t, repo.Create(ctx, dup), domain.ErrDuplicateRequest)

	pid := domain.NewRandomPaymentID()
	saga.PaymentID = &pid
	saga.CurrentStep = domain.StepFraudDetection
	saga.Record("SagaStarted", map[string]string{"payment_id": pid.String()}, time.Now().UTC())
	require.NoError(t, repo.Update(ctx, saga))
	assert.Equal(t, 2, saga.Version)

	stale, err := repo.GetByPaymentID(ctx, pid)
	require.NoError(t, err)
	stale.Version = 1
	assert.ErrorIs(t, repo.Update(ctx, stale), eventsourcing.ErrConcurrencyConflict)

	byKey, err := repo.GetByIdempotencyKey(ctx, saga.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFraudDetection, byKey.CurrentStep)
	assert.Len(t, byKey.Events, 1)

	running, err := repo.ListByStatus(ctx, domain.SagaRunning, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, running)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

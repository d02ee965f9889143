package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"payment-orchestration-engine/internal/eventsourcing"
)

// EventLog is the PostgreSQL implementation of eventsourcing.EventLog.
// event_streams holds the head version of each stream and serializes writers.
type EventLog struct {
	pool *pgxpool.Pool
}

func NewEventLog(pool *pgxpool.Pool) *EventLog {
	return &EventLog{pool: pool}
}

func (l *EventLog) AppendEvents(ctx context.Context, streamID string, expectedVersion int, records []eventsourcing.Record) error {
	if len(records) == 0 {
		return nil
	}
	newVersion := expectedVersion + len(records)

	err := withTransaction(ctx, l.pool, func(tx pgx.Tx) error {
		var tag int64
		if expectedVersion == eventsourcing.ExpectedVersionNew {
			ct, err := tx.Exec(ctx, `
				INSERT INTO event_streams (stream_id, version, updated_at)
				VALUES ($1, $2, now())
				ON CONFLICT (stream_id) DO NOTHING`,
				streamID, newVersion)
			if err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
			tag = ct.RowsAffected()
		} else {
			ct, err := tx.Exec(ctx, `
				UPDATE event_streams SET version = $3, updated_at = now()
				WHERE stream_id = $1 AND version = $2`,
				streamID, expectedVersion, newVersion)
			if err != nil {
				return fmt.Errorf("failed to advance stream: %w", err)
			}
			tag = ct.RowsAffected()
		}
		if tag == 0 {
			return l.conflict(ctx, tx, streamID, expectedVersion)
		}

		batch := &pgx.Batch{}
		for i, rec := range records {
			batch.Queue(`
				INSERT INTO events (stream_id, version, event_type, schema_version, data, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				streamID, expectedVersion+i+1, rec.EventType, rec.SchemaVersion, []byte(rec.Data), rec.OccurredAt.UTC())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert events: %w", err)
		}
		return nil
	})
	if isUniqueViolation(err) {
		return &eventsourcing.ConcurrencyConflictError{StreamID: streamID, Expected: expectedVersion, Actual: -1}
	}
	return err
}

func (l *EventLog) conflict(ctx context.Context, tx pgx.Tx, streamID string, expected int) error {
	var actual int
	err := tx.QueryRow(ctx, `SELECT version FROM event_streams WHERE stream_id = $1`, streamID).Scan(&actual)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read stream version: %w", err)
	}
	return &eventsourcing.ConcurrencyConflictError{StreamID: streamID, Expected: expected, Actual: actual}
}

func (l *EventLog) GetEvents(ctx context.Context, streamID string, fromVersion int) ([]eventsourcing.Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT version, event_type, schema_version, data, occurred_at
		FROM events
		WHERE stream_id = $1 AND version >= $2
		ORDER BY version`,
		streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []eventsourcing.Record
	for rows.Next() {
		rec := eventsourcing.Record{StreamID: streamID}
		var data []byte
		if err := rows.Scan(&rec.Version, &rec.EventType, &rec.SchemaVersion, &data, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Data = data
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

// SnapshotStore keeps aggregate snapshots in PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap eventsourcing.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (stream_id, version, data, last_event_at, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_id, version) DO UPDATE
		SET data = EXCLUDED.data, last_event_at = EXCLUDED.last_event_at, taken_at = EXCLUDED.taken_at`,
		snap.StreamID, snap.Version, snap.Data, snap.LastEventAt.UTC(), snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, streamID string, asOf time.Time) (*eventsourcing.Snapshot, error) {
	var bound *time.Time
	if !asOf.IsZero() {
		t := asOf.UTC()
		bound = &t
	}

	snap := eventsourcing.Snapshot{StreamID: streamID}
	err := s.pool.QueryRow(ctx, `
		SELECT version, data, last_event_at, taken_at
		FROM snapshots
		WHERE stream_id = $1 AND ($2::timestamptz IS NULL OR last_event_at <= $2)
		ORDER BY version DESC
		LIMIT 1`,
		streamID, bound).Scan(&snap.Version, &snap.Data, &snap.LastEventAt, &snap.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}

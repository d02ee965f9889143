package eventsourcing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSnapshotEvery is the number of persisted events between snapshots.
const DefaultSnapshotEvery = 5

// Store persists aggregates as event streams. Snapshots, when configured, only
// shorten replay; the event log stays authoritative.
type Store struct {
	log           EventLog
	snapshots     SnapshotStore
	snapshotEvery int
	registry      *Registry
	logger        *slog.Logger
	now           func() time.Time
}

type StoreOption func(*Store)

// WithSnapshots enables snapshotting every n persisted events.
func WithSnapshots(snapshots SnapshotStore, every int) StoreOption {
	return func(s *Store) {
		s.snapshots = snapshots
		if every > 0 {
			s.snapshotEvery = every
		}
	}
}

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(log EventLog, registry *Registry, opts ...StoreOption) *Store {
	s := &Store{
		log:           log,
		registry:      registry,
		snapshotEvery: DefaultSnapshotEvery,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "event_store")
	return s
}

// AppendEvents encodes events as versions expectedVersion+1.. and appends them atomically.
func (s *Store) AppendEvents(ctx context.Context, streamID string, expectedVersion int, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]Record, 0, len(events))
	for i, e := range events {
		rec, err := s.registry.Encode(streamID, expectedVersion+i+1, e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return s.log.AppendEvents(ctx, streamID, expectedVersion, records)
}

// GetEvents returns decoded events with version >= fromVersion.
func (s *Store) GetEvents(ctx context.Context, streamID string, fromVersion int) ([]Event, error) {
	records, err := s.log.GetEvents(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		e, err := s.registry.Decode(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Records returns the raw stored records of a stream.
func (s *Store) Records(ctx context.Context, streamID string) ([]Record, error) {
	return s.log.GetEvents(ctx, streamID, 1)
}

type loadOptions struct {
	asOf         time.Time
	skipSnapshot bool
}

type LoadOption func(*loadOptions)

// AsOf restricts replay to events created at or before t. Read paths only.
func AsOf(t time.Time) LoadOption {
	return func(o *loadOptions) { o.asOf = t }
}

// WithoutSnapshot forces a full replay from the first event.
func WithoutSnapshot() LoadOption {
	return func(o *loadOptions) { o.skipSnapshot = true }
}

// LoadAggregate rebuilds the aggregate with the given id. newFn must return an
// empty instance. It returns ErrStreamNotFound when no event qualifies.
func LoadAggregate[T Aggregate](ctx context.Context, s *Store, id string, newFn func() T, opts ...LoadOption) (T, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if s.snapshots != nil && !o.skipSnapshot {
		agg, ok, err := loadFromSnapshot(ctx, s, id, newFn, o.asOf)
		if err != nil {
			var zero T
			return zero, err
		}
		if ok {
			return agg, nil
		}
	}

	agg := newFn()
	records, err := s.log.GetEvents(ctx, id, 1)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load stream %s: %w", id, err)
	}
	if err := s.fold(agg, records, o.asOf); err != nil {
		var zero T
		return zero, err
	}
	if agg.Version() == 0 {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return agg, nil
}

// loadFromSnapshot reports ok=false whenever the snapshot path cannot be trusted,
// and the caller falls back to full replay.
func loadFromSnapshot[T Aggregate](ctx context.Context, s *Store, id string, newFn func() T, asOf time.Time) (T, bool, error) {
	var zero T
	snap, err := s.snapshots.LatestSnapshot(ctx, id, asOf)
	if err != nil {
		s.logger.Warn("snapshot lookup failed, replaying full stream", "stream_id", id, "error", err)
		return zero, false, nil
	}
	if snap == nil {
		return zero, false, nil
	}

	agg := newFn()
	if err := agg.RestoreSnapshot(snap.Data, snap.Version); err != nil {
		s.logger.Warn("corrupt snapshot, replaying full stream", "stream_id", id, "version", snap.Version, "error", err)
		return zero, false, nil
	}

	records, err := s.log.GetEvents(ctx, id, snap.Version+1)
	if err != nil {
		return zero, false, fmt.Errorf("load stream %s: %w", id, err)
	}
	if len(records) > 0 && records[0].Version != snap.Version+1 {
		s.logger.Warn("snapshot does not line up with stream, replaying full stream", "stream_id", id, "version", snap.Version)
		return zero, false, nil
	}
	if err := s.fold(agg, records, asOf); err != nil {
		s.logger.Warn("replay after snapshot failed, replaying full stream", "stream_id", id, "error", err)
		return zero, false, nil
	}
	return agg, true, nil
}

func (s *Store) fold(agg Aggregate, records []Record, asOf time.Time) error {
	for _, rec := range records {
		if !asOf.IsZero() && rec.OccurredAt.After(asOf) {
			continue
		}
		e, err := s.registry.Decode(rec)
		if err != nil {
			return err
		}
		if err := agg.Apply(e); err != nil {
			return fmt.Errorf("apply %s version %d: %w", rec.EventType, rec.Version, err)
		}
	}
	return nil
}

// SaveAggregate persists the uncommitted events of agg and clears them on success.
func (s *Store) SaveAggregate(ctx context.Context, agg Aggregate) error {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}
	expected := agg.Version() - len(events)
	if err := s.AppendEvents(ctx, agg.AggregateID(), expected, events); err != nil {
		return err
	}
	agg.ClearUncommittedEvents()

	if s.snapshots != nil && expected/s.snapshotEvery != agg.Version()/s.snapshotEvery {
		s.takeSnapshot(ctx, agg, events[len(events)-1].OccurredAt())
	}
	return nil
}

func (s *Store) takeSnapshot(ctx context.Context, agg Aggregate, lastEventAt time.Time) {
	data, err := agg.Snapshot()
	if err != nil {
		s.logger.Warn("failed to serialize snapshot", "stream_id", agg.AggregateID(), "error", err)
		return
	}
	snap := Snapshot{
		StreamID:    agg.AggregateID(),
		Version:     agg.Version(),
		Data:        data,
		LastEventAt: lastEventAt,
		TakenAt:     s.now().UTC(),
	}
	if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Warn("failed to save snapshot", "stream_id", snap.StreamID, "version", snap.Version, "error", err)
		return
	}
	s.logger.Debug("snapshot saved", "stream_id", snap.StreamID, "version", snap.Version)
}

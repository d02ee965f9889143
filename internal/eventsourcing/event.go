package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExpectedVersionNew is the expected version of a stream that has no events yet.
const ExpectedVersionNew = 0

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrUnknownEventType    = errors.New("unknown event type")
)

// ConcurrencyConflictError is returned when the expected version of a stream
// does not match its persisted version. Callers reload and retry.
type ConcurrencyConflictError struct {
	StreamID string
	Expected int
	Actual   int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d", e.StreamID, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Event is an immutable fact recorded in a stream.
type Event interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

// Aggregate is a consistency boundary rebuilt by folding its events.
type Aggregate interface {
	AggregateID() string
	// Version is the number of events ever applied, committed or not.
	Version() int
	UncommittedEvents() []Event
	ClearUncommittedEvents()
	// Apply folds a persisted event without buffering it.
	Apply(Event) error
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte, version int) error
}

// Record is the stored form of an event.
type Record struct {
	StreamID      string          `json:"stream_id"`
	Version       int             `json:"version"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Snapshot is a cached, non-authoritative projection of an aggregate at Version.
type Snapshot struct {
	StreamID    string
	Version     int
	Data        []byte
	LastEventAt time.Time
	TakenAt     time.Time
}

// EventLog is the append-only storage of event streams.
type EventLog interface {
	// AppendEvents writes all records atomically or none of them. It fails with
	// ErrConcurrencyConflict when expectedVersion differs from the stream's version.
	AppendEvents(ctx context.Context, streamID string, expectedVersion int, records []Record) error
	// GetEvents returns records with Version >= fromVersion in version order.
	GetEvents(ctx context.Context, streamID string, fromVersion int) ([]Record, error)
}

// SnapshotStore keeps the latest snapshots of a stream.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	// LatestSnapshot returns the newest snapshot whose LastEventAt is not after
	// asOf, or the newest overall when asOf is zero. It returns nil when none exists.
	LatestSnapshot(ctx context.Context, streamID string, asOf time.Time) (*Snapshot, error)
}

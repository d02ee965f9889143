package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"payment-orchestration-engine/internal/eventsourcing"
)

// EventLog is an in-process event log.
type EventLog struct {
	mu      sync.RWMutex
	streams map[string][]eventsourcing.Record
}

func NewEventLog() *EventLog {
	return &EventLog{streams: make(map[string][]eventsourcing.Record)}
}

func (l *EventLog) AppendEvents(ctx context.Context, streamID string, expectedVersion int, records []eventsourcing.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current := len(l.streams[streamID])
	if current != expectedVersion {
		return &eventsourcing.ConcurrencyConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}
	for i, rec := range records {
		rec.StreamID = streamID
		rec.Version = expectedVersion + i + 1
		rec.Data = append([]byte(nil), rec.Data...)
		l.streams[streamID] = append(l.streams[streamID], rec)
	}
	return nil
}

func (l *EventLog) GetEvents(ctx context.Context, streamID string, fromVersion int) ([]eventsourcing.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream := l.streams[streamID]
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > len(stream) {
		return nil, nil
	}
	out := make([]eventsourcing.Record, len(stream)-fromVersion+1)
	copy(out, stream[fromVersion-1:])
	return out, nil
}

// StreamIDs lists known streams in lexical order.
func (l *EventLog) StreamIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.streams))
	for id := range l.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SnapshotStore keeps every snapshot of every stream in memory.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]eventsourcing.Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string][]eventsourcing.Snapshot)}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot eventsourcing.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.Data = append([]byte(nil), snapshot.Data...)
	s.snapshots[snapshot.StreamID] = append(s.snapshots[snapshot.StreamID], snapshot)
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, streamID string, asOf time.Time) (*eventsourcing.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *eventsourcing.Snapshot
	for i := range s.snapshots[streamID] {
		snap := s.snapshots[streamID][i]
		if !asOf.IsZero() && snap.LastEventAt.After(asOf) {
			continue
		}
		if best == nil || snap.Version > best.Version {
			c := snap
			best = &c
		}
	}
	return best, nil
}

// Corrupt overwrites the data of every snapshot of streamID. Test helper.
func (s *SnapshotStore) Corrupt(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snapshots[streamID] {
		s.snapshots[streamID][i].Data = []byte("{corrupt")
	}
}

func (s *SnapshotStore) Count(streamID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[streamID])
}

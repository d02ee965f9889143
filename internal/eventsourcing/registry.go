package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Upcaster rewrites the payload of an event from one schema version to the next.
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

type registration struct {
	schemaVersion int
	decode        func(json.RawMessage) (Event, error)
	upcasters     map[int]Upcaster
}

// Registry maps event type names to their current schema version, decoder and
// upcasters. It is built once at startup and passed to the stores that need it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*registration)}
}

// Register adds event type T at the given schema version.
func Register[T Event](r *Registry, schemaVersion int) {
	var zero T
	name := zero.EventType()

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.types[name]
	if !ok {
		reg = &registration{upcasters: make(map[int]Upcaster)}
		r.types[name] = reg
	}
	reg.schemaVersion = schemaVersion
	reg.decode = func(data json.RawMessage) (Event, error) {
		var e T
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// RegisterUpcaster installs the migration of eventType from fromVersion to fromVersion+1.
func (r *Registry) RegisterUpcaster(eventType string, fromVersion int, up Upcaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.types[eventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	reg.upcasters[fromVersion] = up
	return nil
}

// SchemaVersion returns the current schema version of eventType.
func (r *Registry) SchemaVersion(eventType string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[eventType]
	if !ok {
		return 0, false
	}
	return reg.schemaVersion, true
}

// Encode turns an event into a record at the given stream version.
func (r *Registry) Encode(streamID string, version int, e Event) (Record, error) {
	schemaVersion, ok := r.SchemaVersion(e.EventType())
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType())
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	return Record{
		StreamID:      streamID,
		Version:       version,
		EventType:     e.EventType(),
		SchemaVersion: schemaVersion,
		Data:          data,
		OccurredAt:    e.OccurredAt(),
	}, nil
}

// Decode upcasts a record to the current schema and decodes it.
func (r *Registry) Decode(rec Record) (Event, error) {
	r.mu.RLock()
	reg, ok := r.types[rec.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, rec.EventType)
	}
	if rec.SchemaVersion > reg.schemaVersion {
		return nil, fmt.Errorf("event %s schema version %d is newer than supported %d", rec.EventType, rec.SchemaVersion, reg.schemaVersion)
	}

	data := rec.Data
	for v := rec.SchemaVersion; v < reg.schemaVersion; v++ {
		up, ok := reg.upcasters[v]
		if !ok {
			return nil, fmt.Errorf("no upcaster for %s from schema version %d", rec.EventType, v)
		}
		var err error
		if data, err = up(data); err != nil {
			return nil, fmt.Errorf("upcast %s from schema version %d: %w", rec.EventType, v, err)
		}
	}

	e, err := reg.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s version %d: %w", rec.EventType, rec.Version, err)
	}
	return e, nil
}

package resilience

import (
	"context"

	"payment-orchestration-engine/internal/eventsourcing"
)

// EventLog retries transient failures of the wrapped log. Concurrency
// conflicts pass straight through to the caller.
type EventLog struct {
	next     eventsourcing.EventLog
	pipeline *Pipeline
}

func NewEventLog(next eventsourcing.EventLog, pipeline *Pipeline) *EventLog {
	return &EventLog{next: next, pipeline: pipeline}
}

func (l *EventLog) AppendEvents(ctx context.Context, streamID string, expectedVersion int, records []eventsourcing.Record) error {
	return l.pipeline.Run(ctx, func(ctx context.Context) error {
		return l.next.AppendEvents(ctx, streamID, expectedVersion, records)
	})
}

func (l *EventLog) GetEvents(ctx context.Context, streamID string, fromVersion int) ([]eventsourcing.Record, error) {
	return Execute(ctx, l.pipeline, func(ctx context.Context) ([]eventsourcing.Record, error) {
		return l.next.GetEvents(ctx, streamID, fromVersion)
	})
}

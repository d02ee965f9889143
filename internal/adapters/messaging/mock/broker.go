package mock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"payment-orchestration-engine/internal/core/messages"
)

// ScheduledMessage is a message waiting for its due time.
type ScheduledMessage struct {
	Message messages.Message
	At      time.Time
}

// Deliver receives messages from the bus.
type Deliver func(ctx context.Context, msg messages.Message) error

// Bus is an in-process MessageBus. It records everything it is given and,
// when a Deliver func is attached, hands messages to it asynchronously.
type Bus struct {
	mu        sync.Mutex
	sent      []messages.Message
	published []messages.Message
	scheduled []ScheduledMessage
	deliver   Deliver
	logger    *slog.Logger
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	// SendErr, when set, is returned by Send, Publish and Schedule.
	SendErr error
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "mock-bus"), done: make(chan struct{})}
}

// Attach routes future messages to deliver.
func (b *Bus) Attach(deliver Deliver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
}

func (b *Bus) Send(ctx context.Context, msg messages.Message) error {
	b.mu.Lock()
	if b.SendErr != nil {
		b.mu.Unlock()
		return b.SendErr
	}
	b.sent = append(b.sent, msg)
	deliver := b.deliver
	b.mu.Unlock()

	b.logger.Debug("command sent", "message", msg.MessageName(), "idempotency_key", msg.Key())
	b.dispatch(deliver, msg, 0)
	return nil
}

func (b *Bus) Publish(ctx context.Context, msg messages.Message) error {
	b.mu.Lock()
	if b.SendErr != nil {
		b.mu.Unlock()
		return b.SendErr
	}
	b.published = append(b.published, msg)
	deliver := b.deliver
	b.mu.Unlock()

	b.logger.Debug("event published", "message", msg.MessageName(), "idempotency_key", msg.Key())
	b.dispatch(deliver, msg, 0)
	return nil
}

func (b *Bus) Schedule(ctx context.Context, msg messages.Message, at time.Time) error {
	b.mu.Lock()
	if b.SendErr != nil {
		b.mu.Unlock()
		return b.SendErr
	}
	b.scheduled = append(b.scheduled, ScheduledMessage{Message: msg, At: at})
	deliver := b.deliver
	b.mu.Unlock()

	b.logger.Debug("message scheduled", "message", msg.MessageName(), "at", at)
	b.dispatch(deliver, msg, time.Until(at))
	return nil
}

func (b *Bus) dispatch(deliver Deliver, msg messages.Message, delay time.Duration) {
	if deliver == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-b.done:
				return
			case <-timer.C:
			}
		}
		if err := deliver(context.Background(), msg); err != nil {
			b.logger.Error("in-process delivery failed", "message", msg.MessageName(), "error", err)
		}
	}()
}

// Sent returns a copy of the commands sent so far.
func (b *Bus) Sent() []messages.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messages.Message(nil), b.sent...)
}

func (b *Bus) Published() []messages.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messages.Message(nil), b.published...)
}

func (b *Bus) Scheduled() []ScheduledMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ScheduledMessage(nil), b.scheduled...)
}

// SentNamed returns the sent commands called name.
func (b *Bus) SentNamed(name string) []messages.Message {
	return filterNamed(b.Sent(), name)
}

func (b *Bus) PublishedNamed(name string) []messages.Message {
	return filterNamed(b.Published(), name)
}

func filterNamed(in []messages.Message, name string) []messages.Message {
	var out []messages.Message
	for _, m := range in {
		if m.MessageName() == name {
			out = append(out, m)
		}
	}
	return out
}

// Close drops pending scheduled deliveries and waits for in-flight ones.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

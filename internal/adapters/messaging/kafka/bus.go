package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/messages"
)

// HeaderMessageName carries the message name so consumers can route without decoding.
const HeaderMessageName = "message_name"

// Topics names the topics the bus writes to.
type Topics struct {
	Commands      string
	Events        string
	Notifications string
	DLQ           string
}

// Scheduler stores delayed messages until they are due.
type Scheduler interface {
	Add(ctx context.Context, msg messages.Message, at time.Time) error
}

// Bus is the Kafka implementation of the MessageBus port.
type Bus struct {
	client    *kgo.Client
	codec     *messages.Codec
	topics    Topics
	scheduler Scheduler
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewClient creates a franz-go client and checks the connection.
func NewClient(ctx context.Context, brokers []string, opts ...kgo.Opt) (*kgo.Client, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(10 * time.Second),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	return client, nil
}

// NewBus creates a bus over an existing client.
func NewBus(client *kgo.Client, topics Topics, codec *messages.Codec, scheduler Scheduler, logger *slog.Logger) *Bus {
	return &Bus{
		client:    client,
		codec:     codec,
		topics:    topics,
		scheduler: scheduler,
		logger:    logger.With("component", "kafka-bus"),
	}
}

func (b *Bus) record(topic string, msg messages.Message) (*kgo.Record, error) {
	payload, err := b.codec.Encode(msg, time.Now())
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(msg.Correlation().String()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderMessageName, Value: []byte(msg.MessageName())},
		},
	}, nil
}

func (b *Bus) produceSync(ctx context.Context, topic string, msg messages.Message) error {
	rec, err := b.record(topic, msg)
	if err != nil {
		return err
	}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("%w: produce %s to %s: %v", domain.ErrBrokerUnavailable, msg.MessageName(), topic, err)
	}
	return nil
}

// Send writes a command to the command topic. Records are keyed by
// correlation id so one saga's commands stay ordered.
func (b *Bus) Send(ctx context.Context, msg messages.Message) error {
	return b.produceSync(ctx, b.topics.Commands, msg)
}

// Publish writes an event. Notifications are sent asynchronously and only logged on failure.
func (b *Bus) Publish(ctx context.Context, msg messages.Message) error {
	if msg.MessageName() != messages.NamePaymentNotification {
		return b.produceSync(ctx, b.topics.Events, msg)
	}

	rec, err := b.record(b.topics.Notifications, msg)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	b.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		defer b.wg.Done()
		if err != nil {
			b.logger.Error("failed to deliver notification to kafka", "topic", r.Topic, "error", err)
			return
		}
		b.logger.Debug("notification delivered to kafka", "topic", r.Topic, "partition", r.Partition, "offset", r.Offset)
	})
	return nil
}

func (b *Bus) Schedule(ctx context.Context, msg messages.Message, at time.Time) error {
	if err := b.scheduler.Add(ctx, msg, at); err != nil {
		return fmt.Errorf("%w: schedule %s: %v", domain.ErrBrokerUnavailable, msg.MessageName(), err)
	}
	return nil
}

// Close waits for in-flight notifications and flushes the client.
func (b *Bus) Close() {
	b.logger.Info("waiting for kafka deliveries to finish")
	b.wg.Wait()
	b.client.Close()
	b.logger.Info("kafka client stopped")
}

package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/resilience"
)

// DLQ header keys.
const (
	HeaderErrorType     = "error_type"
	HeaderErrorString   = "error_string"
	HeaderOriginalTopic = "original_topic"
)

const (
	ErrorTypeUnmarshal = "unmarshal_error"
	ErrorTypeHandler   = "handler_error"
)

// Handler processes one decoded message.
type Handler func(ctx context.Context, msg messages.Message) error

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Consumer reads messages from a consumer group and hands them to a Handler.
// Messages that cannot be decoded, or whose handler keeps failing, go to the DLQ.
type Consumer struct {
	client      *kgo.Client
	dlq         producer
	dlqTopic    string
	codec       *messages.Codec
	logger      *slog.Logger
	maxAttempts uint
	retryWait   time.Duration
}

// ConsumerOptions returns the client options for a manual-commit group consumer.
func ConsumerOptions(group string, topics ...string) []kgo.Opt {
	return []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	}
}

// NewConsumer wraps a client created with ConsumerOptions. The same client produces to the DLQ.
func NewConsumer(client *kgo.Client, dlqTopic string, codec *messages.Codec, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:      client,
		dlq:         client,
		dlqTopic:    dlqTopic,
		codec:       codec,
		logger:      logger.With("component", "kafka-consumer"),
		maxAttempts: 3,
		retryWait:   200 * time.Millisecond,
	}
}

// Run polls until ctx is cancelled, committing offsets after each batch.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.logger.Info("consumer started", "dlq_topic", c.dlqTopic)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return nil
		}

		fetches.EachError(func(t string, p int32, err error) {
			c.logger.Error("failed to read from kafka", "topic", t, "partition", p, "error", err)
		})
		fetches.EachRecord(func(record *kgo.Record) {
			c.process(ctx, record, handle)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("failed to commit offsets", "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record, handle Handler) {
	msg, env, err := c.codec.Decode(record.Value)
	if err != nil {
		c.logger.Error("failed to decode message, sending to DLQ", "topic", record.Topic, "offset", record.Offset, "error", err)
		c.sendToDLQ(ctx, record, ErrorTypeUnmarshal, err)
		return
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := handle(ctx, msg)
		if err != nil && !resilience.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryWait)),
		backoff.WithMaxTries(c.maxAttempts),
	)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	c.logger.Error("handler failed, sending to DLQ",
		"message", env.Name,
		"correlation_id", env.CorrelationID,
		"idempotency_key", env.IdempotencyKey,
		"error", err,
	)
	c.sendToDLQ(ctx, record, ErrorTypeHandler, err)
}

// DLQRecord copies original and annotates it with the failure.
func DLQRecord(topic string, original *kgo.Record, errorType string, cause error) *kgo.Record {
	headers := append([]kgo.RecordHeader(nil), original.Headers...)
	headers = append(headers,
		kgo.RecordHeader{Key: HeaderErrorType, Value: []byte(errorType)},
		kgo.RecordHeader{Key: HeaderErrorString, Value: []byte(cause.Error())},
		kgo.RecordHeader{Key: HeaderOriginalTopic, Value: []byte(original.Topic)},
	)
	return &kgo.Record{
		Topic:   topic,
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	}
}

func (c *Consumer) sendToDLQ(ctx context.Context, original *kgo.Record, errorType string, cause error) {
	rec := DLQRecord(c.dlqTopic, original, errorType, cause)
	if err := c.dlq.ProduceSync(context.WithoutCancel(ctx), rec).FirstErr(); err != nil {
		c.logger.Error("failed to send message to DLQ, message lost",
			"original_topic", original.Topic, "offset", original.Offset, "error", err)
	}
}

// Header returns the value of key, or "N/A" when absent.
func Header(headers []kgo.RecordHeader, key string) string {
	for i := len(headers) - 1; i >= 0; i-- {
		if headers[i].Key == key {
			return string(headers[i].Value)
		}
	}
	return "N/A"
}

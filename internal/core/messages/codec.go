package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownMessage = errors.New("unknown message")

// Envelope is the wire form of a message.
type Envelope struct {
	Name           string          `json:"name"`
	CorrelationID  uuid.UUID       `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	SentAt         time.Time       `json:"sent_at"`
	Payload        json.RawMessage `json:"payload"`
}

// Codec encodes messages into envelopes and back.
type Codec struct {
	decoders map[string]func(json.RawMessage) (Message, error)
}

// NewCodec returns a codec that knows every message of this package.
func NewCodec() *Codec {
	c := &Codec{decoders: make(map[string]func(json.RawMessage) (Message, error))}
	register[RunFraudCheck](c)
	register[FraudCheckCompleted](c)
	register[ReserveFunds](c)
	register[SettlePayment](c)
	register[SagaTimeout](c)
	register[CancelPayment](c)
	register[RequestManualReview](c)
	register[ManualReviewRequested](c)
	register[PaymentProcessingCompleted](c)
	register[PaymentProcessingFailed](c)
	register[PaymentNotification](c)
	return c
}

func register[T Message](c *Codec) {
	var zero T
	c.decoders[zero.MessageName()] = func(data json.RawMessage) (Message, error) {
		var m T
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
}

func (c *Codec) Encode(msg Message, sentAt time.Time) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageName(), err)
	}
	return json.Marshal(Envelope{
		Name:           msg.MessageName(),
		CorrelationID:  msg.Correlation(),
		IdempotencyKey: msg.Key(),
		SentAt:         sentAt.UTC(),
		Payload:        payload,
	})
}

// Decode returns the message held by data as a value type.
func (c *Codec) Decode(data []byte) (Message, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	decode, ok := c.decoders[env.Name]
	if !ok {
		return nil, env, fmt.Errorf("%w: %s", ErrUnknownMessage, env.Name)
	}
	msg, err := decode(env.Payload)
	if err != nil {
		return nil, env, fmt.Errorf("unmarshal %s: %w", env.Name, err)
	}
	return msg, env, nil
}

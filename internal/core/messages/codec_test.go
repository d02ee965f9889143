package messages

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/core/domain"
)

func TestCodec_RoundTripKeepsIdentifiers(t *testing.T) {
	// --- Arrange ---
	codec := NewCodec()
	msg := FraudCheckCompleted{
		Header:    NewHeader(uuid.New(), "key-1-fraud"),
		PaymentID: domain.NewRandomPaymentID(),
		Result:    domain.FraudResult{RiskLevel: domain.RiskHigh, Score: 0.82, Factors: []string{"velocity"}, Confidence: 1},
	}

	// --- Act ---
	data, err := codec.Encode(msg, time.Now())
	require.NoError(t, err)
	decoded, env, err := codec.Decode(data)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, NameFraudCheckCompleted, env.Name)
	assert.Equal(t, msg.CorrelationID, env.CorrelationID)
	assert.Equal(t, "key-1-fraud", env.IdempotencyKey)
	assert.Equal(t, msg, decoded)
}

func TestCodec_FailedEventWithoutPayment(t *testing.T) {
	codec := NewCodec()
	msg := PaymentProcessingFailed{
		Header:                 NewHeader(uuid.New(), "k-failed"),
		Reason:                 "settlement declined",
		ReconciliationRequired: true,
		FailedAt:               time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := codec.Encode(msg, time.Now())
	require.NoError(t, err)
	decoded, _, err := codec.Decode(data)

	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestCodec_UnknownMessage(t *testing.T) {
	_, _, err := NewCodec().Decode([]byte(`{"name":"Nope","payload":{}}`))

	assert.ErrorIs(t, err, ErrUnknownMessage)
}

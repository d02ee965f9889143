package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/eventsourcing"
)

func TestIdentifiers_RejectNilUUID(t *testing.T) {
	_, err := NewPaymentID(uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = NewReservationID(uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = NewLedgerEntryID(uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = ParsePaymentID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestIdentifiers_TextRoundTrip(t *testing.T) {
	id := NewRandomPaymentID()

	b, err := json.Marshal(id)
	require.NoError(t, err)
	var decoded PaymentID
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, id, decoded)
}

func TestAccountID(t *testing.T) {
	_, err := NewAccountID("   ")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = NewAccountID(strings.Repeat("x", 51))
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	id, err := NewAccountID(" acct-1 ")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", id.String())
}

func TestMoney(t *testing.T) {
	_, err := NewMoneyFromString("10", "usd")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
	_, err = NewMoneyFromString("ten", "USD")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	a := MustMoney("100.00", "USD")
	assert.True(t, a.Equal(MustMoney("100", "USD")))
	assert.False(t, a.Equal(MustMoney("100", "EUR")))

	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"100","currency":"USD"}`, string(b))
	var decoded Money
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.True(t, a.Equal(decoded))
}

func TestRiskLevel_MappingTable(t *testing.T) {
	assert.Equal(t, DecisionProceed, RiskLow.Decision())
	assert.Equal(t, DecisionProceed, RiskMedium.Decision())
	assert.Equal(t, DecisionManualReview, RiskHigh.Decision())
	assert.Equal(t, DecisionCancel, RiskBlocked.Decision())
	assert.Equal(t, DecisionManualReview, RiskUnknown.Decision())
	assert.Equal(t, "critical", RiskBlocked.Severity())

	level, err := ParseRiskLevel("blocked")
	require.NoError(t, err)
	assert.Equal(t, RiskBlocked, level)

	var result FraudResult
	require.NoError(t, json.Unmarshal([]byte(`{"risk_level":"High","score":0.8,"confidence":1}`), &result))
	assert.Equal(t, RiskHigh, result.RiskLevel)
}

func TestCardFingerprint(t *testing.T) {
	hash, err := CardFingerprint("4111 1111 1111 1111")
	require.NoError(t, err)
	assert.Len(t, hash, 64)
	assert.NotContains(t, hash, "4111")

	_, err = CardFingerprint("4111111111111112")
	assert.ErrorIs(t, err, ErrInvalidCard)
	_, err = CardFingerprint("1234")
	assert.ErrorIs(t, err, ErrInvalidCard)
}

func TestEventRegistry_UpcastsFlaggedWithoutSeverity(t *testing.T) {
	registry := NewEventRegistry()
	id := NewRandomPaymentID()
	rec := eventsourcing.Record{
		StreamID:      id.String(),
		Version:       2,
		EventType:     EventPaymentFlagged,
		SchemaVersion: 0,
		Data:          json.RawMessage(`{"payment_id":"` + id.String() + `","created_at":"2024-01-01T00:00:00Z","reason":"legacy"}`),
	}

	e, err := registry.Decode(rec)

	require.NoError(t, err)
	flagged, ok := e.(PaymentFlagged)
	require.True(t, ok)
	assert.Equal(t, "medium", flagged.Severity)
	assert.Equal(t, "legacy", flagged.Reason)
	assert.Equal(t, id, flagged.PaymentID)
}

func TestSagaState_CloneIsDeep(t *testing.T) {
	s := NewPaymentSaga(uuid.New(), "key-1", "A", "B", MustMoney("10", "USD"), mustTime(t))
	s.Record("Started", map[string]string{"k": "v"}, mustTime(t))
	s.FraudResult = &FraudResult{RiskLevel: RiskLow, Factors: []string{"ok"}}

	c := s.Clone()
	c.Record("More", nil, mustTime(t))
	c.FraudResult.Factors[0] = "changed"

	assert.Len(t, s.Events, 1)
	assert.Equal(t, "ok", s.FraudResult.Factors[0])
	assert.Equal(t, "key-1-settle", s.FollowOnKey(KeySuffixSettle))
	assert.False(t, s.IsTerminal())
	assert.True(t, SagaAwaitingManualReview.IsTerminal())
}

func mustTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2024-03-01T12:00:00Z")
	require.NoError(t, err)
	return ts
}

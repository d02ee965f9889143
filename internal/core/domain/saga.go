package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SagaStep is the orchestration step a payment-processing saga is in.
type SagaStep string

const (
	StepInitiating            SagaStep = "Initiating"
	StepFraudDetection        SagaStep = "FraudDetection"
	StepProcessingFraudResult SagaStep = "ProcessingFraudResult"
	StepReserving             SagaStep = "Reserving"
	StepCancellingDueToFraud  SagaStep = "CancellingDueToFraud"
	StepAwaitingManualReview  SagaStep = "AwaitingManualReview"
	StepSettling              SagaStep = "Settling"
	StepNotifyingCompletion   SagaStep = "NotifyingCompletion"
	StepCompleted             SagaStep = "Completed"
	StepFailed                SagaStep = "Failed"
	StepTimedOut              SagaStep = "TimedOut"
	StepCompensating          SagaStep = "Compensating"
)

// SagaStatus is the business outcome reported for a saga.
type SagaStatus string

const (
	SagaRunning              SagaStatus = "Running"
	SagaCompleted            SagaStatus = "Completed"
	SagaFailed               SagaStatus = "Failed"
	SagaTimedOut             SagaStatus = "TimedOut"
	SagaCancelledDueToFraud  SagaStatus = "CancelledDueToFraud"
	SagaAwaitingManualReview SagaStatus = "AwaitingManualReview"
)

// IsTerminal reports whether the orchestration engine is done with the saga.
// AwaitingManualReview is terminal here; the payment itself waits for a reviewer.
func (s SagaStatus) IsTerminal() bool {
	return s != SagaRunning && s != ""
}

// Follow-on idempotency key suffixes.
const (
	KeySuffixFraud         = "fraud"
	KeySuffixReserve       = "reserve"
	KeySuffixSettle        = "settle"
	KeySuffixCancelFraud   = "cancel-fraud"
	KeySuffixCancelTimeout = "cancel-timeout"
	KeySuffixReview        = "review"
	KeySuffixNotify        = "notify"
	KeySuffixTimeout       = "timeout"
	KeySuffixReviewTimeout = "timeout-review"
	KeySuffixCompleted     = "completed"
	KeySuffixFailed        = "failed"
)

// SagaAuditEntry is one decision recorded by the saga.
type SagaAuditEntry struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PaymentProcessingSagaState is the persisted state of one payment-processing attempt.
type PaymentProcessingSagaState struct {
	CorrelationID  uuid.UUID        `json:"correlation_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CustomerID     string           `json:"customer_id"`
	MerchantID     string           `json:"merchant_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	Reference      string           `json:"reference,omitempty"`
	CardHash       string           `json:"card_hash,omitempty"`
	CurrentStep    SagaStep         `json:"current_step"`
	Status         SagaStatus       `json:"status"`
	PaymentID      *PaymentID       `json:"payment_id,omitempty"`
	ReservationID  *ReservationID   `json:"reservation_id,omitempty"`
	ReservedAmount *decimal.Decimal `json:"reserved_amount,omitempty"`
	SettledAmount  *decimal.Decimal `json:"settled_amount,omitempty"`
	FraudResult    *FraudResult     `json:"fraud_result,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	Events         []SagaAuditEntry `json:"events"`
	// Version guards concurrent saga updates.
	Version int `json:"version"`
}

// NewPaymentSaga returns a saga in the Initiating step.
func NewPaymentSaga(correlationID uuid.UUID, idempotencyKey, customerID, merchantID string, amount Money, startedAt time.Time) *PaymentProcessingSagaState {
	return &PaymentProcessingSagaState{
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
		CustomerID:     customerID,
		MerchantID:     merchantID,
		Amount:         amount.Amount(),
		Currency:       amount.Currency().Code(),
		CurrentStep:    StepInitiating,
		Status:         SagaRunning,
		StartedAt:      startedAt,
	}
}

// FollowOnKey derives the idempotency key of a command issued by this saga.
func (s *PaymentProcessingSagaState) FollowOnKey(suffix string) string {
	return s.IdempotencyKey + "-" + suffix
}

func (s *PaymentProcessingSagaState) Money() (Money, error) {
	cur, err := NewCurrency(s.Currency)
	if err != nil {
		return Money{}, err
	}
	return NewMoney(s.Amount, cur), nil
}

// Record appends an audit entry. A payload that cannot be encoded is stored as its error.
func (s *PaymentProcessingSagaState) Record(name string, payload any, at time.Time) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			b, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
		}
		raw = b
	}
	s.Events = append(s.Events, SagaAuditEntry{Name: name, Payload: raw, Timestamp: at})
}

// Finish moves the saga to a terminal status.
func (s *PaymentProcessingSagaState) Finish(step SagaStep, status SagaStatus, at time.Time) {
	s.CurrentStep = step
	s.Status = status
	t := at
	s.CompletedAt = &t
}

// FailWith records a terminal failure.
func (s *PaymentProcessingSagaState) FailWith(step SagaStep, status SagaStatus, reason string, at time.Time) {
	s.FailureReason = reason
	s.Finish(step, status, at)
}

func (s *PaymentProcessingSagaState) IsTerminal() bool { return s.Status.IsTerminal() }

// Clone returns a deep copy so handlers can retry from the persisted state.
func (s *PaymentProcessingSagaState) Clone() *PaymentProcessingSagaState {
	c := *s
	c.Events = append([]SagaAuditEntry(nil), s.Events...)
	if s.PaymentID != nil {
		id := *s.PaymentID
		c.PaymentID = &id
	}
	if s.ReservationID != nil {
		id := *s.ReservationID
		c.ReservationID = &id
	}
	if s.ReservedAmount != nil {
		d := *s.ReservedAmount
		c.ReservedAmount = &d
	}
	if s.SettledAmount != nil {
		d := *s.SettledAmount
		c.SettledAmount = &d
	}
	if s.FraudResult != nil {
		fr := *s.FraudResult
		fr.Factors = append([]string(nil), s.FraudResult.Factors...)
		fr.Recommendations = append([]string(nil), s.FraudResult.Recommendations...)
		c.FraudResult = &fr
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

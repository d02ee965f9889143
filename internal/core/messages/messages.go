package messages

import (
	"time"

	"github.com/google/uuid"

	"payment-orchestration-engine/internal/core/domain"
)

// Message is a command or event carried by the bus.
type Message interface {
	MessageName() string
	Correlation() uuid.UUID
	// Key is the idempotency key that deduplicates redeliveries.
	Key() string
}

// Header is embedded by every message.
type Header struct {
	CorrelationID  uuid.UUID `json:"correlation_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (h Header) Correlation() uuid.UUID { return h.CorrelationID }
func (h Header) Key() string            { return h.IdempotencyKey }

func NewHeader(correlationID uuid.UUID, idempotencyKey string) Header {
	return Header{CorrelationID: correlationID, IdempotencyKey: idempotencyKey}
}

const (
	NameRunFraudCheck              = "RunFraudCheck"
	NameFraudCheckCompleted        = "FraudCheckCompleted"
	NameReserveFunds               = "ReserveFunds"
	NameSettlePayment              = "SettlePayment"
	NameSagaTimeout                = "SagaTimeout"
	NameCancelPayment              = "CancelPayment"
	NameRequestManualReview        = "RequestManualReview"
	NameManualReviewRequested      = "ManualReviewRequested"
	NamePaymentProcessingCompleted = "PaymentProcessingCompleted"
	NamePaymentProcessingFailed    = "PaymentProcessingFailed"
	NamePaymentNotification        = "PaymentNotification"
)

// RunFraudCheck asks the scorer for a verdict on a payment.
type RunFraudCheck struct {
	Header
	PaymentID  domain.PaymentID `json:"payment_id"`
	Amount     domain.Money     `json:"amount"`
	CustomerID string           `json:"customer_id"`
	MerchantID string           `json:"merchant_id"`
	CardHash   string           `json:"card_hash,omitempty"`
}

func (RunFraudCheck) MessageName() string { return NameRunFraudCheck }

type FraudCheckCompleted struct {
	Header
	PaymentID domain.PaymentID   `json:"payment_id"`
	Result    domain.FraudResult `json:"result"`
}

func (FraudCheckCompleted) MessageName() string { return NameFraudCheckCompleted }

// ReserveFunds asks the saga to reserve the payment amount at the processor.
type ReserveFunds struct {
	Header
	PaymentID domain.PaymentID `json:"payment_id"`
	Amount    domain.Money     `json:"amount"`
}

func (ReserveFunds) MessageName() string { return NameReserveFunds }

type SettlePayment struct {
	Header
	PaymentID domain.PaymentID `json:"payment_id"`
}

func (SettlePayment) MessageName() string { return NameSettlePayment }

// SagaTimeout fires when a saga has not finished within its deadline.
type SagaTimeout struct {
	Header
	Deadline time.Time `json:"deadline"`
}

func (SagaTimeout) MessageName() string { return NameSagaTimeout }

type CancelPayment struct {
	Header
	PaymentID domain.PaymentID `json:"payment_id"`
	Reason    string           `json:"reason"`
	By        string           `json:"by"`
}

func (CancelPayment) MessageName() string { return NameCancelPayment }

type RequestManualReview struct {
	Header
	PaymentID   domain.PaymentID   `json:"payment_id"`
	FraudResult domain.FraudResult `json:"fraud_result"`
	Reason      string             `json:"reason"`
}

func (RequestManualReview) MessageName() string { return NameRequestManualReview }

// ManualReviewRequested acknowledges that a review case was opened.
type ManualReviewRequested struct {
	Header
	PaymentID domain.PaymentID `json:"payment_id"`
	CaseRef   string           `json:"case_ref"`
	QueuedAt  time.Time        `json:"queued_at"`
}

func (ManualReviewRequested) MessageName() string { return NameManualReviewRequested }

type PaymentProcessingCompleted struct {
	Header
	PaymentID   domain.PaymentID `json:"payment_id"`
	Amount      domain.Money     `json:"amount"`
	ExternalRef string           `json:"external_ref,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

func (PaymentProcessingCompleted) MessageName() string { return NamePaymentProcessingCompleted }

type PaymentProcessingFailed struct {
	Header
	PaymentID *domain.PaymentID `json:"payment_id,omitempty"`
	Reason    string            `json:"reason"`
	// ReconciliationRequired marks funds that may be reserved but not settled.
	ReconciliationRequired bool      `json:"reconciliation_required"`
	FailedAt               time.Time `json:"failed_at"`
}

func (PaymentProcessingFailed) MessageName() string { return NamePaymentProcessingFailed }

// PaymentNotification is the best-effort customer/merchant notification.
type PaymentNotification struct {
	Header
	PaymentID  domain.PaymentID  `json:"payment_id"`
	Status     domain.SagaStatus `json:"status"`
	Amount     domain.Money      `json:"amount"`
	CustomerID string            `json:"customer_id"`
	MerchantID string            `json:"merchant_id"`
	Channel    string            `json:"channel"`
}

func (PaymentNotification) MessageName() string { return NamePaymentNotification }

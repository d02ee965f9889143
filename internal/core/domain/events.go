package domain

import (
	"encoding/json"
	"time"

	"payment-orchestration-engine/internal/eventsourcing"
)

const (
	EventPaymentRequested       = "PaymentRequested"
	EventAMLPassed              = "AMLPassed"
	EventPaymentFlagged         = "PaymentFlagged"
	EventFundsReserved          = "FundsReserved"
	EventFundsReservationFailed = "FundsReservationFailed"
	EventPaymentJournaled       = "PaymentJournaled"
	EventPaymentSettled         = "PaymentSettled"
	EventPaymentCancelled       = "PaymentCancelled"
	EventPaymentDeclined        = "PaymentDeclined"
	EventPaymentFailed          = "PaymentFailed"
	EventPaymentNotified        = "PaymentNotified"
)

// ManualReleaseRuleSet is the rule set recorded when a reviewer releases a flagged payment.
const ManualReleaseRuleSet = "manual-release"

// EventMeta is embedded by every payment event.
type EventMeta struct {
	PaymentID PaymentID `json:"payment_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (m EventMeta) AggregateID() string   { return m.PaymentID.String() }
func (m EventMeta) OccurredAt() time.Time { return m.CreatedAt }
func (m EventMeta) isPaymentEvent()       {}

// PaymentEvent is the closed set of events folded by the Payment aggregate.
type PaymentEvent interface {
	eventsourcing.Event
	isPaymentEvent()
}

type PaymentRequested struct {
	EventMeta
	Amount         Money     `json:"amount"`
	PayerAccountID AccountID `json:"payer_account_id"`
	PayeeAccountID AccountID `json:"payee_account_id"`
	Reference      string    `json:"reference"`
}

func (PaymentRequested) EventType() string { return EventPaymentRequested }

type AMLPassed struct {
	EventMeta
	RuleSetVersion string `json:"rule_set_version"`
}

func (AMLPassed) EventType() string { return EventAMLPassed }

type PaymentFlagged struct {
	EventMeta
	Reason   string `json:"reason"`
	Severity string `json:"severity"`
}

func (PaymentFlagged) EventType() string { return EventPaymentFlagged }

type FundsReserved struct {
	EventMeta
	ReservationID ReservationID `json:"reservation_id"`
	Amount        Money         `json:"amount"`
}

func (FundsReserved) EventType() string { return EventFundsReserved }

type FundsReservationFailed struct {
	EventMeta
	Reason string `json:"reason"`
}

func (FundsReservationFailed) EventType() string { return EventFundsReservationFailed }

type PaymentJournaled struct {
	EventMeta
	Entries []LedgerEntry `json:"entries"`
}

func (PaymentJournaled) EventType() string { return EventPaymentJournaled }

type PaymentSettled struct {
	EventMeta
	Channel     string `json:"channel"`
	ExternalRef string `json:"external_ref,omitempty"`
}

func (PaymentSettled) EventType() string { return EventPaymentSettled }

type PaymentCancelled struct {
	EventMeta
	By string `json:"by"`
}

func (PaymentCancelled) EventType() string { return EventPaymentCancelled }

type PaymentDeclined struct {
	EventMeta
	Reason string `json:"reason"`
}

func (PaymentDeclined) EventType() string { return EventPaymentDeclined }

type PaymentFailed struct {
	EventMeta
	Reason string `json:"reason"`
}

func (PaymentFailed) EventType() string { return EventPaymentFailed }

type PaymentNotified struct {
	EventMeta
	Channel string `json:"channel"`
}

func (PaymentNotified) EventType() string { return EventPaymentNotified }

// NewEventRegistry registers every payment event at its current schema version.
func NewEventRegistry() *eventsourcing.Registry {
	r := eventsourcing.NewRegistry()
	eventsourcing.Register[PaymentRequested](r, 1)
	eventsourcing.Register[AMLPassed](r, 1)
	eventsourcing.Register[PaymentFlagged](r, 1)
	eventsourcing.Register[FundsReserved](r, 1)
	eventsourcing.Register[FundsReservationFailed](r, 1)
	eventsourcing.Register[PaymentJournaled](r, 1)
	eventsourcing.Register[PaymentSettled](r, 1)
	eventsourcing.Register[PaymentCancelled](r, 1)
	eventsourcing.Register[PaymentDeclined](r, 1)
	eventsourcing.Register[PaymentFailed](r, 1)
	eventsourcing.Register[PaymentNotified](r, 1)

	// Early PaymentFlagged payloads carried no severity.
	_ = r.RegisterUpcaster(EventPaymentFlagged, 0, upcastFlaggedSeverity)
	return r
}

func upcastFlaggedSeverity(data json.RawMessage) (json.RawMessage, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if s, ok := payload["severity"].(string); !ok || s == "" {
		payload["severity"] = RiskMedium.Severity()
	}
	return json.Marshal(payload)
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-orchestration-engine/internal/eventsourcing"
)

// paymentState is the folded state of a Payment. It doubles as the snapshot format.
type paymentState struct {
	ID                 PaymentID      `json:"id"`
	Amount             Money          `json:"amount"`
	PayerAccountID     AccountID      `json:"payer_account_id"`
	PayeeAccountID     AccountID      `json:"payee_account_id"`
	Reference          string         `json:"reference"`
	State              PaymentState   `json:"state"`
	ReservationID      *ReservationID `json:"reservation_id,omitempty"`
	FlagReason         string         `json:"flag_reason,omitempty"`
	FlagSeverity       string         `json:"flag_severity,omitempty"`
	AMLRuleSet         string         `json:"aml_rule_set,omitempty"`
	ReservationFailure string         `json:"reservation_failure,omitempty"`
	Entries            []LedgerEntry  `json:"entries,omitempty"`
	SettlementChannel  string         `json:"settlement_channel,omitempty"`
	ExternalRef        string         `json:"external_ref,omitempty"`
	CancelledBy        string         `json:"cancelled_by,omitempty"`
	DeclineReason      string         `json:"decline_reason,omitempty"`
	FailureReason      string         `json:"failure_reason,omitempty"`
	NotifiedChannels   []string       `json:"notified_channels,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// apply folds one event into the state. It is the only place where state changes.
func apply(s paymentState, e PaymentEvent) paymentState {
	switch ev := e.(type) {
	case PaymentRequested:
		s = paymentState{
			ID:             ev.PaymentID,
			Amount:         ev.Amount,
			PayerAccountID: ev.PayerAccountID,
			PayeeAccountID: ev.PayeeAccountID,
			Reference:      ev.Reference,
			State:          StateRequested,
			CreatedAt:      ev.CreatedAt,
		}
	case AMLPassed:
		s.AMLRuleSet = ev.RuleSetVersion
		if s.State == StateFlagged {
			s.State = StateReleased
		}
	case PaymentFlagged:
		s.State = StateFlagged
		s.FlagReason = ev.Reason
		s.FlagSeverity = ev.Severity
	case FundsReserved:
		id := ev.ReservationID
		s.State = StateReserved
		s.ReservationID = &id
	case FundsReservationFailed:
		s.ReservationFailure = ev.Reason
	case PaymentJournaled:
		s.State = StateJournaled
		s.Entries = append([]LedgerEntry(nil), ev.Entries...)
	case PaymentSettled:
		s.State = StateSettled
		s.SettlementChannel = ev.Channel
		s.ExternalRef = ev.ExternalRef
	case PaymentCancelled:
		s.State = StateDeclined
		s.CancelledBy = ev.By
	case PaymentDeclined:
		s.State = StateDeclined
		s.DeclineReason = ev.Reason
	case PaymentFailed:
		s.State = StateFailed
		s.FailureReason = ev.Reason
	case PaymentNotified:
		s.NotifiedChannels = append(append([]string(nil), s.NotifiedChannels...), ev.Channel)
	}
	s.UpdatedAt = e.OccurredAt()
	return s
}

// Payment is the event-sourced payment aggregate. It is not safe for
// concurrent use; each command handler loads its own instance.
type Payment struct {
	state       paymentState
	version     int
	uncommitted []eventsourcing.Event
	now         func() time.Time
}

type PaymentOption func(*Payment)

// WithClock sets the time source used to stamp raised events.
func WithClock(now func() time.Time) PaymentOption {
	return func(p *Payment) { p.now = now }
}

// NewPayment returns an empty aggregate to fold persisted events into.
func NewPayment(opts ...PaymentOption) *Payment {
	p := &Payment{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create validates the invariants of a new payment and raises PaymentRequested.
func Create(id PaymentID, amount Money, payer, payee AccountID, reference string, opts ...PaymentOption) (*Payment, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: payment id is required", ErrInvalidIdentifier)
	}
	if payer.IsZero() || payee.IsZero() {
		return nil, fmt.Errorf("%w: payer and payee accounts are required", ErrInvalidIdentifier)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	if payer == payee {
		return nil, ErrSameAccount
	}

	p := NewPayment(opts...)
	p.raise(PaymentRequested{
		EventMeta:      p.meta(id),
		Amount:         amount,
		PayerAccountID: payer,
		PayeeAccountID: payee,
		Reference:      strings.TrimSpace(reference),
	})
	return p, nil
}

func (p *Payment) MarkAMLPassed(ruleSetVersion string) error {
	if err := p.guard(opMarkAMLPassed); err != nil {
		return err
	}
	p.raise(AMLPassed{EventMeta: p.meta(p.state.ID), RuleSetVersion: ruleSetVersion})
	return nil
}

func (p *Payment) Flag(reason, severity string) error {
	if err := p.guard(opFlag); err != nil {
		return err
	}
	p.raise(PaymentFlagged{EventMeta: p.meta(p.state.ID), Reason: reason, Severity: severity})
	return nil
}

// ReleaseAfterFlag records a manual AML release of a flagged payment.
func (p *Payment) ReleaseAfterFlag() error {
	if err := p.guard(opReleaseAfterFlag); err != nil {
		return err
	}
	p.raise(AMLPassed{EventMeta: p.meta(p.state.ID), RuleSetVersion: ManualReleaseRuleSet})
	return nil
}

func (p *Payment) ReserveFunds(reservationID ReservationID) error {
	if err := p.guard(opReserveFunds); err != nil {
		return err
	}
	if reservationID.IsZero() {
		return fmt.Errorf("%w: reservation id is required", ErrInvalidIdentifier)
	}
	p.raise(FundsReserved{EventMeta: p.meta(p.state.ID), ReservationID: reservationID, Amount: p.state.Amount})
	return nil
}

// FailReservation records a rejected reservation attempt. The state is unchanged.
func (p *Payment) FailReservation(reason string) error {
	if err := p.guard(opFailReservation); err != nil {
		return err
	}
	p.raise(FundsReservationFailed{EventMeta: p.meta(p.state.ID), Reason: reason})
	return nil
}

func (p *Payment) Journal(entries []LedgerEntry) error {
	if err := p.guard(opJournal); err != nil {
		return err
	}
	if len(entries) == 0 {
		return ErrEmptyJournal
	}
	p.raise(PaymentJournaled{EventMeta: p.meta(p.state.ID), Entries: append([]LedgerEntry(nil), entries...)})
	return nil
}

func (p *Payment) Settle(channel, externalRef string) error {
	if err := p.guard(opSettle); err != nil {
		return err
	}
	p.raise(PaymentSettled{EventMeta: p.meta(p.state.ID), Channel: channel, ExternalRef: externalRef})
	return nil
}

func (p *Payment) Cancel(by string) error {
	if err := p.guard(opCancel); err != nil {
		return err
	}
	p.raise(PaymentCancelled{EventMeta: p.meta(p.state.ID), By: by})
	return nil
}

func (p *Payment) Decline(reason string) error {
	if err := p.guard(opDecline); err != nil {
		return err
	}
	p.raise(PaymentDeclined{EventMeta: p.meta(p.state.ID), Reason: reason})
	return nil
}

// Fail is accepted from every state, terminal ones included.
func (p *Payment) Fail(reason string) error {
	if p.version == 0 {
		return &StateTransitionError{Operation: "fail"}
	}
	p.raise(PaymentFailed{EventMeta: p.meta(p.state.ID), Reason: reason})
	return nil
}

// MarkNotified records a delivered notification for a finished payment.
func (p *Payment) MarkNotified(channel string) error {
	if err := p.guard(opMarkNotified); err != nil {
		return err
	}
	p.raise(PaymentNotified{EventMeta: p.meta(p.state.ID), Channel: channel})
	return nil
}

func (p *Payment) guard(op string) error {
	if p.version == 0 || !p.state.State.canPerform(op) {
		return &StateTransitionError{State: p.state.State, Operation: op}
	}
	return nil
}

func (p *Payment) meta(id PaymentID) EventMeta {
	return EventMeta{PaymentID: id, CreatedAt: p.now().UTC().Truncate(time.Microsecond)}
}

func (p *Payment) raise(e PaymentEvent) {
	p.state = apply(p.state, e)
	p.version++
	p.uncommitted = append(p.uncommitted, e)
}

// Apply folds a persisted event during replay.
func (p *Payment) Apply(e eventsourcing.Event) error {
	pe, ok := e.(PaymentEvent)
	if !ok {
		return fmt.Errorf("unexpected event %s for payment", e.EventType())
	}
	if _, isRequested := pe.(PaymentRequested); p.version == 0 && !isRequested {
		return fmt.Errorf("stream must start with %s, got %s", EventPaymentRequested, pe.EventType())
	}
	if p.version > 0 && pe.AggregateID() != p.state.ID.String() {
		return fmt.Errorf("event for payment %s applied to payment %s", pe.AggregateID(), p.state.ID)
	}
	p.state = apply(p.state, pe)
	p.version++
	return nil
}

func (p *Payment) Snapshot() ([]byte, error) {
	return json.Marshal(p.state)
}

func (p *Payment) RestoreSnapshot(data []byte, version int) error {
	if version < 1 {
		return errors.New("snapshot version must be positive")
	}
	var s paymentState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode payment snapshot: %w", err)
	}
	if s.ID.IsZero() || s.State == "" {
		return errors.New("payment snapshot is incomplete")
	}
	p.state = s
	p.version = version
	p.uncommitted = nil
	return nil
}

func (p *Payment) AggregateID() string { return p.state.ID.String() }

// Version is the number of events applied, committed or not.
func (p *Payment) Version() int { return p.version }

func (p *Payment) UncommittedEvents() []eventsourcing.Event {
	return append([]eventsourcing.Event(nil), p.uncommitted...)
}

// ClearUncommittedEvents marks buffered events as committed. Call it only after
// the store confirmed the write.
func (p *Payment) ClearUncommittedEvents() { p.uncommitted = nil }

func (p *Payment) ID() PaymentID             { return p.state.ID }
func (p *Payment) Amount() Money             { return p.state.Amount }
func (p *Payment) PayerAccountID() AccountID { return p.state.PayerAccountID }
func (p *Payment) PayeeAccountID() AccountID { return p.state.PayeeAccountID }
func (p *Payment) Reference() string         { return p.state.Reference }
func (p *Payment) State() PaymentState       { return p.state.State }
func (p *Payment) FlagSeverity() string      { return p.state.FlagSeverity }
func (p *Payment) AMLRuleSet() string        { return p.state.AMLRuleSet }
func (p *Payment) FailureReason() string     { return p.state.FailureReason }
func (p *Payment) CreatedAt() time.Time      { return p.state.CreatedAt }
func (p *Payment) UpdatedAt() time.Time      { return p.state.UpdatedAt }

func (p *Payment) ReservationID() (ReservationID, bool) {
	if p.state.ReservationID == nil {
		return ReservationID{}, false
	}
	return *p.state.ReservationID, true
}

func (p *Payment) JournalEntries() []LedgerEntry {
	return append([]LedgerEntry(nil), p.state.Entries...)
}

// PaymentView is the read model returned by queries.
type PaymentView struct {
	ID                PaymentID      `json:"id"`
	Amount            Money          `json:"amount"`
	PayerAccountID    AccountID      `json:"payer_account_id"`
	PayeeAccountID    AccountID      `json:"payee_account_id"`
	Reference         string         `json:"reference"`
	State             PaymentState   `json:"state"`
	ReservationID     *ReservationID `json:"reservation_id,omitempty"`
	SettlementChannel string         `json:"settlement_channel,omitempty"`
	ExternalRef       string         `json:"external_ref,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	DeclineReason     string         `json:"decline_reason,omitempty"`
	Version           int            `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (p *Payment) View() PaymentView {
	v := PaymentView{
		ID:                p.state.ID,
		Amount:            p.state.Amount,
		PayerAccountID:    p.state.PayerAccountID,
		PayeeAccountID:    p.state.PayeeAccountID,
		Reference:         p.state.Reference,
		State:             p.state.State,
		SettlementChannel: p.state.SettlementChannel,
		ExternalRef:       p.state.ExternalRef,
		FailureReason:     p.state.FailureReason,
		DeclineReason:     p.state.DeclineReason,
		Version:           p.version,
		CreatedAt:         p.state.CreatedAt,
		UpdatedAt:         p.state.UpdatedAt,
	}
	if rid, ok := p.ReservationID(); ok {
		v.ReservationID = &rid
	}
	return v
}

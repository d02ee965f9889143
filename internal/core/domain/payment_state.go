package domain

// PaymentState is the lifecycle position of a Payment.
type PaymentState string

const (
	StateRequested PaymentState = "Requested"
	StateFlagged   PaymentState = "Flagged"
	StateReleased  PaymentState = "Released"
	StateReserved  PaymentState = "Reserved"
	StateJournaled PaymentState = "Journaled"
	StateSettled   PaymentState = "Settled"
	StateDeclined  PaymentState = "Declined"
	StateFailed    PaymentState = "Failed"
)

func (s PaymentState) String() string { return string(s) }

// IsTerminal reports whether no further business transition can leave s.
// Fail is still accepted from terminal states.
func (s PaymentState) IsTerminal() bool {
	return s == StateSettled || s == StateDeclined || s == StateFailed
}

const (
	opMarkAMLPassed    = "mark AML passed"
	opFlag             = "flag"
	opReleaseAfterFlag = "release after flag"
	opReserveFunds     = "reserve funds"
	opFailReservation  = "fail reservation"
	opJournal          = "journal"
	opSettle           = "settle"
	opCancel           = "cancel"
	opDecline          = "decline"
	opMarkNotified     = "mark notified"
)

// allowedFrom is the allow-list of source states per command. Fail is absent
// because it is legal from every state.
var allowedFrom = map[string][]PaymentState{
	opMarkAMLPassed:    {StateRequested, StateFlagged},
	opFlag:             {StateRequested},
	opReleaseAfterFlag: {StateFlagged},
	opReserveFunds:     {StateRequested, StateReleased},
	opFailReservation:  {StateRequested},
	opJournal:          {StateReserved},
	opSettle:           {StateJournaled},
	opCancel:           {StateRequested, StateFlagged, StateReleased},
	opDecline:          {StateRequested, StateFlagged, StateReleased, StateReserved},
	opMarkNotified:     {StateSettled, StateDeclined, StateFailed},
}

// canPerform reports whether op is legal from state s.
func (s PaymentState) canPerform(op string) bool {
	for _, allowed := range allowedFrom[op] {
		if allowed == s {
			return true
		}
	}
	return false
}

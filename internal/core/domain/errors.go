package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrSameAccount            = errors.New("payer and payee accounts must differ")
	ErrEmptyJournal           = errors.New("journal requires at least one ledger entry")
	ErrInvalidIdentifier      = errors.New("invalid identifier")
	ErrInvalidCurrency        = errors.New("invalid currency code")
	ErrInvalidCard            = errors.New("invalid card number")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateRequest       = errors.New("idempotency key already used")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrSagaNotFound           = errors.New("saga not found")
	ErrLockBusy               = errors.New("request with this idempotency key is in flight, retry later")
	ErrBrokerUnavailable      = errors.New("message broker is unavailable")
	ErrStorageUnavailable     = errors.New("storage is unavailable")
)

// StateTransitionError reports an operation attempted outside its legal source states.
type StateTransitionError struct {
	State     PaymentState
	Operation string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s payment in state %s", e.Operation, e.State)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// IsValidation reports whether err is a caller error that must never be retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSameAccount) ||
		errors.Is(err, ErrEmptyJournal) ||
		errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidCard) ||
		errors.Is(err, ErrInvalidStateTransition)
}

package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxAccountIDLength = 50

// uuidValue is the shared representation of the 128-bit identifiers.
// The nil uuid is never a valid value.
type uuidValue struct {
	u uuid.UUID
}

func newUUIDValue(u uuid.UUID) (uuidValue, error) {
	if u == uuid.Nil {
		return uuidValue{}, fmt.Errorf("%w: nil uuid", ErrInvalidIdentifier)
	}
	return uuidValue{u: u}, nil
}

func parseUUIDValue(s string) (uuidValue, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuidValue{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return newUUIDValue(u)
}

// UUID returns the underlying uuid.
func (v uuidValue) UUID() uuid.UUID { return v.u }

func (v uuidValue) String() string { return v.u.String() }

// IsZero reports whether the identifier was never assigned.
func (v uuidValue) IsZero() bool { return v.u == uuid.Nil }

func (v uuidValue) MarshalText() ([]byte, error) {
	return []byte(v.u.String()), nil
}

func (v *uuidValue) UnmarshalText(b []byte) error {
	parsed, err := parseUUIDValue(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// PaymentID identifies a Payment aggregate and its event stream.
type PaymentID struct{ uuidValue }

func NewPaymentID(u uuid.UUID) (PaymentID, error) {
	v, err := newUUIDValue(u)
	return PaymentID{v}, err
}

func ParsePaymentID(s string) (PaymentID, error) {
	v, err := parseUUIDValue(s)
	return PaymentID{v}, err
}

func NewRandomPaymentID() PaymentID { return PaymentID{uuidValue{u: uuid.New()}} }

// ReservationID identifies a fund reservation at the processor.
type ReservationID struct{ uuidValue }

func NewReservationID(u uuid.UUID) (ReservationID, error) {
	v, err := newUUIDValue(u)
	return ReservationID{v}, err
}

func ParseReservationID(s string) (ReservationID, error) {
	v, err := parseUUIDValue(s)
	return ReservationID{v}, err
}

func NewRandomReservationID() ReservationID { return ReservationID{uuidValue{u: uuid.New()}} }

// LedgerEntryID identifies a single journal line.
type LedgerEntryID struct{ uuidValue }

func NewLedgerEntryID(u uuid.UUID) (LedgerEntryID, error) {
	v, err := newUUIDValue(u)
	return LedgerEntryID{v}, err
}

func NewRandomLedgerEntryID() LedgerEntryID { return LedgerEntryID{uuidValue{u: uuid.New()}} }

// AccountID is a non-empty account reference of at most 50 characters.
type AccountID struct {
	value string
}

func NewAccountID(s string) (AccountID, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxAccountIDLength {
		return AccountID{}, fmt.Errorf("%w: account id must be 1-%d characters", ErrInvalidIdentifier, maxAccountIDLength)
	}
	return AccountID{value: s}, nil
}

// MustAccountID panics on invalid input. Intended for tests and fixtures.
func MustAccountID(s string) AccountID {
	id, err := NewAccountID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (a AccountID) String() string { return a.value }

func (a AccountID) IsZero() bool { return a.value == "" }

func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.value), nil
}

func (a *AccountID) UnmarshalText(b []byte) error {
	id, err := NewAccountID(string(b))
	if err != nil {
		return err
	}
	*a = id
	return nil
}

package sandbox

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/core/domain"
)

func newProcessor(opts Options) *Processor {
	return NewProcessor(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessor_AuthorizeAndSettle(t *testing.T) {
	p := newProcessor(Options{})
	ctx := context.Background()
	pid := domain.NewRandomPaymentID()
	amount := domain.MustMoney("100", "USD")

	auth, err := p.Authorize(ctx, pid, amount, domain.MustAccountID("payer"))
	require.NoError(t, err)
	require.True(t, auth.Approved)

	again, err := p.Authorize(ctx, pid, amount, domain.MustAccountID("payer"))
	require.NoError(t, err)
	assert.Equal(t, auth.Reference, again.Reference, "authorization is idempotent")

	resID, err := domain.ParseReservationID(auth.Reference)
	require.NoError(t, err)
	settled, err := p.Settle(ctx, pid, resID, amount)
	require.NoError(t, err)
	assert.True(t, settled.Approved)

	status, err := p.GetStatus(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "settled", status.Reason)

	cancel, err := p.Cancel(ctx, pid, resID)
	require.NoError(t, err)
	assert.False(t, cancel.Approved)
}

func TestProcessor_Declines(t *testing.T) {
	p := newProcessor(Options{DeclineAbove: decimal.NewFromInt(5000)})
	res, err := p.Authorize(context.Background(), domain.NewRandomPaymentID(), domain.MustMoney("5000.01", "USD"), domain.MustAccountID("payer"))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, "insufficient funds", res.Reason)
}

func TestProcessor_SettleFail(t *testing.T) {
	p := newProcessor(Options{SettleFail: true})
	ctx := context.Background()
	pid := domain.NewRandomPaymentID()
	amount := domain.MustMoney("10", "EUR")

	auth, err := p.Authorize(ctx, pid, amount, domain.MustAccountID("payer"))
	require.NoError(t, err)
	resID, err := domain.ParseReservationID(auth.Reference)
	require.NoError(t, err)

	res, err := p.Settle(ctx, pid, resID, amount)
	require.NoError(t, err)
	assert.False(t, res.Approved)

	_, err = p.Settle(ctx, pid, domain.NewRandomReservationID(), amount)
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

package clickhouse

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
)

func TestToRow(t *testing.T) {
	pid := domain.NewRandomPaymentID()
	corr := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	row := toRow(ports.FraudReport{
		PaymentID:     pid,
		CorrelationID: corr,
		CustomerID:    "cust-1",
		MerchantID:    "merch-1",
		Amount:        domain.MustMoney("12500.50", "USD"),
		RiskLevel:     domain.RiskHigh,
		Score:         0.82,
		Fallback:      true,
		CheckedAt:     at,
	})

	assert.Equal(t, pid.String(), row.PaymentID)
	assert.Equal(t, corr.String(), row.CorrelationID)
	assert.Equal(t, "12500.5", row.Amount)
	assert.Equal(t, "USD", row.Currency)
	assert.Equal(t, "High", row.RiskLevel)
	assert.Equal(t, uint8(1), row.Fallback)
	assert.Equal(t, []string{}, row.Factors)
	assert.Equal(t, time.UTC, row.CheckedAt.Location())
	assert.True(t, at.Equal(row.CheckedAt))
}

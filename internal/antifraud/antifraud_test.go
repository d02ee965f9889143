package antifraud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
	"payment-orchestration-engine/internal/resilience"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func paymentContext(amount string) ports.PaymentContext {
	return ports.PaymentContext{
		PaymentID:  domain.NewRandomPaymentID(),
		Amount:     domain.MustMoney(amount, "USD"),
		CustomerID: "cust-1",
		MerchantID: "merch-1",
		CardHash:   "abc123",
	}
}

func TestCachingRuleEngine_Analyze(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := NewCachingRuleEngine(rdb, config.AntiFraudConfig{
		AmountThreshold:        1000,
		FrequencyThreshold:     2,
		FrequencyWindowSeconds: 60,
	})
	ctx := context.Background()

	t.Run("small first payment is low risk", func(t *testing.T) {
		mr.FlushAll()
		res, err := engine.Analyze(ctx, paymentContext("50"))
		require.NoError(t, err)
		assert.Equal(t, domain.RiskLow, res.RiskLevel)
		assert.Empty(t, res.Factors)
		assert.Equal(t, 1.0, res.Confidence)
	})

	t.Run("large amount is medium risk", func(t *testing.T) {
		mr.FlushAll()
		res, err := engine.Analyze(ctx, paymentContext("1500"))
		require.NoError(t, err)
		assert.Equal(t, domain.RiskMedium, res.RiskLevel)
		assert.Equal(t, []string{FactorAmountThreshold}, res.Factors)
	})

	t.Run("velocity escalates to high and then blocked", func(t *testing.T) {
		mr.FlushAll()
		var levels []domain.RiskLevel
		for i := 0; i < 7; i++ {
			res, err := engine.Analyze(ctx, paymentContext("1500"))
			require.NoError(t, err)
			levels = append(levels, res.RiskLevel)
		}
		assert.Equal(t, []domain.RiskLevel{
			domain.RiskMedium, domain.RiskMedium,
			domain.RiskHigh, domain.RiskHigh, domain.RiskHigh, domain.RiskHigh,
			domain.RiskBlocked,
		}, levels)
	})

	t.Run("window expiry resets the counter", func(t *testing.T) {
		mr.FlushAll()
		for i := 0; i < 3; i++ {
			_, err := engine.Analyze(ctx, paymentContext("10"))
			require.NoError(t, err)
		}
		mr.FastForward(61 * time.Second)
		res, err := engine.Analyze(ctx, paymentContext("10"))
		require.NoError(t, err)
		assert.Equal(t, domain.RiskLow, res.RiskLevel)
	})

	t.Run("redis failure is returned", func(t *testing.T) {
		mr.SetError("READONLY")
		defer mr.SetError("")
		_, err := engine.Analyze(ctx, paymentContext("10"))
		assert.Error(t, err)
	})
}

func TestExternalServiceScorer_Analyze(t *testing.T) {
	t.Run("decodes verdict", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var pc ports.PaymentContext
			require.NoError(t, json.NewDecoder(r.Body).Decode(&pc))
			assert.Equal(t, "cust-1", pc.CustomerID)
			_, _ = w.Write([]byte(`{"risk_level":"High","score":0.75,"factors":["geo"]}`))
		}))
		defer srv.Close()

		res, err := NewExternalServiceScorer(srv.URL).Analyze(context.Background(), paymentContext("10"))
		require.NoError(t, err)
		assert.Equal(t, domain.RiskHigh, res.RiskLevel)
		assert.Equal(t, 0.75, res.Score)
		assert.Equal(t, 1.0, res.Confidence)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewExternalServiceScorer(srv.URL).Analyze(context.Background(), paymentContext("10"))
		assert.Error(t, err)
	})
}

type MockScorer struct {
	mock.Mock
}

func (m *MockScorer) Analyze(ctx context.Context, pc ports.PaymentContext) (domain.FraudResult, error) {
	args := m.Called(ctx, pc)
	return args.Get(0).(domain.FraudResult), args.Error(1)
}

func testPipeline() *resilience.Pipeline {
	return resilience.NewPipeline(resilience.Policy{
		Name: "fraud_detection", MaxRetries: 1, Timeout: time.Second,
		Backoff: resilience.BackoffConstant, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
		FailureRatio: 0.5, MinRequests: 100, SamplingWindow: time.Minute, BreakDuration: time.Minute,
	}, resilience.WithLogger(discard))
}

func TestFallbackScorer(t *testing.T) {
	t.Run("passes through a real verdict", func(t *testing.T) {
		// --- Arrange ---
		primary := new(MockScorer)
		pc := paymentContext("100")
		verdict := domain.FraudResult{RiskLevel: domain.RiskLow, Score: 0.1, Confidence: 1}
		primary.On("Analyze", mock.Anything, pc).Return(verdict, nil).Once()
		scorer := NewFallbackScorer(primary, testPipeline(), decimal.NewFromInt(1000), discard)

		// --- Act ---
		got, err := scorer.Analyze(context.Background(), pc)

		// --- Assert ---
		require.NoError(t, err)
		assert.Equal(t, verdict, got)
		primary.AssertExpectations(t)
	})

	cases := []struct {
		name   string
		amount string
		want   domain.RiskLevel
	}{
		{"below threshold falls back to medium", "999.99", domain.RiskMedium},
		{"at threshold falls back to high", "1000", domain.RiskHigh},
		{"above threshold falls back to high", "5000", domain.RiskHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			primary := new(MockScorer)
			primary.On("Analyze", mock.Anything, mock.Anything).Return(domain.FraudResult{}, errors.New("connection refused"))
			fallbacks := 0
			scorer := NewFallbackScorer(primary, testPipeline(), decimal.NewFromInt(1000), discard,
				OnFallback(func() { fallbacks++ }))

			got, err := scorer.Analyze(context.Background(), paymentContext(tc.amount))

			require.NoError(t, err)
			assert.Equal(t, tc.want, got.RiskLevel)
			assert.True(t, got.Fallback)
			assert.Equal(t, 0.5, got.Confidence)
			assert.Equal(t, []string{FactorScorerUnavailable}, got.Factors)
			assert.Equal(t, 1, fallbacks)
			primary.AssertNumberOfCalls(t, "Analyze", 2)
		})
	}
}

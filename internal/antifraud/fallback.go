package antifraud

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
	"payment-orchestration-engine/internal/resilience"
)

// FactorScorerUnavailable marks a verdict produced without the scorer.
const FactorScorerUnavailable = "scorer_unavailable"

// FallbackScorer runs the primary scorer under the fraud-detection pipeline and
// answers with a conservative verdict when it cannot.
type FallbackScorer struct {
	primary    ports.FraudScorer
	pipeline   *resilience.Pipeline
	highAmount decimal.Decimal
	logger     *slog.Logger
	onFallback func()
}

type FallbackOption func(*FallbackScorer)

// OnFallback registers a hook called each time the fallback verdict is used.
func OnFallback(fn func()) FallbackOption {
	return func(s *FallbackScorer) { s.onFallback = fn }
}

func NewFallbackScorer(primary ports.FraudScorer, pipeline *resilience.Pipeline, highAmount decimal.Decimal, logger *slog.Logger, opts ...FallbackOption) *FallbackScorer {
	s := &FallbackScorer{
		primary:    primary,
		pipeline:   pipeline,
		highAmount: highAmount,
		logger:     logger.With("component", "fraud-scorer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze never fails: scorer errors produce High at or above the configured
// amount and Medium below it.
func (s *FallbackScorer) Analyze(ctx context.Context, pc ports.PaymentContext) (domain.FraudResult, error) {
	result, err := resilience.Execute(ctx, s.pipeline, func(ctx context.Context) (domain.FraudResult, error) {
		return s.primary.Analyze(ctx, pc)
	})
	if err == nil {
		return result, nil
	}

	level := domain.RiskMedium
	if pc.Amount.Amount().GreaterThanOrEqual(s.highAmount) {
		level = domain.RiskHigh
	}
	s.logger.Warn("fraud scorer unavailable, using fallback verdict",
		"payment_id", pc.PaymentID,
		"risk_level", level.String(),
		"error", err,
	)
	if s.onFallback != nil {
		s.onFallback()
	}
	return domain.FraudResult{
		RiskLevel:       level,
		Score:           0.5,
		Factors:         []string{FactorScorerUnavailable},
		Recommendations: []string{"re-score when the scorer recovers"},
		Confidence:      0.5,
		Fallback:        true,
	}, nil
}

package antifraud

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
)

const (
	FactorAmountThreshold = "amount_exceeds_threshold"
	FactorHighFrequency   = "high_frequency"
	FactorBurst           = "card_burst"
)

// CachingRuleEngine scores payments with static rules and Redis velocity counters.
type CachingRuleEngine struct {
	rdb *redis.Client
	cfg config.AntiFraudConfig
}

// NewCachingRuleEngine creates a new engine connected to Redis.
func NewCachingRuleEngine(rdb *redis.Client, cfg config.AntiFraudConfig) *CachingRuleEngine {
	return &CachingRuleEngine{
		rdb: rdb,
		cfg: cfg,
	}
}

// levelForScore maps an accumulated score to a risk level.
func levelForScore(score float64) domain.RiskLevel {
	switch {
	case score >= 0.9:
		return domain.RiskBlocked
	case score >= 0.6:
		return domain.RiskHigh
	case score >= 0.3:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// Analyze implements FraudScorer. Redis failures are returned so the caller can fall back.
func (e *CachingRuleEngine) Analyze(ctx context.Context, pc ports.PaymentContext) (domain.FraudResult, error) {
	result := domain.FraudResult{Score: 0.1, Confidence: 1}

	// Rule 1: amount exceeds a simple threshold.
	if pc.Amount.Amount().GreaterThan(decimal.NewFromFloat(e.cfg.AmountThreshold)) {
		result.Score += 0.3
		result.Factors = append(result.Factors, FactorAmountThreshold)
	}

	// Rule 2: too many payments from one card (or customer) within the window.
	subject := pc.CardHash
	if subject == "" {
		subject = "customer:" + pc.CustomerID
	}
	key := fmt.Sprintf("card_tx_count:%s", subject)

	count, err := e.rdb.Incr(ctx, key).Result()
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("redis INCR failed: %w", err)
	}
	if count == 1 {
		ttl := time.Duration(e.cfg.FrequencyWindowSeconds) * time.Second
		if err := e.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return domain.FraudResult{}, fmt.Errorf("redis EXPIRE failed: %w", err)
		}
	}

	threshold := int64(e.cfg.FrequencyThreshold)
	switch {
	case count > 3*threshold:
		result.Score += 0.8
		result.Factors = append(result.Factors, FactorBurst)
		result.Recommendations = append(result.Recommendations, "block card")
	case count > threshold:
		result.Score += 0.3
		result.Factors = append(result.Factors, FactorHighFrequency)
		result.Recommendations = append(result.Recommendations,
			fmt.Sprintf("review: %d payments in %d seconds", count, e.cfg.FrequencyWindowSeconds))
	}

	if result.Score > 1 {
		result.Score = 1
	}
	result.RiskLevel = levelForScore(result.Score)
	return result, nil
}

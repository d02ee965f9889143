package antifraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
)

// ExternalServiceScorer calls an external scoring API.
type ExternalServiceScorer struct {
	client    *http.Client
	scorerURL string
}

func NewExternalServiceScorer(scorerURL string) *ExternalServiceScorer {
	return &ExternalServiceScorer{
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		scorerURL: scorerURL,
	}
}

func (e *ExternalServiceScorer) Analyze(ctx context.Context, pc ports.PaymentContext) (domain.FraudResult, error) {
	requestBody, err := json.Marshal(pc)
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("failed to marshal payment for scorer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.scorerURL, bytes.NewReader(requestBody))
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("failed to create scorer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return domain.FraudResult{}, fmt.Errorf("fraud scoring service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.FraudResult{}, fmt.Errorf("fraud scoring service returned %s", resp.Status)
	}

	var result domain.FraudResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.FraudResult{}, fmt.Errorf("failed to decode scorer response: %w", err)
	}
	if result.RiskLevel == domain.RiskUnknown {
		return domain.FraudResult{}, fmt.Errorf("fraud scoring service returned no risk level")
	}
	if result.Confidence == 0 {
		result.Confidence = 1
	}
	return result, nil
}

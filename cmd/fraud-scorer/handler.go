package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"payment-orchestration-engine/internal/core/ports"
)

type scoreHandler struct {
	scorer ports.FraudScorer
	logger *slog.Logger
}

func newScoreHandler(scorer ports.FraudScorer, logger *slog.Logger) *scoreHandler {
	return &scoreHandler{scorer: scorer, logger: logger}
}

// HandleScore takes a ports.PaymentContext and answers with a domain.FraudResult.
func (h *scoreHandler) HandleScore(w http.ResponseWriter, r *http.Request) {
	var pc ports.PaymentContext
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if pc.CustomerID == "" || !pc.Amount.IsPositive() {
		http.Error(w, "customer_id and a positive amount are required", http.StatusBadRequest)
		return
	}

	result, err := h.scorer.Analyze(r.Context(), pc)
	if err != nil {
		h.logger.Error("scoring failed", "payment_id", pc.PaymentID, "error", err)
		http.Error(w, "scoring failed", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("payment scored",
		"payment_id", pc.PaymentID,
		"risk_level", result.RiskLevel,
		"score", result.Score,
	)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("failed to write score response", "error", err)
	}
}

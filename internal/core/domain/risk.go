package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is the verdict of the fraud scorer. It is the only risk enum in the
// codebase; the scorer, the saga and the aggregate all use it.
type RiskLevel int

const (
	RiskUnknown RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskBlocked
)

// FraudDecision is what the saga does with a verdict.
type FraudDecision string

const (
	DecisionProceed      FraudDecision = "proceed"
	DecisionManualReview FraudDecision = "manual_review"
	DecisionCancel       FraudDecision = "cancel"
)

type riskMapping struct {
	name     string
	severity string
	decision FraudDecision
}

// riskTable is the single mapping from a risk level to everything derived from it.
var riskTable = map[RiskLevel]riskMapping{
	RiskLow:     {name: "Low", severity: "low", decision: DecisionProceed},
	RiskMedium:  {name: "Medium", severity: "medium", decision: DecisionProceed},
	RiskHigh:    {name: "High", severity: "high", decision: DecisionManualReview},
	RiskBlocked: {name: "Blocked", severity: "critical", decision: DecisionCancel},
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	for level, m := range riskTable {
		if strings.EqualFold(m.name, s) {
			return level, nil
		}
	}
	return RiskUnknown, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) String() string {
	if m, ok := riskTable[r]; ok {
		return m.name
	}
	return "Unknown"
}

// Severity is the flag severity recorded on the aggregate for this level.
func (r RiskLevel) Severity() string {
	if m, ok := riskTable[r]; ok {
		return m.severity
	}
	return "high"
}

// Decision returns the saga branch for this level. Unknown levels are never
// treated as safe.
func (r RiskLevel) Decision() FraudDecision {
	if m, ok := riskTable[r]; ok {
		return m.decision
	}
	return DecisionManualReview
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	level, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// FraudResult is the scorer's verdict for one payment.
type FraudResult struct {
	RiskLevel       RiskLevel `json:"risk_level"`
	Score           float64   `json:"score"`
	Factors         []string  `json:"factors,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	// Confidence is 1 for a real verdict and lower for a fallback verdict.
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback,omitempty"`
}

func (f FraudResult) String() string {
	b, _ := json.Marshal(f)
	return string(b)
}

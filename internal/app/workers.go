package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/core/ports"
)

// FraudCheckWorker answers RunFraudCheck commands with a verdict.
type FraudCheckWorker struct {
	scorer ports.FraudScorer
	bus    ports.MessageBus
	sink   ports.FraudReportSink
	logger *slog.Logger
	now    func() time.Time
}

// NewFraudCheckWorker builds the worker. sink may be nil.
func NewFraudCheckWorker(scorer ports.FraudScorer, bus ports.MessageBus, sink ports.FraudReportSink, logger *slog.Logger) *FraudCheckWorker {
	return &FraudCheckWorker{
		scorer: scorer,
		bus:    bus,
		sink:   sink,
		logger: logger.With("component", "fraud-worker"),
		now:    time.Now,
	}
}

func (w *FraudCheckWorker) Handle(ctx context.Context, msg messages.RunFraudCheck) error {
	result, err := w.scorer.Analyze(ctx, ports.PaymentContext{
		PaymentID:  msg.PaymentID,
		Amount:     msg.Amount,
		CustomerID: msg.CustomerID,
		MerchantID: msg.MerchantID,
		CardHash:   msg.CardHash,
	})
	if err != nil {
		return err
	}

	log := w.logger.With("correlation_id", msg.CorrelationID, "payment_id", msg.PaymentID)
	log.Info("fraud check finished", "risk_level", result.RiskLevel, "score", result.Score, "fallback", result.Fallback)

	if w.sink != nil {
		report := ports.FraudReport{
			PaymentID:     msg.PaymentID,
			CorrelationID: msg.CorrelationID,
			CustomerID:    msg.CustomerID,
			MerchantID:    msg.MerchantID,
			Amount:        msg.Amount,
			RiskLevel:     result.RiskLevel,
			Score:         result.Score,
			Factors:       result.Factors,
			Fallback:      result.Fallback,
			CheckedAt:     w.now().UTC(),
		}
		if err := w.sink.Record(ctx, report); err != nil {
			log.Warn("failed to store fraud report", "error", err)
		}
	}

	return w.bus.Publish(ctx, messages.FraudCheckCompleted{
		Header:    messages.NewHeader(msg.CorrelationID, msg.Key()+"-result"),
		PaymentID: msg.PaymentID,
		Result:    result,
	})
}

// ReviewQueue opens manual review cases.
type ReviewQueue struct {
	bus    ports.MessageBus
	logger *slog.Logger
	now    func() time.Time
}

func NewReviewQueue(bus ports.MessageBus, logger *slog.Logger) *ReviewQueue {
	return &ReviewQueue{bus: bus, logger: logger.With("component", "review-queue"), now: time.Now}
}

func (q *ReviewQueue) Handle(ctx context.Context, msg messages.RequestManualReview) error {
	caseRef := "case-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(msg.Key())).String()
	q.logger.Info("manual review case opened",
		"correlation_id", msg.CorrelationID,
		"payment_id", msg.PaymentID,
		"case_ref", caseRef,
		"reason", msg.Reason,
		"risk_level", msg.FraudResult.RiskLevel,
	)
	return q.bus.Publish(ctx, messages.ManualReviewRequested{
		Header:    messages.NewHeader(msg.CorrelationID, msg.Key()+"-ack"),
		PaymentID: msg.PaymentID,
		CaseRef:   caseRef,
		QueuedAt:  q.now().UTC(),
	})
}

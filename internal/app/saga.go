package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/core/ports"
	"payment-orchestration-engine/internal/eventsourcing"
	"payment-orchestration-engine/internal/observability"
	"payment-orchestration-engine/internal/resilience"
)

// Audit entry names.
const (
	AuditSagaStarted           = "SagaStarted"
	AuditFraudCheckRequested   = "FraudCheckRequested"
	AuditFraudResultReceived   = "FraudResultReceived"
	AuditCancelRequested       = "CancelRequested"
	AuditManualReviewRequested = "ManualReviewRequested"
	AuditManualReviewQueued    = "ManualReviewQueued"
	AuditReservationRequested  = "ReservationRequested"
	AuditFundsReserved         = "FundsReserved"
	AuditReservationFailed     = "ReservationFailed"
	AuditSettlementScheduled   = "SettlementScheduled"
	AuditPaymentSettled        = "PaymentSettled"
	AuditSettlementFailed      = "SettlementFailed"
	AuditTimeoutFired          = "TimeoutFired"
	AuditTimeoutScheduled      = "TimeoutScheduled"
	AuditPaymentCancelled      = "PaymentCancelled"
	AuditReviewApproved        = "ReviewApproved"
	AuditReviewRejected        = "ReviewRejected"
	AuditOutboundFailed        = "OutboundFailed"
	AuditStartFailed           = "StartFailed"
)

const (
	settlementChannel = "card"
	fraudTimeoutRisk  = "fraud-check-timeout"
)

// SagaSettings are the timing and policy knobs of the saga.
type SagaSettings struct {
	Timeout         time.Duration
	SettlementDelay time.Duration
	RuleSetVersion  string
}

// Observer receives saga metrics.
type Observer interface {
	SagaTransition(step, status string)
	HandlerDuration(handler string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) SagaTransition(string, string)                 {}
func (nopObserver) HandlerDuration(string, time.Duration, error) {}

// NotificationQueue accepts best-effort notifications without blocking.
type NotificationQueue interface {
	Enqueue(n messages.PaymentNotification) bool
}

// SagaDeps are the collaborators of the saga.
type SagaDeps struct {
	Repo       ports.SagaRepository
	Payments   *PaymentService
	Bus        ports.MessageBus
	Processor  ports.PaymentProcessor
	Gateway    *resilience.Pipeline
	Settlement *resilience.Pipeline
	Notifier   NotificationQueue
	Settings   SagaSettings
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Saga orchestrates one payment from initiation to settlement. Handlers are
// safe under redelivery and reordering: a handler whose step guard does not
// match, or whose saga is terminal, does nothing.
type Saga struct {
	repo       ports.SagaRepository
	payments   *PaymentService
	bus        ports.MessageBus
	processor  ports.PaymentProcessor
	gateway    *resilience.Pipeline
	settlement *resilience.Pipeline
	notifier   NotificationQueue
	settings   SagaSettings
	observer   Observer
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewSaga(d SagaDeps) *Saga {
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Settings.RuleSetVersion == "" {
		d.Settings.RuleSetVersion = "aml-rules-v1"
	}
	return &Saga{
		repo:       d.Repo,
		payments:   d.Payments,
		bus:        d.Bus,
		processor:  d.Processor,
		gateway:    d.Gateway,
		settlement: d.Settlement,
		notifier:   d.Notifier,
		settings:   d.Settings,
		observer:   d.Observer,
		logger:     d.Logger.With("component", "saga"),
		tracer:     otel.Tracer(observability.TracerName),
		now:        d.Now,
	}
}

func (s *Saga) clock() time.Time { return s.now().UTC() }

type outboundKind int

const (
	outSend outboundKind = iota
	outPublish
	outSchedule
	outNotify
	outApply
)

// outbound is a message emitted, or a payment command run, after the saga
// state that caused it is stored.
type outbound struct {
	kind  outboundKind
	msg   messages.Message
	at    time.Time
	name  string
	apply func(ctx context.Context) error
}

func send(msg messages.Message) outbound    { return outbound{kind: outSend, msg: msg} }
func publish(msg messages.Message) outbound { return outbound{kind: outPublish, msg: msg} }
func schedule(msg messages.Message, at time.Time) outbound {
	return outbound{kind: outSchedule, msg: msg, at: at}
}
func notify(n messages.PaymentNotification) outbound { return outbound{kind: outNotify, msg: n} }

// command runs fn only once the saga has claimed the step that decided it.
func command(name string, fn func(ctx context.Context) error) outbound {
	return outbound{kind: outApply, name: name, apply: fn}
}

func (s *Saga) paymentCommand(name string, paymentID domain.PaymentID, fn func(p *domain.Payment) error) outbound {
	return command(name, func(ctx context.Context) error {
		_, err := s.payments.Execute(ctx, paymentID, fn)
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil
		}
		return err
	})
}

// transition is the body of a handler. It mutates saga and returns the
// messages to emit. changed=false skips the save.
type transition func(ctx context.Context, saga *domain.PaymentProcessingSagaState) (out []outbound, changed bool, err error)

// mutate loads the saga, runs fn and stores the result, reloading and running
// fn again on a version conflict. fn only decides; payment commands and
// outbound messages run after the state is stored, so a losing attempt leaves
// no trace on the payment.
func (s *Saga) mutate(ctx context.Context, handler string, correlationID uuid.UUID, fn transition) (err error) {
	ctx, span := s.tracer.Start(ctx, "saga."+handler, trace.WithAttributes(
		attribute.String("saga.correlation_id", correlationID.String()),
	))
	start := time.Now()
	defer func() {
		s.observer.HandlerDuration(handler, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		saga, err := s.repo.Get(ctx, correlationID)
		if err != nil {
			return err
		}
		out, changed, err := fn(ctx, saga)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		err = s.repo.Update(ctx, saga)
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			s.logger.Debug("saga update conflict, reloading", "correlation_id", correlationID, "handler", handler, "attempt", attempt)
			continue
		}
		if err != nil {
			return err
		}

		span.SetAttributes(attribute.String("saga.step", string(saga.CurrentStep)), attribute.String("saga.status", string(saga.Status)))
		s.observer.SagaTransition(string(saga.CurrentStep), string(saga.Status))
		return s.emit(ctx, saga, out)
	}
	return fmt.Errorf("saga %s: %w after %d attempts", correlationID, eventsourcing.ErrConcurrencyConflict, maxConflictRetries)
}

// emit runs out in order. Failures are logged and audited; the saga timeout
// compensates for a lost command. A failed payment command stops the rest and
// is returned.
func (s *Saga) emit(ctx context.Context, saga *domain.PaymentProcessingSagaState, out []outbound) error {
	var failed []string
	var commandErr error
	for _, o := range out {
		if o.kind == outApply {
			if commandErr = o.apply(ctx); commandErr != nil {
				s.logger.Error("payment command failed after saga step was stored",
					"correlation_id", saga.CorrelationID,
					"payment_id", saga.PaymentID,
					"command", o.name,
					"step", saga.CurrentStep,
					"error", commandErr,
				)
				failed = append(failed, o.name+": "+commandErr.Error())
				break
			}
			continue
		}
		var err error
		switch o.kind {
		case outSend:
			err = s.bus.Send(ctx, o.msg)
		case outPublish:
			err = s.bus.Publish(ctx, o.msg)
		case outSchedule:
			err = s.bus.Schedule(ctx, o.msg, o.at)
		case outNotify:
			if s.notifier != nil && !s.notifier.Enqueue(o.msg.(messages.PaymentNotification)) {
				s.logger.Warn("notification dropped", "correlation_id", saga.CorrelationID)
			}
		}
		if err != nil {
			s.logger.Error("failed to emit saga message",
				"correlation_id", saga.CorrelationID,
				"message", o.msg.MessageName(),
				"idempotency_key", o.msg.Key(),
				"error", err,
			)
			failed = append(failed, o.msg.MessageName()+": "+err.Error())
		}
	}
	if len(failed) == 0 {
		return nil
	}

	err := s.record(ctx, saga.CorrelationID, AuditOutboundFailed, map[string]any{"errors": failed})
	if err != nil {
		s.logger.Error("failed to audit emit failure", "correlation_id", saga.CorrelationID, "error", err)
	}
	return commandErr
}

// record appends an audit entry without changing step or status.
func (s *Saga) record(ctx context.Context, correlationID uuid.UUID, name string, payload any) error {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		saga, err := s.repo.Get(ctx, correlationID)
		if err != nil {
			return err
		}
		saga.Record(name, payload, s.clock())
		err = s.repo.Update(ctx, saga)
		if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			return err
		}
	}
	return eventsourcing.ErrConcurrencyConflict
}

// StartPayment is the validated request to start a saga.
type StartPayment struct {
	CorrelationID  uuid.UUID
	IdempotencyKey string
	CustomerID     string
	MerchantID     string
	Amount         domain.Money
	Reference      string
	CardHash       string
}

// Start creates the saga and its payment, asks for a fraud verdict and arms
// the saga timeout. A second start with the same idempotency key fails with
// domain.ErrDuplicateRequest.
func (s *Saga) Start(ctx context.Context, cmd StartPayment) (*domain.PaymentProcessingSagaState, error) {
	ctx, span := s.tracer.Start(ctx, "saga.Start")
	defer span.End()

	payer, err := domain.NewAccountID(cmd.CustomerID)
	if err != nil {
		return nil, err
	}
	payee, err := domain.NewAccountID(cmd.MerchantID)
	if err != nil {
		return nil, err
	}
	paymentID := domain.NewRandomPaymentID()
	payment, err := s.payments.Prepare(paymentID, cmd.Amount, payer, payee, cmd.Reference)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	saga := domain.NewPaymentSaga(cmd.CorrelationID, cmd.IdempotencyKey, cmd.CustomerID, cmd.MerchantID, cmd.Amount, now)
	saga.PaymentID = &paymentID
	saga.Reference = payment.Reference()
	saga.CardHash = cmd.CardHash
	saga.Record(AuditSagaStarted, map[string]any{
		"payment_id": paymentID,
		"amount":     cmd.Amount,
		"customer":   cmd.CustomerID,
		"merchant":   cmd.MerchantID,
	}, now)

	if err := s.repo.Create(ctx, saga); err != nil {
		return nil, err
	}
	log := s.logger.With("correlation_id", saga.CorrelationID, "payment_id", paymentID, "idempotency_key", saga.IdempotencyKey)

	if err := s.payments.SaveNew(ctx, payment); err != nil {
		log.Error("failed to persist payment, failing saga", "error", err)
		s.abortStart(ctx, saga, "payment could not be stored: "+err.Error())
		return nil, err
	}

	deadline := now.Add(s.settings.Timeout)
	saga.CurrentStep = domain.StepFraudDetection
	saga.Record(AuditFraudCheckRequested, map[string]any{"deadline": deadline}, now)
	if err := s.repo.Update(ctx, saga); err != nil {
		return nil, err
	}
	s.observer.SagaTransition(string(saga.CurrentStep), string(saga.Status))

	check := messages.RunFraudCheck{
		Header:     messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixFraud)),
		PaymentID:  paymentID,
		Amount:     cmd.Amount,
		CustomerID: cmd.CustomerID,
		MerchantID: cmd.MerchantID,
		CardHash:   cmd.CardHash,
	}
	timeout := messages.SagaTimeout{
		Header:   messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixTimeout)),
		Deadline: deadline,
	}
	if err := s.bus.Schedule(ctx, timeout, deadline); err != nil {
		log.Error("failed to arm saga timeout, failing saga", "error", err)
		s.abortStart(ctx, saga, "saga timeout could not be scheduled")
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	if err := s.bus.Send(ctx, check); err != nil {
		log.Error("failed to request fraud check, failing saga", "error", err)
		s.abortStart(ctx, saga, "fraud check could not be requested")
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}

	log.Info("saga started", "step", saga.CurrentStep)
	return saga, nil
}

// abortStart fails a saga whose start could not complete.
func (s *Saga) abortStart(ctx context.Context, saga *domain.PaymentProcessingSagaState, reason string) {
	ctx = context.WithoutCancel(ctx)
	if saga.PaymentID != nil {
		_, err := s.payments.Execute(ctx, *saga.PaymentID, func(p *domain.Payment) error {
			if p.State() == domain.StateFailed {
				return nil
			}
			return p.Fail(reason)
		})
		if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
			s.logger.Error("failed to fail payment", "payment_id", saga.PaymentID, "error", err)
		}
	}
	err := s.mutate(ctx, "AbortStart", saga.CorrelationID, func(_ context.Context, st *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if st.IsTerminal() {
			return nil, false, nil
		}
		now := s.clock()
		st.Record(AuditStartFailed, map[string]string{"reason": reason}, now)
		st.FailWith(domain.StepFailed, domain.SagaFailed, reason, now)
		return nil, true, nil
	})
	if err != nil {
		s.logger.Error("failed to fail saga", "correlation_id", saga.CorrelationID, "error", err)
	}
}

func (s *Saga) Get(ctx context.Context, correlationID uuid.UUID) (*domain.PaymentProcessingSagaState, error) {
	return s.repo.Get(ctx, correlationID)
}

func (s *Saga) GetByPaymentID(ctx context.Context, paymentID domain.PaymentID) (*domain.PaymentProcessingSagaState, error) {
	return s.repo.GetByPaymentID(ctx, paymentID)
}

func (s *Saga) failedEvent(saga *domain.PaymentProcessingSagaState, reason string, reconcile bool) messages.PaymentProcessingFailed {
	return messages.PaymentProcessingFailed{
		Header:                 messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixFailed)),
		PaymentID:              saga.PaymentID,
		Reason:                 reason,
		ReconciliationRequired: reconcile,
		FailedAt:               s.clock(),
	}
}

func (s *Saga) notification(saga *domain.PaymentProcessingSagaState) (messages.PaymentNotification, bool) {
	if saga.PaymentID == nil {
		return messages.PaymentNotification{}, false
	}
	amount, err := saga.Money()
	if err != nil {
		return messages.PaymentNotification{}, false
	}
	return messages.PaymentNotification{
		Header:     messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixNotify)),
		PaymentID:  *saga.PaymentID,
		Status:     saga.Status,
		Amount:     amount,
		CustomerID: saga.CustomerID,
		MerchantID: saga.MerchantID,
		Channel:    "event",
	}, true
}

func withNotification(s *Saga, saga *domain.PaymentProcessingSagaState, out []outbound) []outbound {
	if n, ok := s.notification(saga); ok {
		out = append(out, notify(n))
	}
	return out
}

func (s *Saga) skip(saga *domain.PaymentProcessingSagaState, handler string) ([]outbound, bool, error) {
	s.logger.Debug("message does not apply to saga, ignoring",
		"handler", handler,
		"correlation_id", saga.CorrelationID,
		"step", saga.CurrentStep,
		"status", saga.Status,
	)
	return nil, false, nil
}

// HandleFraudResult branches on the verdict: Blocked cancels, High requests
// manual review, Low and Medium request a reservation.
func (s *Saga) HandleFraudResult(ctx context.Context, msg messages.FraudCheckCompleted) error {
	return s.mutate(ctx, "HandleFraudResult", msg.CorrelationID, func(_ context.Context, saga *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if saga.IsTerminal() || saga.CurrentStep != domain.StepFraudDetection || saga.PaymentID == nil {
			return s.skip(saga, "HandleFraudResult")
		}
		now := s.clock()
		result := msg.Result
		saga.FraudResult = &result
		saga.CurrentStep = domain.StepProcessingFraudResult
		saga.Record(AuditFraudResultReceived, result, now)
		paymentID := *saga.PaymentID

		switch result.RiskLevel.Decision() {
		case domain.DecisionCancel:
			cancel := messages.CancelPayment{
				Header:    messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixCancelFraud)),
				PaymentID: paymentID,
				Reason:    "fraud",
				By:        "fraud-detection",
			}
			saga.Record(AuditCancelRequested, map[string]string{"reason": cancel.Reason, "idempotency_key": cancel.Key()}, now)
			saga.FailWith(domain.StepCancellingDueToFraud, domain.SagaCancelledDueToFraud, "blocked by fraud detection", now)
			return withNotification(s, saga, []outbound{send(cancel)}), true, nil

		case domain.DecisionManualReview:
			return s.requestReview(saga, result, "fraud risk "+strings.ToLower(result.RiskLevel.String()), now), true, nil

		default:
			passed := s.paymentCommand("MarkAMLPassed", paymentID, func(p *domain.Payment) error {
				if p.AMLRuleSet() != "" {
					return nil
				}
				return p.MarkAMLPassed(s.settings.RuleSetVersion)
			})
			return append([]outbound{passed}, s.requestReservation(saga, now)...), true, nil
		}
	})
}

// requestReview flags the payment and parks the saga until a reviewer decides.
func (s *Saga) requestReview(saga *domain.PaymentProcessingSagaState, result domain.FraudResult, reason string, now time.Time) []outbound {
	paymentID := *saga.PaymentID
	flag := s.paymentCommand("Flag", paymentID, func(p *domain.Payment) error {
		if p.State() != domain.StateRequested {
			return nil
		}
		return p.Flag(reason, result.RiskLevel.Severity())
	})

	review := messages.RequestManualReview{
		Header:      messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixReview)),
		PaymentID:   paymentID,
		FraudResult: result,
		Reason:      reason,
	}
	saga.Record(AuditManualReviewRequested, map[string]string{"reason": reason, "idempotency_key": review.Key()}, now)
	saga.Finish(domain.StepAwaitingManualReview, domain.SagaAwaitingManualReview, now)
	return []outbound{flag, send(review)}
}

func (s *Saga) requestReservation(saga *domain.PaymentProcessingSagaState, now time.Time) []outbound {
	amount, _ := saga.Money()
	reserve := messages.ReserveFunds{
		Header:    messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixReserve)),
		PaymentID: *saga.PaymentID,
		Amount:    amount,
	}
	saga.CurrentStep = domain.StepReserving
	saga.Record(AuditReservationRequested, map[string]string{"idempotency_key": reserve.Key()}, now)
	return []outbound{send(reserve)}
}

// reservationIDFrom maps a processor reference onto a reservation id.
func reservationIDFrom(reference string) domain.ReservationID {
	if id, err := domain.ParseReservationID(reference); err == nil {
		return id
	}
	id, _ := domain.NewReservationID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("reservation:"+reference)))
	return id
}

// HandleReservation authorizes the amount at the processor and schedules settlement.
func (s *Saga) HandleReservation(ctx context.Context, msg messages.ReserveFunds) error {
	return s.mutate(ctx, "HandleReservation", msg.CorrelationID, func(ctx context.Context, saga *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if saga.IsTerminal() || saga.CurrentStep != domain.StepReserving || saga.PaymentID == nil {
			return s.skip(saga, "HandleReservation")
		}
		paymentID := *saga.PaymentID
		amount, err := saga.Money()
		if err != nil {
			return nil, false, err
		}
		payer, err := domain.NewAccountID(saga.CustomerID)
		if err != nil {
			return nil, false, err
		}

		payment, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return nil, false, err
		}
		resID, reserved := payment.ReservationID()
		if !reserved {
			res, authErr := resilience.Execute(ctx, s.gateway, func(ctx context.Context) (ports.ProcessorResult, error) {
				return s.processor.Authorize(ctx, paymentID, amount, payer)
			})
			now := s.clock()
			if authErr != nil || !res.Approved {
				return s.reservationFailed(ctx, saga, res, authErr, now)
			}
			resID = reservationIDFrom(res.Reference)
			_, err = s.payments.Execute(ctx, paymentID, func(p *domain.Payment) error {
				if p.State() == domain.StateReserved {
					return nil
				}
				return p.ReserveFunds(resID)
			})
			if err != nil {
				return nil, false, err
			}
		}

		now := s.clock()
		reservedAmount := amount.Amount()
		saga.ReservationID = &resID
		saga.ReservedAmount = &reservedAmount
		saga.Record(AuditFundsReserved, map[string]any{"reservation_id": resID, "amount": amount}, now)

		at := now.Add(s.settings.SettlementDelay)
		settle := messages.SettlePayment{
			Header:    messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixSettle)),
			PaymentID: paymentID,
		}
		saga.CurrentStep = domain.StepSettling
		saga.Record(AuditSettlementScheduled, map[string]any{"at": at, "idempotency_key": settle.Key()}, now)
		return []outbound{schedule(settle, at)}, true, nil
	})
}

func (s *Saga) reservationFailed(ctx context.Context, saga *domain.PaymentProcessingSagaState, res ports.ProcessorResult, authErr error, now time.Time) ([]outbound, bool, error) {
	paymentID := *saga.PaymentID
	declined := authErr == nil
	reason := "reservation declined: " + res.Reason
	if !declined {
		reason = "reservation unavailable: " + authErr.Error()
	}

	_, err := s.payments.Execute(ctx, paymentID, func(p *domain.Payment) error {
		switch p.State() {
		case domain.StateDeclined, domain.StateFailed:
			return nil
		case domain.StateRequested:
			if err := p.FailReservation(reason); err != nil {
				return err
			}
		}
		if declined {
			return p.Decline(reason)
		}
		return p.Fail(reason)
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Warn("reservation failed", "correlation_id", saga.CorrelationID, "payment_id", paymentID, "reason", reason)
	saga.Record(AuditReservationFailed, map[string]any{"reason": reason, "declined": declined}, now)
	saga.FailWith(domain.StepFailed, domain.SagaFailed, reason, now)
	return withNotification(s, saga, []outbound{publish(s.failedEvent(saga, reason, false))}), true, nil
}

// HandleSettlement journals and settles a reserved payment. A failure after a
// successful reservation is not rolled back: the payment stays journaled and
// the failure event asks for manual reconciliation.
func (s *Saga) HandleSettlement(ctx context.Context, msg messages.SettlePayment) error {
	return s.mutate(ctx, "HandleSettlement", msg.CorrelationID, func(ctx context.Context, saga *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if saga.IsTerminal() || saga.CurrentStep != domain.StepSettling || saga.PaymentID == nil {
			return s.skip(saga, "HandleSettlement")
		}
		paymentID := *saga.PaymentID

		payment, err := s.payments.Execute(ctx, paymentID, func(p *domain.Payment) error {
			if p.State() != domain.StateReserved {
				return nil
			}
			return p.Journal(domain.TransferEntries(p.PayerAccountID(), p.PayeeAccountID(), p.Amount()))
		})
		if err != nil {
			return nil, false, err
		}
		resID, ok := payment.ReservationID()
		if !ok {
			return nil, false, fmt.Errorf("payment %s has no reservation", paymentID)
		}

		var res ports.ProcessorResult
		if payment.State() != domain.StateSettled {
			var settleErr error
			res, settleErr = resilience.Execute(ctx, s.settlement, func(ctx context.Context) (ports.ProcessorResult, error) {
				return s.processor.Settle(ctx, paymentID, resID, payment.Amount())
			})
			if settleErr != nil || !res.Approved {
				reason := "settlement declined: " + res.Reason
				if settleErr != nil {
					reason = "settlement unavailable: " + settleErr.Error()
				}
				return s.settlementFailed(saga, payment, reason, s.clock())
			}
			payment, err = s.payments.Execute(ctx, paymentID, func(p *domain.Payment) error {
				if p.State() == domain.StateSettled {
					return nil
				}
				return p.Settle(settlementChannel, res.Reference)
			})
			if err != nil {
				return nil, false, err
			}
		}

		now := s.clock()
		settled := payment.Amount().Amount()
		saga.SettledAmount = &settled
		saga.CurrentStep = domain.StepNotifyingCompletion
		saga.Record(AuditPaymentSettled, map[string]any{"external_ref": payment.View().ExternalRef, "amount": payment.Amount()}, now)
		completed := messages.PaymentProcessingCompleted{
			Header:      messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixCompleted)),
			PaymentID:   paymentID,
			Amount:      payment.Amount(),
			ExternalRef: payment.View().ExternalRef,
			CompletedAt: now,
		}
		saga.Finish(domain.StepCompleted, domain.SagaCompleted, now)
		s.logger.Info("payment settled", "correlation_id", saga.CorrelationID, "payment_id", paymentID)
		return withNotification(s, saga, []outbound{publish(completed)}), true, nil
	})
}

func (s *Saga) settlementFailed(saga *domain.PaymentProcessingSagaState, payment *domain.Payment, reason string, now time.Time) ([]outbound, bool, error) {
	s.logger.Error("settlement failed after reservation, manual reconciliation required",
		"critical", true,
		"reconciliation_required", true,
		"correlation_id", saga.CorrelationID,
		"payment_id", payment.ID(),
		"payment_state", payment.State(),
		"reason", reason,
	)
	saga.Record(AuditSettlementFailed, map[string]any{
		"reason":                  reason,
		"payment_state":           payment.State(),
		"reconciliation_required": true,
	}, now)
	saga.FailWith(domain.StepFailed, domain.SagaFailed, reason, now)
	return []outbound{publish(s.failedEvent(saga, reason, true))}, true, nil
}

// HandleTimeout compensates a saga that did not finish in time. A timeout for
// a terminal saga does nothing.
func (s *Saga) HandleTimeout(ctx context.Context, msg messages.SagaTimeout) error {
	return s.mutate(ctx, "HandleTimeout", msg.CorrelationID, func(_ context.Context, saga *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if saga.IsTerminal() {
			s.logger.Info("timeout fired for finished saga, ignoring",
				"correlation_id", saga.CorrelationID, "status", saga.Status)
			return nil, false, nil
		}
		now := s.clock()
		step := saga.CurrentStep
		saga.Record(AuditTimeoutFired, map[string]any{"step": step, "deadline": msg.Deadline}, now)
		reason := fmt.Sprintf("saga timed out in step %s", step)

		switch step {
		case domain.StepFraudDetection, domain.StepProcessingFraudResult:
			s.logger.Warn("fraud check did not complete before the saga deadline, holding for manual review",
				"risk", fraudTimeoutRisk,
				"correlation_id", saga.CorrelationID,
				"payment_id", saga.PaymentID,
			)
			verdict := domain.FraudResult{RiskLevel: domain.RiskHigh, Factors: []string{fraudTimeoutRisk}, Fallback: true}
			if saga.FraudResult == nil {
				saga.FraudResult = &verdict
			}
			return s.requestReview(saga, verdict, fraudTimeoutRisk, now), true, nil

		case domain.StepReserving, domain.StepSettling:
			cancel := messages.CancelPayment{
				Header:    messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixCancelTimeout)),
				PaymentID: *saga.PaymentID,
				Reason:    "timeout",
				By:        "saga-timeout",
			}
			saga.Record(AuditCancelRequested, map[string]string{"reason": cancel.Reason, "idempotency_key": cancel.Key()}, now)
			saga.FailWith(domain.StepCompensating, domain.SagaTimedOut, reason, now)
			out := []outbound{send(cancel), publish(s.failedEvent(saga, reason, step == domain.StepSettling))}
			return withNotification(s, saga, out), true, nil

		default:
			var out []outbound
			if saga.PaymentID != nil {
				out = append(out, s.paymentCommand("Fail", *saga.PaymentID, func(p *domain.Payment) error {
					if p.State().IsTerminal() {
						return nil
					}
					return p.Fail(reason)
				}))
			}
			saga.FailWith(domain.StepTimedOut, domain.SagaTimedOut, reason, now)
			return append(out, publish(s.failedEvent(saga, reason, false))), true, nil
		}
	})
}

// HandleManualReviewRequested records that a review case was opened.
func (s *Saga) HandleManualReviewRequested(ctx context.Context, msg messages.ManualReviewRequested) error {
	return s.mutate(ctx, "HandleManualReviewRequested", msg.CorrelationID, func(_ context.Context, saga *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if saga.CurrentStep != domain.StepAwaitingManualReview {
			return s.skip(saga, "HandleManualReviewRequested")
		}
		if reviewCaseQueued(saga, msg.CaseRef) {
			return nil, false, nil
		}
		now := s.clock()
		saga.Record(AuditManualReviewQueued, map[string]any{"case_ref": msg.CaseRef, "queued_at": msg.QueuedAt}, now)
		if saga.CompletedAt == nil {
			saga.Finish(domain.StepAwaitingManualReview, domain.SagaAwaitingManualReview, now)
		}
		return nil, true, nil
	})
}

// reviewCaseQueued reports whether caseRef is already in the audit. An empty
// reference never matches.
func reviewCaseQueued(saga *domain.PaymentProcessingSagaState, caseRef string) bool {
	if caseRef == "" {
		return false
	}
	for _, e := range saga.Events {
		if e.Name != AuditManualReviewQueued {
			continue
		}
		var queued struct {
			CaseRef string `json:"case_ref"`
		}
		if err := json.Unmarshal(e.Payload, &queued); err == nil && queued.CaseRef == caseRef {
			return true
		}
	}
	return false
}

// ErrNotAwaitingReview is returned when a review decision targets a saga that is not waiting for one.
var ErrNotAwaitingReview = errors.New("saga is not awaiting manual review")

// ResolveReview applies a reviewer's decision. Approval releases the payment,
// arms a fresh saga deadline and resumes at the reservation step; rejection
// declines it.
func (s *Saga) ResolveReview(ctx context.Context, correlationID uuid.UUID, approve bool, reviewer, reason string) error {
	return s.mutate(ctx, "ResolveReview", correlationID, func(_ context.Context, saga *domain.PaymentProcessingSagaState) ([]outbound, bool, error) {
		if saga.Status != domain.SagaAwaitingManualReview || saga.PaymentID == nil {
			return nil, false, fmt.Errorf("%w: %s is %s", ErrNotAwaitingReview, saga.CorrelationID, saga.Status)
		}
		now := s.clock()
		paymentID := *saga.PaymentID

		if !approve {
			reject := command("RejectAfterReview", func(ctx context.Context) error {
				_, err := s.payments.RejectAfterReview(ctx, paymentID, reason)
				return err
			})
			saga.Record(AuditReviewRejected, map[string]string{"reviewer": reviewer, "reason": reason}, now)
			saga.FailWith(domain.StepFailed, domain.SagaFailed, "rejected in manual review: "+reason, now)
			out := []outbound{reject, publish(s.failedEvent(saga, saga.FailureReason, false))}
			return withNotification(s, saga, out), true, nil
		}

		deadline := now.Add(s.settings.Timeout)
		timeout := messages.SagaTimeout{
			Header:   messages.NewHeader(saga.CorrelationID, saga.FollowOnKey(domain.KeySuffixReviewTimeout)),
			Deadline: deadline,
		}
		release := command("ApproveAfterReview", func(ctx context.Context) error {
			_, err := s.payments.ApproveAfterReview(ctx, paymentID)
			return err
		})
		saga.Record(AuditReviewApproved, map[string]string{"reviewer": reviewer, "reason": reason}, now)
		saga.Status = domain.SagaRunning
		saga.CompletedAt = nil
		saga.Record(AuditTimeoutScheduled, map[string]any{"deadline": deadline, "idempotency_key": timeout.Key()}, now)
		out := []outbound{schedule(timeout, deadline), release}
		return append(out, s.requestReservation(saga, now)...), true, nil
	})
}

// HandleCancel compensates a payment in whatever state it reached. Funds held
// at the processor are released before the payment is closed. A settled
// payment is never cancelled.
func (s *Saga) HandleCancel(ctx context.Context, msg messages.CancelPayment) error {
	log := s.logger.With("correlation_id", msg.CorrelationID, "payment_id", msg.PaymentID, "reason", msg.Reason)

	payment, err := s.payments.GetByID(ctx, msg.PaymentID)
	if err != nil {
		return err
	}
	state := payment.State()
	switch state {
	case domain.StateDeclined, domain.StateFailed:
		log.Debug("payment already closed, nothing to cancel", "state", state)
		return nil
	case domain.StateSettled:
		log.Error("cancel requested for a settled payment, refund required", "critical", true)
		return s.record(ctx, msg.CorrelationID, AuditCancelRequested, map[string]any{
			"reason": msg.Reason, "by": msg.By, "skipped": "payment already settled",
		})
	}

	released := false
	if resID, ok := payment.ReservationID(); ok {
		res, err := resilience.Execute(ctx, s.gateway, func(ctx context.Context) (ports.ProcessorResult, error) {
			return s.processor.Cancel(ctx, msg.PaymentID, resID)
		})
		if err != nil {
			return fmt.Errorf("release reservation %s: %w", resID, err)
		}
		released = res.Approved
		if !res.Approved {
			log.Warn("processor refused to release reservation", "reservation_id", resID, "processor_reason", res.Reason)
		}
	}

	reason := msg.Reason + " (" + msg.By + ")"
	payment, err = s.payments.Execute(ctx, msg.PaymentID, func(p *domain.Payment) error {
		switch p.State() {
		case domain.StateRequested, domain.StateFlagged, domain.StateReleased:
			return p.Cancel(msg.By)
		case domain.StateReserved:
			return p.Decline(reason)
		case domain.StateJournaled:
			return p.Fail(reason)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("payment cancelled", "from_state", state, "state", payment.State(), "reservation_released", released)
	err = s.record(ctx, msg.CorrelationID, AuditPaymentCancelled, map[string]any{
		"reason":               msg.Reason,
		"by":                   msg.By,
		"from_state":           state,
		"state":                payment.State(),
		"reservation_released": released,
	})
	if errors.Is(err, domain.ErrSagaNotFound) {
		return nil
	}
	return err
}

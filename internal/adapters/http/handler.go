package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"payment-orchestration-engine/internal/app"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
	"payment-orchestration-engine/internal/eventsourcing"
)

// HeaderIdempotencyKey carries the caller's idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// PaymentReader is the read side used by the handlers.
type PaymentReader interface {
	GetByID(ctx context.Context, id domain.PaymentID) (*domain.Payment, error)
	GetAsOf(ctx context.Context, id domain.PaymentID, t time.Time) (*domain.Payment, error)
	History(ctx context.Context, id domain.PaymentID) ([]eventsourcing.Record, error)
}

// SagaController reads sagas and applies review decisions.
type SagaController interface {
	Get(ctx context.Context, correlationID uuid.UUID) (*domain.PaymentProcessingSagaState, error)
	ResolveReview(ctx context.Context, correlationID uuid.UUID, approve bool, reviewer, reason string) error
}

// PaymentHandler serves the payment API.
type PaymentHandler struct {
	initiator ports.PaymentInitiator
	payments  PaymentReader
	sagas     SagaController
	logger    *slog.Logger
}

func NewPaymentHandler(initiator ports.PaymentInitiator, payments PaymentReader, sagas SagaController, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		initiator: initiator,
		payments:  payments,
		sagas:     sagas,
		logger:    logger,
	}
}

// Routes mounts the API on r. Callers add authentication around it.
func (h *PaymentHandler) Routes(r chi.Router) {
	r.Post("/payments", h.HandleInitiate)
	r.Get("/payments/{id}", h.HandleGetPayment)
	r.Get("/payments/{id}/events", h.HandleGetEvents)
	r.Get("/sagas/{id}", h.HandleGetSaga)
	r.With(RequireRole(RoleReviewer, h.logger)).Post("/sagas/{id}/review", h.HandleReview)
}

type initiatePaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	CustomerID     string `json:"customer_id"`
	MerchantID     string `json:"merchant_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	CardNumber     string `json:"card_number"`
}

func (h *PaymentHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest, h.logger)
		return
	}
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}

	resp, err := h.initiator.Initiate(r.Context(), ports.InitiatePaymentRequest{
		IdempotencyKey: key,
		CustomerID:     req.CustomerID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reference:      req.Reference,
		CardNumber:     req.CardNumber,
	})
	if err != nil {
		h.writeError(w, r, err, "payment initiation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, resp, h.logger)
}

func (h *PaymentHandler) HandleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParsePaymentID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, "invalid payment id", http.StatusBadRequest, h.logger)
		return
	}

	var payment *domain.Payment
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			writeJSONError(w, "as_of must be an RFC 3339 timestamp", http.StatusBadRequest, h.logger)
			return
		}
		payment, err = h.payments.GetAsOf(r.Context(), id, asOf)
	} else {
		payment, err = h.payments.GetByID(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err, "payment lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, payment.View(), h.logger)
}

type eventResponse struct {
	Version       int             `json:"version"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

func (h *PaymentHandler) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParsePaymentID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, "invalid payment id", http.StatusBadRequest, h.logger)
		return
	}
	records, err := h.payments.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "event history lookup failed")
		return
	}
	out := make([]eventResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, eventResponse{
			Version:       rec.Version,
			Type:          rec.EventType,
			SchemaVersion: rec.SchemaVersion,
			OccurredAt:    rec.OccurredAt,
			Data:          rec.Data,
		})
	}
	writeJSON(w, http.StatusOK, out, h.logger)
}

func (h *PaymentHandler) HandleGetSaga(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, "invalid correlation id", http.StatusBadRequest, h.logger)
		return
	}
	saga, err := h.sagas.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "saga lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, saga, h.logger)
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (h *PaymentHandler) HandleReview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, "invalid correlation id", http.StatusBadRequest, h.logger)
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest, h.logger)
		return
	}
	reviewer, _ := SubjectFromContext(r.Context())

	if err := h.sagas.ResolveReview(r.Context(), id, req.Approve, reviewer, req.Reason); err != nil {
		h.writeError(w, r, err, "review decision failed")
		return
	}
	saga, err := h.sagas.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "saga lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, saga, h.logger)
}

// StatusFor maps an application error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrLockBusy),
		errors.Is(err, app.ErrNotAwaitingReview),
		errors.Is(err, eventsourcing.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrSagaNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStorageUnavailable),
		errors.Is(err, domain.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *PaymentHandler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := StatusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		h.logger.Warn("temporary failure in external dependency", "path", r.URL.Path, "error", err)
		writeJSONError(w, "service temporarily unavailable", status, h.logger)
	case status >= http.StatusInternalServerError:
		h.logger.Error(msg, "path", r.URL.Path, "error", err)
		writeJSONError(w, "internal server error", status, h.logger)
	default:
		writeJSONError(w, err.Error(), status, h.logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to write json response", "error", err)
	}
}

// writeJSONError sends {"error": message}.
func writeJSONError(w http.ResponseWriter, message string, status int, logger *slog.Logger) {
	writeJSON(w, status, map[string]string{"error": message}, logger)
}

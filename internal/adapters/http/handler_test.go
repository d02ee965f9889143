package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/app"
	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/ports"
	"payment-orchestration-engine/internal/eventsourcing"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	secret  = []byte("test-secret")
)

// Mock - implementation of the initiator
type MockInitiator struct {
	mock.Mock
}

func (m *MockInitiator) Initiate(ctx context.Context, req ports.InitiatePaymentRequest) (ports.InitiatePaymentResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(ports.InitiatePaymentResponse), args.Error(1)
}

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) GetByID(ctx context.Context, id domain.PaymentID) (*domain.Payment, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*domain.Payment)
	return p, args.Error(1)
}

func (m *MockPayments) GetAsOf(ctx context.Context, id domain.PaymentID, t time.Time) (*domain.Payment, error) {
	args := m.Called(ctx, id, t)
	p, _ := args.Get(0).(*domain.Payment)
	return p, args.Error(1)
}

func (m *MockPayments) History(ctx context.Context, id domain.PaymentID) ([]eventsourcing.Record, error) {
	args := m.Called(ctx, id)
	records, _ := args.Get(0).([]eventsourcing.Record)
	return records, args.Error(1)
}

type MockSagas struct {
	mock.Mock
}

func (m *MockSagas) Get(ctx context.Context, id uuid.UUID) (*domain.PaymentProcessingSagaState, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*domain.PaymentProcessingSagaState)
	return s, args.Error(1)
}

func (m *MockSagas) ResolveReview(ctx context.Context, id uuid.UUID, approve bool, reviewer, reason string) error {
	return m.Called(ctx, id, approve, reviewer, reason).Error(0)
}

type fixture struct {
	initiator *MockInitiator
	payments  *MockPayments
	sagas     *MockSagas
	router    http.Handler
}

func newFixture() *fixture {
	f := &fixture{initiator: new(MockInitiator), payments: new(MockPayments), sagas: new(MockSagas)}
	h := NewPaymentHandler(f.initiator, f.payments, f.sagas, discard)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(JWTMiddleware(secret, discard))
		h.Routes(r)
	})
	f.router = r
	return f
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := IssueToken(secret, "tester", roles, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (f *fixture) do(t *testing.T, method, path, body, auth string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleInitiate(t *testing.T) {
	body := `{"customer_id":"acct-A","merchant_id":"acct-B","amount":"100.00","currency":"USD","card_number":"4111111111111111"}`

	t.Run("accepted", func(t *testing.T) {
		// --- Arrange ---
		f := newFixture()
		want := ports.InitiatePaymentResponse{
			CorrelationID: uuid.New(),
			PaymentID:     domain.NewRandomPaymentID(),
			Status:        domain.SagaRunning,
			Step:          domain.StepFraudDetection,
		}
		f.initiator.On("Initiate", mock.Anything, mock.MatchedBy(func(req ports.InitiatePaymentRequest) bool {
			return req.IdempotencyKey == "order-1" && req.Amount == "100.00" && req.CardNumber == "4111111111111111"
		})).Return(want, nil).Once()

		// --- Act ---
		rec := f.do(t, http.MethodPost, "/api/v1/payments", body, token(t, RoleService), HeaderIdempotencyKey, "order-1")

		// --- Assert ---
		require.Equal(t, http.StatusAccepted, rec.Code)
		var got ports.InitiatePaymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, want.PaymentID, got.PaymentID)
		assert.Equal(t, want.CorrelationID, got.CorrelationID)
		f.initiator.AssertExpectations(t)
	})

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", domain.ErrInvalidAmount, http.StatusBadRequest},
		{"duplicate", domain.ErrDuplicateRequest, http.StatusConflict},
		{"in flight", domain.ErrLockBusy, http.StatusConflict},
		{"broker down", domain.ErrBrokerUnavailable, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.initiator.On("Initiate", mock.Anything, mock.Anything).Return(ports.InitiatePaymentResponse{}, tc.err).Once()

			rec := f.do(t, http.MethodPost, "/api/v1/payments", body, token(t), HeaderIdempotencyKey, "order-2")

			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/v1/payments", "{", token(t))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		f.initiator.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
	})
}

func TestHandleGetPayment(t *testing.T) {
	id := domain.NewRandomPaymentID()
	payment, err := domain.Create(id, domain.MustMoney("100", "USD"), domain.MustAccountID("acct-A"), domain.MustAccountID("acct-B"), "order-1")
	require.NoError(t, err)

	t.Run("current state", func(t *testing.T) {
		f := newFixture()
		f.payments.On("GetByID", mock.Anything, id).Return(payment, nil).Once()

		rec := f.do(t, http.MethodGet, "/api/v1/payments/"+id.String(), "", token(t))

		require.Equal(t, http.StatusOK, rec.Code)
		var view map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		assert.Equal(t, "Requested", view["state"])
		assert.Equal(t, id.String(), view["id"])
	})

	t.Run("as of", func(t *testing.T) {
		f := newFixture()
		asOf := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		f.payments.On("GetAsOf", mock.Anything, id, asOf).Return(payment, nil).Once()

		rec := f.do(t, http.MethodGet, "/api/v1/payments/"+id.String()+"?as_of=2026-05-01T10:00:00Z", "", token(t))

		assert.Equal(t, http.StatusOK, rec.Code)
		f.payments.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture()
		f.payments.On("GetByID", mock.Anything, id).Return(nil, domain.ErrPaymentNotFound).Once()

		rec := f.do(t, http.MethodGet, "/api/v1/payments/"+id.String(), "", token(t))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad id and bad timestamp", func(t *testing.T) {
		f := newFixture()
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/payments/nope", "", token(t)).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/payments/"+id.String()+"?as_of=yesterday", "", token(t)).Code)
	})
}

func TestHandleGetEvents(t *testing.T) {
	f := newFixture()
	id := domain.NewRandomPaymentID()
	f.payments.On("History", mock.Anything, id).Return([]eventsourcing.Record{
		{StreamID: id.String(), Version: 1, EventType: domain.EventPaymentRequested, SchemaVersion: 1, Data: json.RawMessage(`{}`)},
		{StreamID: id.String(), Version: 2, EventType: domain.EventAMLPassed, SchemaVersion: 1, Data: json.RawMessage(`{}`)},
	}, nil).Once()

	rec := f.do(t, http.MethodGet, "/api/v1/payments/"+id.String()+"/events", "", token(t))

	require.Equal(t, http.StatusOK, rec.Code)
	var events []eventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventAMLPassed, events[1].Type)
	assert.Equal(t, 2, events[1].Version)
}

func TestHandleReview(t *testing.T) {
	corr := uuid.New()

	t.Run("requires reviewer role", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/v1/sagas/"+corr.String()+"/review", `{"approve":true}`, token(t, RoleService))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		f.sagas.AssertNotCalled(t, "ResolveReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("applies decision as the token subject", func(t *testing.T) {
		f := newFixture()
		saga := &domain.PaymentProcessingSagaState{CorrelationID: corr, Status: domain.SagaRunning}
		f.sagas.On("ResolveReview", mock.Anything, corr, false, "tester", "stolen card").Return(nil).Once()
		f.sagas.On("Get", mock.Anything, corr).Return(saga, nil).Once()

		rec := f.do(t, http.MethodPost, "/api/v1/sagas/"+corr.String()+"/review", `{"approve":false,"reason":"stolen card"}`, token(t, RoleReviewer))

		assert.Equal(t, http.StatusOK, rec.Code)
		f.sagas.AssertExpectations(t)
	})

	t.Run("not awaiting review", func(t *testing.T) {
		f := newFixture()
		f.sagas.On("ResolveReview", mock.Anything, corr, true, "tester", "").Return(app.ErrNotAwaitingReview).Once()

		rec := f.do(t, http.MethodPost, "/api/v1/sagas/"+corr.String()+"/review", `{"approve":true}`, token(t, RoleReviewer))

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestJWTMiddleware(t *testing.T) {
	f := newFixture()
	path := "/api/v1/sagas/" + uuid.NewString()

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, "", "Token abc").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, "", "Bearer not-a-jwt").Code)

	t.Run("expired token", func(t *testing.T) {
		tok, err := IssueToken(secret, "tester", nil, -time.Minute)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, "", "Bearer "+tok).Code)
	})

	t.Run("wrong signing method", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
			"sub": "tester", "exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(secret)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, "", "Bearer "+tok).Code)
	})

	t.Run("token without expiry", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "tester"}).SignedString(secret)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, "", "Bearer "+tok).Code)
	})
}

func TestAuthHandler_HandleToken(t *testing.T) {
	h := NewAuthHandler(discard, string(secret))

	rec := httptest.NewRecorder()
	h.HandleToken(rec, httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(`{"subject":"ops","roles":["reviewer"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	var gotSubject string
	var gotRoles []string
	protected := JWTMiddleware(secret, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		claims, _ := ClaimsFromContext(r.Context())
		gotRoles = rolesFromClaims(claims)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	protected.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "ops", gotSubject)
	assert.Equal(t, []string{RoleReviewer}, gotRoles)

	t.Run("unknown role", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.HandleToken(rec, httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewBufferString(`{"subject":"ops","roles":["admin"]}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (f *fakeLimiter) IsAllowed(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allowed, f.err
}

func TestRateLimiterMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	cases := []struct {
		name    string
		limiter *fakeLimiter
		code    int
	}{
		{"allowed", &fakeLimiter{allowed: true}, http.StatusNoContent},
		{"limited", &fakeLimiter{allowed: false}, http.StatusTooManyRequests},
		{"limiter down fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := NewRateLimiterMiddleware(tc.limiter, 10, time.Minute, discard)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.7:5555"
			rec := httptest.NewRecorder()

			mw.Handler(ok).ServeHTTP(rec, req)

			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, []string{"ip:10.0.0.7"}, tc.limiter.keys)
		})
	}
}

package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestLoggerMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fallback := slog.Default()

	var got *slog.Logger
	h := NewLoggerMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LoggerFromContext(r.Context(), fallback)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Same(t, logger, got)
	assert.Same(t, fallback, LoggerFromContext(context.Background(), fallback))
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "", "test")
	assert.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestMetrics(t *testing.T) {
	var m Metrics

	before := testutil.ToFloat64(messagesHandledTotal.WithLabelValues("RunFraudCheck"))
	m.MessageHandled("RunFraudCheck")
	assert.Equal(t, before+1, testutil.ToFloat64(messagesHandledTotal.WithLabelValues("RunFraudCheck")))

	m.BreakerStateChanged("gateway", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(circuitBreakerState.WithLabelValues("gateway")))

	dropped := testutil.ToFloat64(notificationsDropped)
	m.NotificationDropped()
	assert.Equal(t, dropped+1, testutil.ToFloat64(notificationsDropped))

	m.HandlerDuration("settlement", time.Millisecond, nil)
	assert.Equal(t, 1, testutil.CollectAndCount(sagaHandlerDuration))
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(NewMetricsMiddleware("test-svc"))
	r.Get("/payments/{id}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/payments/abc", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("test-svc", http.MethodGet, "/payments/{id}", "200")))
}

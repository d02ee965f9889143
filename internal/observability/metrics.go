package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "code"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	sagaTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Saga transitions by resulting step and status.",
		},
		[]string{"step", "status"},
	)
	sagaHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_handler_duration_seconds",
			Help:    "Duration of saga message handlers.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "outcome"},
	)
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per policy (0 closed, 1 half-open, 2 open).",
		},
		[]string{"policy"},
	)
	fraudFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fraud_scorer_fallbacks_total",
			Help: "Fraud verdicts produced by the fallback rule because the scorer was unavailable.",
		},
	)
	messagesHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_handled_total",
			Help: "Bus messages handled, by message name.",
		},
		[]string{"message"},
	)
	notificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications dropped because the queue was full.",
		},
	)
)

// NewMetricsMiddleware Creates HTTP middleware for collecting Prometheus metrics.
// Paths are reported as chi route patterns to keep label cardinality bounded.
func NewMetricsMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				path := r.URL.Path
				if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
					path = rc.RoutePattern()
				}

				httpRequestDuration.WithLabelValues(serviceName, r.Method, path).Observe(duration.Seconds())
				httpRequestsTotal.WithLabelValues(serviceName, r.Method, path, strconv.Itoa(ww.Status())).Inc()
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Metrics exports orchestration metrics. The zero value is ready to use.
type Metrics struct{}

func (Metrics) SagaTransition(step, status string) {
	sagaTransitionsTotal.WithLabelValues(step, status).Inc()
}

func (Metrics) HandlerDuration(handler string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sagaHandlerDuration.WithLabelValues(handler, outcome).Observe(d.Seconds())
}

// BreakerStateChanged matches resilience.StateObserver.
func (Metrics) BreakerStateChanged(policy string, _, to gobreaker.State) {
	circuitBreakerState.WithLabelValues(policy).Set(float64(to))
}

func (Metrics) FraudFallback() { fraudFallbacksTotal.Inc() }

func (Metrics) NotificationDropped() { notificationsDropped.Inc() }

func (Metrics) MessageHandled(name string) { messagesHandledTotal.WithLabelValues(name).Inc() }

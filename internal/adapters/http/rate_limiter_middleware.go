package http

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"payment-orchestration-engine/internal/core/ports"
)

// RateLimiterMiddleware limits requests per client in fixed windows.
type RateLimiterMiddleware struct {
	repo   ports.RateLimiterRepository
	limit  int
	window time.Duration
	logger *slog.Logger
}

func NewRateLimiterMiddleware(repo ports.RateLimiterRepository, limit int, window time.Duration, logger *slog.Logger) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		repo:   repo,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Handler keys requests by token subject when authenticated, by client IP otherwise.
func (m *RateLimiterMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := m.clientKey(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := m.repo.IsAllowed(r.Context(), key, m.limit, m.window)
		if err != nil {
			// Fail open.
			m.logger.Error("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			writeJSONError(w, "Too Many Requests", http.StatusTooManyRequests, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimiterMiddleware) clientKey(r *http.Request) (string, bool) {
	if sub, ok := SubjectFromContext(r.Context()); ok {
		return "sub:" + sub, true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		m.logger.Error("could not determine client IP", "remote_addr", r.RemoteAddr, "error", err)
		return "", false
	}
	return "ip:" + ip, true
}

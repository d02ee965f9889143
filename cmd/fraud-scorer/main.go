// fraud-scorer serves the rule engine over HTTP so the engine can be pointed at
// it through anti_fraud.scorer_url.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payment-orchestration-engine/internal/adapters/storage/redis"
	"payment-orchestration-engine/internal/antifraud"
	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/observability"
)

func main() {
	port := flag.String("port", envOr("FRAUD_SCORER_PORT", "8090"), "Port to listen on")
	flag.Parse()

	fallbackLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	configPath := envOr("CONFIG_PATH", "configs/config.yml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fallbackLogger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg.App.Env, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("Failed to close redis connection", "error", err)
		}
	}()

	engine := antifraud.NewCachingRuleEngine(rdb, cfg.AntiFraud)
	h := newScoreHandler(engine, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.NewMetricsMiddleware("fraud-scorer"))
	r.Post("/score", h.HandleScore)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Fraud scorer started", "port", *port, "rule_set", cfg.AntiFraud.RuleSetVersion)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	logger.Info("Fraud scorer stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

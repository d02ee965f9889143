// webhook-receiver is a stand-in merchant endpoint for payment notifications.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/observability"
)

// notification is the body posted by the notification adapter.
type notification struct {
	Event      string `json:"event"`
	PaymentID  string `json:"payment_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	CustomerID string `json:"customer_id"`
	MerchantID string `json:"merchant_id"`
}

// receiver logs each notification once per Idempotency-Key.
type receiver struct {
	logger *slog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

func newReceiver(logger *slog.Logger, limit int) *receiver {
	return &receiver{logger: logger, seen: make(map[string]struct{}), limit: limit}
}

// firstDelivery records key and reports whether it was new.
func (rc *receiver) firstDelivery(key string) bool {
	if key == "" {
		return true
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.seen[key]; ok {
		return false
	}
	rc.seen[key] = struct{}{}
	rc.order = append(rc.order, key)
	if len(rc.order) > rc.limit {
		delete(rc.seen, rc.order[0])
		rc.order = rc.order[1:]
	}
	return true
}

func (rc *receiver) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var n notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		rc.logger.Error("Failed to decode webhook", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if !rc.firstDelivery(key) {
		rc.logger.Info("duplicate notification ignored", "idempotency_key", key, "payment_id", n.PaymentID)
		w.WriteHeader(http.StatusOK)
		return
	}

	level := slog.LevelInfo
	if n.Status == "Failed" || n.Status == "Declined" {
		level = slog.LevelWarn
	}
	rc.logger.Log(r.Context(), level, "PAYMENT NOTIFICATION",
		"event", n.Event,
		"payment_id", n.PaymentID,
		"status", n.Status,
		"amount", n.Amount,
		"currency", n.Currency,
		"merchant_id", n.MerchantID,
		"idempotency_key", key,
	)
	w.WriteHeader(http.StatusOK)
}

func main() {
	port := flag.String("port", "8081", "Port to listen on")
	flag.Parse()

	fallbackLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fallbackLogger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.App.Env, cfg.App.LogLevel)
	rc := newReceiver(logger, 10000)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Post("/webhook", rc.handleWebhook)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "OK"}); err != nil {
			logger.Error("Failed to write health response", "error", err)
		}
	})

	logger.Info("Webhook receiver started", "port", *port)
	if err := http.ListenAndServe("0.0.0.0:"+*port, r); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

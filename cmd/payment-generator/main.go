package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-faker/faker/v4"
	"github.com/google/uuid"

	httphandler "payment-orchestration-engine/internal/adapters/http"
	"payment-orchestration-engine/internal/observability"
)

// paymentRequest mirrors the body of POST /api/v1/payments.
type paymentRequest struct {
	CustomerID string `json:"customer_id"`
	MerchantID string `json:"merchant_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reference  string `json:"reference"`
	CardNumber string `json:"card_number"`
}

type stats struct {
	mu       sync.Mutex
	byStatus map[int]int
	errors   int
}

func (s *stats) add(code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors++
		return
	}
	s.byStatus[code]++
}

func main() {
	// 1. Setting up flags
	target := flag.String("target", "http://localhost:8080", "Base URL of the payment service")
	rps := flag.Int("rps", 20, "Requests per second")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	secret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "Secret used to sign the service token")
	currencies := flag.String("currencies", "USD,EUR,GBP", "Comma-separated currencies to pick from")
	maxAmount := flag.Float64("max-amount", 2000, "Largest amount generated")
	duplicates := flag.Float64("duplicates", 0.05, "Share of requests that replay an earlier idempotency key")
	flag.Parse()

	logger := observability.SetupLogger("development", "info")
	if *secret == "" {
		logger.Error("a JWT secret is required (-jwt-secret or JWT_SECRET)")
		os.Exit(1)
	}
	if *rps <= 0 {
		logger.Error("rps must be positive")
		os.Exit(1)
	}

	token, err := httphandler.IssueToken([]byte(*secret), "payment-generator", []string{httphandler.RoleService}, 24*time.Hour)
	if err != nil {
		logger.Error("failed to sign token", "error", err)
		os.Exit(1)
	}

	g := &generator{
		url:        strings.TrimSuffix(*target, "/") + "/api/v1/payments",
		token:      token,
		currencies: strings.Split(*currencies, ","),
		maxAmount:  *maxAmount,
		duplicates: *duplicates,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		stats:      &stats{byStatus: make(map[int]int)},
	}
	logger.Info("starting generator", "target", g.url, "rps", *rps)

	// 2. Managing the request frequency via ticker
	ticker := time.NewTicker(time.Second / time.Duration(*rps))
	defer ticker.Stop()

	// 3. Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	// 4. Main loop
	var wg sync.WaitGroup
	for {
		select {
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.send(ctx)
			}()
		case <-ctx.Done():
			logger.Info("shutting down generator...")
			wg.Wait()
			g.report()
			return
		}
	}
}

type generator struct {
	url        string
	token      string
	currencies []string
	maxAmount  float64
	duplicates float64
	client     *http.Client
	logger     *slog.Logger
	stats      *stats

	mu     sync.Mutex
	recent []replay
}

type replay struct {
	key  string
	body []byte
}

// next returns a new request, or replays a recent one with the same key and body.
func (g *generator) next() (string, []byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.recent) > 0 && rand.Float64() < g.duplicates {
		r := g.recent[rand.IntN(len(g.recent))]
		return r.key, r.body, nil
	}

	key := uuid.NewString()
	body, err := json.Marshal(paymentRequest{
		CustomerID: "cust-" + faker.Username(),
		MerchantID: "merchant-" + faker.Word(),
		Amount:     fmt.Sprintf("%.2f", 1+rand.Float64()*(g.maxAmount-1)),
		Currency:   g.currencies[rand.IntN(len(g.currencies))],
		Reference:  "order-" + key[:8],
		CardNumber: faker.CCNumber(),
	})
	if err != nil {
		return "", nil, err
	}
	g.recent = append(g.recent, replay{key: key, body: body})
	if len(g.recent) > 100 {
		g.recent = g.recent[1:]
	}
	return key, body, nil
}

func (g *generator) send(ctx context.Context) {
	key, body, err := g.next()
	if err != nil {
		g.logger.Error("failed to marshal request", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		g.logger.Error("failed to build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set(httphandler.HeaderIdempotencyKey, key)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("failed to send request", "error", err)
		}
		g.stats.add(0, err)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			g.logger.Warn("failed to close response body", "error", err)
		}
	}()
	g.stats.add(resp.StatusCode, nil)

	if resp.StatusCode != http.StatusAccepted {
		g.logger.Warn("unexpected status", "status", resp.StatusCode, "idempotency_key", key)
		return
	}
	g.logger.Debug("payment accepted", "idempotency_key", key)
}

func (g *generator) report() {
	g.stats.mu.Lock()
	defer g.stats.mu.Unlock()
	args := []any{"transport_errors", g.stats.errors}
	for code, n := range g.stats.byStatus {
		args = append(args, fmt.Sprintf("http_%d", code), n)
	}
	g.logger.Info("generator finished", args...)
}

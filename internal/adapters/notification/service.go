package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"payment-orchestration-engine/internal/core/messages"
	"payment-orchestration-engine/internal/core/ports"
)

// Service publishes notifications on the bus and optionally posts them to a webhook.
type Service struct {
	bus        ports.MessageBus
	client     *http.Client
	webhookURL string
	logger     *slog.Logger
}

// NewService returns a notification service. An empty webhookURL disables webhooks.
func NewService(bus ports.MessageBus, webhookURL string, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		bus: bus,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		webhookURL: webhookURL,
		logger:     logger.With("component", "notification-service"),
	}
}

func (s *Service) SendPaymentNotification(ctx context.Context, n messages.PaymentNotification) error {
	if err := s.bus.Publish(ctx, n); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

type webhookPayload struct {
	Event      string `json:"event"`
	PaymentID  string `json:"payment_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	CustomerID string `json:"customer_id"`
	MerchantID string `json:"merchant_id"`
}

// SendWebhook posts the notification as JSON. Any non-2xx status is an error.
func (s *Service) SendWebhook(ctx context.Context, n messages.PaymentNotification) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		Event:      n.MessageName(),
		PaymentID:  n.PaymentID.String(),
		Status:     string(n.Status),
		Amount:     n.Amount.Amount().StringFixed(2),
		Currency:   n.Amount.Currency().Code(),
		CustomerID: n.CustomerID,
		MerchantID: n.MerchantID,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.Key())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	s.logger.Debug("webhook delivered", "payment_id", n.PaymentID, "status", n.Status)
	return nil
}

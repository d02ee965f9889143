package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestration-engine/internal/core/domain"
	"payment-orchestration-engine/internal/core/messages"
)

type recordingNotifications struct {
	mu         sync.Mutex
	sent       []messages.PaymentNotification
	webhooks   int
	webhookErr error
}

func (r *recordingNotifications) SendPaymentNotification(_ context.Context, n messages.PaymentNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifications) SendWebhook(context.Context, messages.PaymentNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks++
	return r.webhookErr
}

func (r *recordingNotifications) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type recordedDelivery struct {
	id      domain.PaymentID
	channel string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedDelivery
	err   error
}

func (f *fakeRecorder) RecordNotified(_ context.Context, id domain.PaymentID, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedDelivery{id: id, channel: channel})
	return f.err
}

func notificationFor(id domain.PaymentID) messages.PaymentNotification {
	return messages.PaymentNotification{
		Header:    messages.NewHeader(uuid.New(), "k-notify"),
		PaymentID: id,
		Status:    domain.SagaCompleted,
		Amount:    domain.MustMoney("10", "USD"),
		Channel:   "event",
	}
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	dropped := 0
	n := NewNotifier(&recordingNotifications{}, nil, 2, discard, func() { dropped++ })

	assert.True(t, n.Enqueue(notificationFor(domain.NewRandomPaymentID())))
	assert.True(t, n.Enqueue(notificationFor(domain.NewRandomPaymentID())))
	assert.False(t, n.Enqueue(notificationFor(domain.NewRandomPaymentID())))
	assert.Equal(t, 1, dropped)
}

func TestNotifier_DeliversAndRecords(t *testing.T) {
	// --- Arrange ---
	svc := &recordingNotifications{webhookErr: errors.New("webhook endpoint down")}
	rec := &fakeRecorder{}
	n := NewNotifier(svc, rec, 4, discard, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)

	id := domain.NewRandomPaymentID()

	// --- Act ---
	require.True(t, n.Enqueue(notificationFor(id)))

	// --- Assert ---
	require.Eventually(t, func() bool { return svc.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	n.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.calls, 1)
	assert.Equal(t, recordedDelivery{id: id, channel: "event"}, rec.calls[0])
	assert.Equal(t, 1, svc.webhooks)
}

package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"payment-orchestration-engine/internal/core/messages"
)

const (
	scheduledKey = "scheduled:messages"
	inflightKey  = "scheduled:inflight"
)

// claimScript moves due members into the inflight set, scored by lease
// expiry, so that only one poller delivers them. Members whose lease expired
// without an ack go back to the schedule first.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, m in ipairs(expired) do
	redis.call("ZREM", KEYS[2], m)
	redis.call("ZADD", KEYS[1], ARGV[1], m)
end
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, m in ipairs(due) do
	redis.call("ZREM", KEYS[1], m)
	redis.call("ZADD", KEYS[2], ARGV[3], m)
end
return due
`)

// Scheduler keeps delayed messages in a sorted set scored by due time.
// Delivery is at least once: a claimed message stays leased until deliver
// succeeds and is claimed again when the lease runs out.
type Scheduler struct {
	rdb    *redis.Client
	codec  *messages.Codec
	logger *slog.Logger
	poll   time.Duration
	batch  int
	retry  time.Duration
	lease  time.Duration
}

func NewScheduler(rdb *redis.Client, codec *messages.Codec, logger *slog.Logger, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Scheduler{
		rdb:    rdb,
		codec:  codec,
		logger: logger.With("component", "scheduler"),
		poll:   poll,
		batch:  100,
		retry:  5 * time.Second,
		lease:  30 * time.Second,
	}
}

// Add schedules msg for delivery at at. Scheduling the same message for the
// same time twice stores it once.
func (s *Scheduler) Add(ctx context.Context, msg messages.Message, at time.Time) error {
	data, err := s.codec.Encode(msg, at)
	if err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(at.UnixMilli()), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("redis ZADD failed: %w", err)
	}
	return nil
}

// Pending returns the number of messages not yet delivered, leased ones included.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	var scheduled, inflight *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		scheduled = pipe.ZCard(ctx, scheduledKey)
		inflight = pipe.ZCard(ctx, inflightKey)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return scheduled.Val() + inflight.Val(), nil
}

// Run delivers due messages until ctx is cancelled. A failed delivery is
// rescheduled after a short delay.
func (s *Scheduler) Run(ctx context.Context, deliver func(ctx context.Context, msg messages.Message) error) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if _, err := s.DeliverDue(ctx, time.Now(), deliver); err != nil {
			s.logger.Error("failed to deliver scheduled messages", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverDue hands every message due at now to deliver and returns how many were delivered.
func (s *Scheduler) DeliverDue(ctx context.Context, now time.Time, deliver func(ctx context.Context, msg messages.Message) error) (int, error) {
	due, err := claimScript.Run(ctx, s.rdb, []string{scheduledKey, inflightKey},
		strconv.FormatInt(now.UnixMilli(), 10), s.batch, strconv.FormatInt(now.Add(s.lease).UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to claim scheduled messages: %w", err)
	}

	delivered := 0
	for _, raw := range due {
		msg, env, err := s.codec.Decode([]byte(raw))
		if err != nil {
			s.logger.Error("dropping undecodable scheduled message", "error", err)
			s.ack(ctx, raw, "")
			continue
		}
		if err := deliver(ctx, msg); err != nil {
			s.logger.Warn("scheduled delivery failed, rescheduling",
				"message", env.Name, "idempotency_key", env.IdempotencyKey, "error", err)
			retryAt := now.Add(s.retry)
			_, txErr := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, inflightKey, raw)
				pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(retryAt.UnixMilli()), Member: raw})
				return nil
			})
			if txErr != nil {
				s.logger.Error("failed to reschedule message, lease expiry will retry it", "idempotency_key", env.IdempotencyKey, "error", txErr)
			}
			continue
		}
		s.ack(ctx, raw, env.IdempotencyKey)
		delivered++
	}
	return delivered, nil
}

// ack drops a delivered member from the inflight set. A failed ack means the
// message is delivered again after its lease.
func (s *Scheduler) ack(ctx context.Context, raw, key string) {
	if err := s.rdb.ZRem(ctx, inflightKey, raw).Err(); err != nil {
		s.logger.Warn("failed to ack scheduled message", "idempotency_key", key, "error", err)
	}
}

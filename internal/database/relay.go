package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var errMalformedPayload = errors.New("outbox payload is not valid JSON")

// RedisClient is the part of the Redis client the relay needs.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxRepo is the part of OutboxRepository the relay needs.
type OutboxRepo interface {
	Claim(ctx context.Context, limit int, hold time.Duration) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, event *OutboxEvent, cause error) (bool, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// ClaimHold is how long claimed events stay hidden from other relays.
	ClaimHold time.Duration
	// StreamMaxLen approximately caps each stream; 0 leaves streams untrimmed.
	StreamMaxLen int64
	// Retention is how long processed events are kept; 0 keeps them forever.
	Retention time.Duration
	// Observe, if set, is called once per publish attempt.
	Observe func(eventType string, err error)
}

// Relay drains the outbox into Redis streams. Several relays may run
// against one database; claims keep them from publishing the same row.
type Relay struct {
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	cfg       RelayConfig
	lastPurge time.Time
	now       func() time.Time
}

func NewRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimHold <= 0 {
		cfg.ClaimHold = time.Minute
	}

	return &Relay{
		redis:  redisClient,
		outbox: outbox,
		logger: logger.With("component", "relay"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Start relays until ctx is done. Errors are logged and retried on the
// next tick.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("failed to relay outbox", "error", err)
		}
		r.purge(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes claimed batches until the outbox has no due events left
// and returns how many were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	published := 0
	for ctx.Err() == nil {
		batch, err := r.outbox.Claim(ctx, r.cfg.BatchSize, r.cfg.ClaimHold)
		if err != nil {
			return published, err
		}

		ok := 0
		for _, event := range batch {
			if r.relay(ctx, event) {
				ok++
			}
		}
		published += ok

		// A batch with no successes usually means Redis is down; wait for
		// the next tick instead of walking the whole backlog.
		if len(batch) < r.cfg.BatchSize || ok == 0 {
			break
		}
	}
	return published, nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) bool {
	err := r.publish(ctx, event)
	if r.cfg.Observe != nil {
		r.cfg.Observe(event.EventType, err)
	}

	if err != nil {
		dead, markErr := r.outbox.MarkFailed(ctx, event, err)
		switch {
		case markErr != nil:
			r.logger.Error("failed to record publish failure",
				"event_id", event.ID,
				"error", markErr)
		case dead:
			r.logger.Error("event moved to dead letter",
				"event_id", event.ID,
				"event_type", event.EventType,
				"vendor_id", event.VendorID,
				"attempts", event.RetryCount,
				"error", err)
		default:
			r.logger.Warn("event publish failed, will retry",
				"event_id", event.ID,
				"event_type", event.EventType,
				"attempts", event.RetryCount,
				"error", err)
		}
		return false
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// The entry is already on the stream; a reclaim after the hold
		// expires publishes it again.
		r.logger.Error("failed to mark event processed",
			"event_id", event.ID,
			"error", err)
		return false
	}

	r.logger.Debug("event relayed",
		"event_id", event.ID,
		"event_type", event.EventType,
		"vendor_id", event.VendorID,
		"stream", event.TargetStream)
	return true
}

// publish appends event to its stream as flat string fields. Consumers
// dedupe on event_id.
func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return errMalformedPayload
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: []any{
			"event_id", event.ID.String(),
			"event_type", event.EventType,
			"vendor_id", event.VendorID,
			"aggregate_type", event.AggregateType,
			"aggregate_id", event.AggregateID,
			"occurred_at", event.CreatedAt.UTC().Format(time.RFC3339Nano),
			"attempt", strconv.Itoa(event.RetryCount + 1),
			"payload", string(event.Payload),
		},
	}
	if r.cfg.StreamMaxLen > 0 {
		args.MaxLen = r.cfg.StreamMaxLen
		args.Approx = true
	}

	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", event.TargetStream, err)
	}
	return nil
}

// purge runs at most once an hour.
func (r *Relay) purge(ctx context.Context) {
	if r.cfg.Retention <= 0 || ctx.Err() != nil {
		return
	}
	now := r.now()
	if now.Sub(r.lastPurge) < time.Hour {
		return
	}
	r.lastPurge = now

	n, err := r.outbox.Purge(ctx, r.cfg.Retention)
	if err != nil {
		r.logger.Error("failed to purge outbox", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("purged processed events", "count", n, "retention", r.cfg.Retention)
	}
}

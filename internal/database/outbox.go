package database

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-sync/internal/events"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed publishes after which an event
	// is parked as dead_letter.
	MaxRetryCount = 5

	maxRetryDelay = 5 * time.Minute
)

// OutboxEvent is one row of outbox_event.
type OutboxEvent struct {
	ID            uuid.UUID
	VendorID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	TargetStream  string
	Status        string
	RetryCount    int
	ErrorMessage  *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextRetryAt   *time.Time
}

func outboxEventFrom(e events.Event) *OutboxEvent {
	return &OutboxEvent{
		VendorID:      e.VendorID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.Type,
		Payload:       e.Payload,
	}
}

const outboxColumns = `id, vendor_id, aggregate_type, aggregate_id, event_type,
	payload, target_stream, status, retry_count,
	error_message, created_at, processed_at, next_retry_at`

// OutboxRepository stores catalog events next to the writes that caused
// them and hands them out to relays.
type OutboxRepository struct {
	db     *DB
	stream string
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db, stream: events.DefaultStream}
}

// InsertWithTx adds event to the outbox as part of tx.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = r.stream
	}
	event.CreatedAt = time.Now().UTC()
	if event.NextRetryAt == nil {
		due := event.CreatedAt
		event.NextRetryAt = &due
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (
			id, vendor_id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count, created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.VendorID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event %s: %w", event.EventType, err)
	}
	return nil
}

// Publish writes a standalone event in its own transaction. Sync run events
// go through here.
func (r *OutboxRepository) Publish(ctx context.Context, e events.Event) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return r.InsertWithTx(ctx, tx, outboxEventFrom(e))
	})
}

// Claim hands out up to limit due events, oldest first, and pushes their
// next_retry_at forward by hold so that concurrent relays skip them.
// Rows locked by another relay are skipped rather than waited on.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, hold time.Duration) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		UPDATE outbox_event SET next_retry_at = NOW() + $1::interval
		WHERE id IN (
			SELECT id FROM outbox_event
			WHERE status IN ($2, $3) AND next_retry_at <= NOW()
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		hold, OutboxStatusPending, OutboxStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEvent, error) {
		e := &OutboxEvent{}
		err := row.Scan(
			&e.ID, &e.VendorID, &e.AggregateType, &e.AggregateID, &e.EventType,
			&e.Payload, &e.TargetStream, &e.Status, &e.RetryCount,
			&e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox events: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sortByCreated(claimed)
	return claimed, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event SET status = $1, processed_at = NOW(), error_message = NULL
		WHERE id = $2`,
		OutboxStatusProcessed, id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event not found: %s", id)
	}
	return nil
}

// MarkFailed records a failed publish of event and schedules the next
// attempt. It reports whether the event was moved to dead_letter.
func (r *OutboxRepository) MarkFailed(ctx context.Context, event *OutboxEvent, cause error) (bool, error) {
	attempts := event.RetryCount + 1
	status := OutboxStatusFailed
	if attempts >= MaxRetryCount {
		status = OutboxStatusDeadLetter
	}

	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = $1, retry_count = $2, error_message = $3, next_retry_at = $4
		WHERE id = $5 AND retry_count = $6`,
		status, attempts, cause.Error(), calculateNextRetryTime(attempts), event.ID, event.RetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("outbox event %s changed while publishing", event.ID)
	}

	event.RetryCount = attempts
	event.Status = status
	return status == OutboxStatusDeadLetter, nil
}

// Purge deletes processed events older than retention.
func (r *OutboxRepository) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM outbox_event
		WHERE status = $1 AND processed_at < NOW() - $2::interval`,
		OutboxStatusProcessed, retention)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of outbox rows in any of statuses.
func (r *OutboxRepository) CountByStatus(ctx context.Context, statuses ...string) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox_event WHERE status = ANY($1)", statuses).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return count, nil
}

// calculateNextRetryTime backs off exponentially from 2s, capped at five
// minutes.
func calculateNextRetryTime(attempts int) time.Time {
	delay := maxRetryDelay
	if attempts < 9 {
		delay = min(time.Duration(1<<attempts)*time.Second, maxRetryDelay)
	}
	return time.Now().UTC().Add(delay)
}

func sortByCreated(evs []*OutboxEvent) {
	slices.SortStableFunc(evs, func(a, b *OutboxEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

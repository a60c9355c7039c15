// Package events defines the catalog domain events published to the
// vendor catalog stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/vendor-sync/internal/models"
)

const (
	// DefaultStream is the Redis stream catalog events are relayed to.
	DefaultStream = "stream:vendor_catalog"

	ProductCreated = "PRODUCT_CREATED"
	ProductUpdated = "PRODUCT_UPDATED"
	SyncCompleted  = "SYNC_COMPLETED"
	SyncFailed     = "SYNC_FAILED"

	AggregateProduct = "product"
	AggregateSyncRun = "sync_run"
)

// Event is one domain event before it is written to the outbox.
type Event struct {
	Type          string
	VendorID      string
	AggregateType string
	AggregateID   string
	Payload       json.RawMessage
}

type ProductPayload struct {
	ProductID  string    `json:"product_id"`
	VendorID   string    `json:"vendor_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	Price      float64   `json:"price"`
	Stock      int       `json:"stock"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type SyncPayload struct {
	RunID           string     `json:"run_id"`
	VendorID        string     `json:"vendor_id"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	ProductsFound   int        `json:"products_found"`
	ProductsCreated int        `json:"products_created"`
	ProductsUpdated int        `json:"products_updated"`
	ErrorCount      int        `json:"error_count"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ForProduct builds a PRODUCT_CREATED or PRODUCT_UPDATED event.
func ForProduct(p *models.Product, created bool) (Event, error) {
	eventType := ProductUpdated
	if created {
		eventType = ProductCreated
	}

	payload, err := json.Marshal(ProductPayload{
		ProductID:  p.ID.String(),
		VendorID:   p.VendorID,
		ExternalID: p.ExternalID,
		Name:       p.Name,
		Price:      p.Price,
		Stock:      p.Stock,
		UpdatedAt:  p.UpdatedAt,
	})
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal product payload: %w", err)
	}

	return Event{
		Type:          eventType,
		VendorID:      p.VendorID,
		AggregateType: AggregateProduct,
		AggregateID:   p.VendorID + ":" + p.ExternalID,
		Payload:       payload,
	}, nil
}

// ForSyncRun builds a SYNC_COMPLETED or SYNC_FAILED event for a finished run.
func ForSyncRun(run *models.SyncRun) (Event, error) {
	eventType := SyncCompleted
	if run.Status == models.SyncFailed {
		eventType = SyncFailed
	}

	payload, err := json.Marshal(SyncPayload{
		RunID:           run.ID.String(),
		VendorID:        run.VendorID,
		Source:          string(run.Source),
		Status:          string(run.Status),
		ProductsFound:   run.ProductsFound,
		ProductsCreated: run.ProductsCreated,
		ProductsUpdated: run.ProductsUpdated,
		ErrorCount:      len(run.Errors),
		Error:           run.Error,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
	})
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	return Event{
		Type:          eventType,
		VendorID:      run.VendorID,
		AggregateType: AggregateSyncRun,
		AggregateID:   run.ID.String(),
		Payload:       payload,
	}, nil
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the log. It backs deployments without an
// outbox, such as the file store.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Info("event published",
		"event_type", e.Type,
		"vendor_id", e.VendorID,
		"aggregate_type", e.AggregateType,
		"aggregate_id", e.AggregateID)
	return nil
}

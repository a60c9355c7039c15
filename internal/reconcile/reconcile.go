// Package reconcile merges incoming product records into the catalog,
// keyed by (vendorId, externalId).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/normalize"
)

// ProductStore is the persistence boundary. FindProduct returns nil, nil
// when no row matches; CreateProduct returns models.ErrDuplicateProduct when
// the key is already taken.
type ProductStore interface {
	FindProduct(ctx context.Context, vendorID, externalID string) (*models.Product, error)
	CreateProduct(ctx context.Context, p *models.Product) error
	UpdateProduct(ctx context.Context, p *models.Product) error
}

type Reconciler struct {
	store  ProductStore
	logger *slog.Logger
	now    func() time.Time
}

func New(store ProductStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger.With("component", "reconciler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BatchResult aggregates the outcome of reconciling a list of records.
type BatchResult struct {
	Created int
	Updated int
	Records []models.RecordResult
	Errors  []models.RecordError
}

// Reconcile validates one record and creates or updates the matching
// product. It never returns an error; failures are reported in the result.
func (r *Reconciler) Reconcile(ctx context.Context, vendorID string, raw models.RawProduct) models.RecordResult {
	record, err := normalize.Product(raw)
	if err != nil {
		return models.RecordResult{
			ExternalID: record.ExternalID,
			Status:     models.RecordFailed,
			Message:    err.Error(),
		}
	}

	result, err := r.upsert(ctx, vendorID, record)
	if err != nil {
		r.logger.Warn("failed to reconcile record",
			"vendor_id", vendorID,
			"external_id", record.ExternalID,
			"error", err)
		return models.RecordResult{
			ExternalID: record.ExternalID,
			Status:     models.RecordFailed,
			Message:    err.Error(),
		}
	}
	return result
}

// ReconcileBatch reconciles records in order. Per-record failures are
// collected; only a done context stops the batch early.
func (r *Reconciler) ReconcileBatch(ctx context.Context, vendorID string, records []models.RawProduct) (*BatchResult, error) {
	batch := &BatchResult{
		Records: make([]models.RecordResult, 0, len(records)),
		Errors:  []models.RecordError{},
	}

	for i, raw := range records {
		if err := ctx.Err(); err != nil {
			return batch, fmt.Errorf("reconciliation aborted after %d of %d records: %w", i, len(records), err)
		}

		res := r.Reconcile(ctx, vendorID, raw)
		batch.Records = append(batch.Records, res)

		switch res.Status {
		case models.RecordCreated:
			batch.Created++
		case models.RecordUpdated:
			batch.Updated++
		default:
			batch.Errors = append(batch.Errors, models.RecordError{
				ExternalID: res.ExternalID,
				Message:    res.Message,
			})
		}
	}

	return batch, nil
}

func (r *Reconciler) upsert(ctx context.Context, vendorID string, record models.NormalizedProduct) (models.RecordResult, error) {
	existing, err := r.store.FindProduct(ctx, vendorID, record.ExternalID)
	if err != nil {
		return models.RecordResult{}, fmt.Errorf("failed to look up product: %w", err)
	}

	if existing == nil {
		p := newProduct(vendorID, record, r.now())
		err := r.store.CreateProduct(ctx, p)
		if err == nil {
			return models.RecordResult{
				ExternalID: record.ExternalID,
				Status:     models.RecordCreated,
				ProductID:  p.ID.String(),
			}, nil
		}
		if !errors.Is(err, models.ErrDuplicateProduct) {
			return models.RecordResult{}, fmt.Errorf("failed to create product: %w", err)
		}

		// Another run created the row between lookup and insert.
		existing, err = r.store.FindProduct(ctx, vendorID, record.ExternalID)
		if err != nil {
			return models.RecordResult{}, fmt.Errorf("failed to look up product after conflict: %w", err)
		}
		if existing == nil {
			return models.RecordResult{}, fmt.Errorf("product vanished after create conflict")
		}
	}

	Merge(existing, record, r.now())
	if err := r.store.UpdateProduct(ctx, existing); err != nil {
		return models.RecordResult{}, fmt.Errorf("failed to update product: %w", err)
	}

	return models.RecordResult{
		ExternalID: record.ExternalID,
		Status:     models.RecordUpdated,
		ProductID:  existing.ID.String(),
	}, nil
}

// Merge overwrites the fields present in record onto p and refreshes
// UpdatedAt. Absent fields keep their stored values.
func Merge(p *models.Product, record models.NormalizedProduct, now time.Time) {
	p.Name = record.Name
	p.Price = record.Price

	if record.Description != nil {
		p.Description = *record.Description
	}
	if record.Stock != nil {
		p.Stock = *record.Stock
	}
	if record.ImageURL != nil {
		p.ImageURL = *record.ImageURL
	}
	if record.ProductURL != nil {
		p.ProductURL = *record.ProductURL
	}
	if record.SKU != nil {
		p.SKU = *record.SKU
	}
	if record.Brand != nil {
		p.Brand = *record.Brand
	}
	if record.Category != nil {
		p.Category = *record.Category
	}
	if record.Variants != nil {
		p.Variants = normalize.EncodeVariants(record.Variants)
	}
	if record.Weight != nil {
		p.Weight = *record.Weight
	}
	if record.Dimensions != nil {
		p.Dimensions = *record.Dimensions
	}
	if record.Attributes != nil {
		p.Attributes = normalize.EncodeAttributes(record.Attributes)
	}

	p.UpdatedAt = now
}

func newProduct(vendorID string, record models.NormalizedProduct, now time.Time) *models.Product {
	p := &models.Product{
		ID:         uuid.New(),
		VendorID:   vendorID,
		ExternalID: record.ExternalID,
		Variants:   normalize.EncodeVariants(nil),
		Attributes: normalize.EncodeAttributes(nil),
		CreatedAt:  now,
	}
	Merge(p, record, now)
	return p
}

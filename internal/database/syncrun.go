package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-sync/internal/models"
)

type SyncRunRepository struct {
	db *DB
}

func NewSyncRunRepository(db *DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

const syncRunColumns = `
	id, vendor_id, source, status, started_at, completed_at,
	products_found, products_created, products_updated, errors, error`

func (r *SyncRunRepository) CreateRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	errs, err := encodeRecordErrors(run.Errors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_runs (` + syncRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.pool.Exec(ctx, query,
		run.ID, run.VendorID, run.Source, run.Status, run.StartedAt, run.CompletedAt,
		run.ProductsFound, run.ProductsCreated, run.ProductsUpdated, errs, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

func (r *SyncRunRepository) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	errs, err := encodeRecordErrors(run.Errors)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_runs SET
			status = $2,
			completed_at = $3,
			products_found = $4,
			products_created = $5,
			products_updated = $6,
			errors = $7,
			error = $8
		WHERE id = $1`

	result, err := r.db.pool.Exec(ctx, query,
		run.ID, run.Status, run.CompletedAt, run.ProductsFound,
		run.ProductsCreated, run.ProductsUpdated, errs, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync run not found: %s", run.ID)
	}
	return nil
}

func (r *SyncRunRepository) GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = $1`
	return r.queryOne(ctx, query, id)
}

// LatestRun returns the most recently started run for a vendor.
func (r *SyncRunRepository) LatestRun(ctx context.Context, vendorID string) (*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + `
		FROM sync_runs
		WHERE vendor_id = $1
		ORDER BY started_at DESC
		LIMIT 1`
	return r.queryOne(ctx, query, vendorID)
}

func (r *SyncRunRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*models.SyncRun, error) {
	var run models.SyncRun
	var errs []byte
	err := r.db.pool.QueryRow(ctx, query, args...).Scan(
		&run.ID, &run.VendorID, &run.Source, &run.Status, &run.StartedAt, &run.CompletedAt,
		&run.ProductsFound, &run.ProductsCreated, &run.ProductsUpdated, &errs, &run.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode sync run errors: %w", err)
		}
	}
	return &run, nil
}

func encodeRecordErrors(errs []models.RecordError) ([]byte, error) {
	if errs == nil {
		errs = []models.RecordError{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync run errors: %w", err)
	}
	return data, nil
}

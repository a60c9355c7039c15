package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-sync/internal/models"
)

type VendorRepository struct {
	db *DB
}

func NewVendorRepository(db *DB) *VendorRepository {
	return &VendorRepository{db: db}
}

const vendorColumns = `id, name, website_url, sync_enabled, api_key, last_synced_at, created_at`

// PutVendor inserts a vendor or updates its profile fields. The API key
// and last sync time are left untouched on update.
func (r *VendorRepository) PutVendor(ctx context.Context, v *models.Vendor) error {
	query := `
		INSERT INTO vendors (id, name, website_url, sync_enabled, api_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			website_url = EXCLUDED.website_url,
			sync_enabled = EXCLUDED.sync_enabled
		RETURNING created_at`

	err := r.db.pool.QueryRow(ctx, query,
		v.ID, v.Name, v.WebsiteURL, v.SyncEnabled, v.APIKey,
	).Scan(&v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert vendor: %w", err)
	}
	return nil
}

func (r *VendorRepository) GetVendor(ctx context.Context, id string) (*models.Vendor, error) {
	query := `SELECT ` + vendorColumns + ` FROM vendors WHERE id = $1`

	v, err := scanVendor(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get vendor: %w", err)
	}
	return v, nil
}

// ListSyncEnabledVendors returns vendors eligible for pull syncs, oldest first.
func (r *VendorRepository) ListSyncEnabledVendors(ctx context.Context) ([]*models.Vendor, error) {
	query := `SELECT ` + vendorColumns + `
		FROM vendors
		WHERE sync_enabled AND COALESCE(TRIM(website_url), '') <> ''
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendors: %w", err)
	}
	defer rows.Close()

	var vendors []*models.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vendor: %w", err)
		}
		vendors = append(vendors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return vendors, nil
}

func (r *VendorRepository) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.pool.Exec(ctx,
		"UPDATE vendors SET last_synced_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("failed to update last synced: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("vendor not found: %s", id)
	}
	return nil
}

// EnsureAPIKey sets candidate as the vendor's API key unless one exists and
// returns the key in effect.
func (r *VendorRepository) EnsureAPIKey(ctx context.Context, id, candidate string) (string, error) {
	query := `
		UPDATE vendors
		SET api_key = COALESCE(NULLIF(api_key, ''), $2)
		WHERE id = $1
		RETURNING api_key`

	var key string
	if err := r.db.pool.QueryRow(ctx, query, id, candidate).Scan(&key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("vendor not found: %s", id)
		}
		return "", fmt.Errorf("failed to ensure api key: %w", err)
	}
	return key, nil
}

func scanVendor(row pgx.Row) (*models.Vendor, error) {
	var v models.Vendor
	err := row.Scan(&v.ID, &v.Name, &v.WebsiteURL, &v.SyncEnabled, &v.APIKey, &v.LastSyncedAt, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

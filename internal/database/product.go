package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-sync/internal/events"
	"github.com/maltedev/vendor-sync/internal/models"
)

const productColumns = `
	id, vendor_id, external_id, name, price, description, stock,
	image_url, product_url, sku, brand, category, variants, weight,
	dimensions, attributes, created_at, updated_at`

// ProductRepository persists vendor products. Every write records a
// PRODUCT_CREATED or PRODUCT_UPDATED outbox event in the same transaction.
type ProductRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewProductRepository(db *DB, outbox *OutboxRepository) *ProductRepository {
	return &ProductRepository{db: db, outbox: outbox}
}

// FindProduct returns nil, nil when the vendor has no product with externalID.
func (r *ProductRepository) FindProduct(ctx context.Context, vendorID, externalID string) (*models.Product, error) {
	query := `SELECT ` + productColumns + `
		FROM vendor_products
		WHERE vendor_id = $1 AND external_id = $2`

	p, err := scanProduct(r.db.pool.QueryRow(ctx, query, vendorID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// CreateProduct inserts p. A row with the same (vendor_id, external_id)
// yields models.ErrDuplicateProduct.
func (r *ProductRepository) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO vendor_products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			p.ID, p.VendorID, p.ExternalID, p.Name, p.Price, p.Description, p.Stock,
			p.ImageURL, p.ProductURL, p.SKU, p.Brand, p.Category, p.Variants, p.Weight,
			p.Dimensions, p.Attributes, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return models.ErrDuplicateProduct
			}
			return fmt.Errorf("failed to insert product: %w", err)
		}
		return r.recordEvent(ctx, tx, p, true)
	})
}

// UpdateProduct overwrites the mutable columns of the row matching
// p's vendor and external id.
func (r *ProductRepository) UpdateProduct(ctx context.Context, p *models.Product) error {
	query := `
		UPDATE vendor_products SET
			name = $3,
			price = $4,
			description = $5,
			stock = $6,
			image_url = $7,
			product_url = $8,
			sku = $9,
			brand = $10,
			category = $11,
			variants = $12,
			weight = $13,
			dimensions = $14,
			attributes = $15,
			updated_at = $16
		WHERE vendor_id = $1 AND external_id = $2
		RETURNING id, created_at`

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, query,
			p.VendorID, p.ExternalID, p.Name, p.Price, p.Description, p.Stock,
			p.ImageURL, p.ProductURL, p.SKU, p.Brand, p.Category, p.Variants,
			p.Weight, p.Dimensions, p.Attributes, p.UpdatedAt,
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("product not found: %s/%s", p.VendorID, p.ExternalID)
			}
			return fmt.Errorf("failed to update product: %w", err)
		}
		return r.recordEvent(ctx, tx, p, false)
	})
}

func (r *ProductRepository) CountProducts(ctx context.Context, vendorID string) (int, error) {
	var count int
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM vendor_products WHERE vendor_id = $1", vendorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return count, nil
}

func (r *ProductRepository) recordEvent(ctx context.Context, tx pgx.Tx, p *models.Product, created bool) error {
	if r.outbox == nil {
		return nil
	}
	e, err := events.ForProduct(p, created)
	if err != nil {
		return err
	}
	return r.outbox.InsertWithTx(ctx, tx, outboxEventFrom(e))
}

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	err := row.Scan(
		&p.ID, &p.VendorID, &p.ExternalID, &p.Name, &p.Price, &p.Description, &p.Stock,
		&p.ImageURL, &p.ProductURL, &p.SKU, &p.Brand, &p.Category, &p.Variants, &p.Weight,
		&p.Dimensions, &p.Attributes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

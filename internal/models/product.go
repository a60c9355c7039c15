package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateProduct is returned by product stores when a create collides
// with an existing (vendorId, externalId) row.
var ErrDuplicateProduct = errors.New("product already exists for vendor and external id")

// Product is the persisted catalog entry. Variants and Attributes hold
// JSON-encoded strings, which is the storage contract shared with consumers.
type Product struct {
	ID          uuid.UUID `json:"id"`
	VendorID    string    `json:"vendorId"`
	ExternalID  string    `json:"externalId"`
	Name        string    `json:"name"`
	Price       float64   `json:"price"`
	Description string    `json:"description"`
	Stock       int       `json:"stock"`
	ImageURL    string    `json:"imageUrl"`
	ProductURL  string    `json:"productUrl"`
	SKU         string    `json:"sku"`
	Brand       string    `json:"brand"`
	Category    string    `json:"category"`
	Variants    string    `json:"variants"`
	Weight      float64   `json:"weight"`
	Dimensions  string    `json:"dimensions"`
	Attributes  string    `json:"attributes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NormalizedProduct is a validated incoming record. Nil pointers and nil
// collections mean the field was not supplied.
type NormalizedProduct struct {
	ExternalID  string
	Name        string
	Price       float64
	Description *string
	Stock       *int
	ImageURL    *string
	ProductURL  *string
	SKU         *string
	Brand       *string
	Category    *string
	Variants    []string
	Weight      *float64
	Dimensions  *string
	Attributes  map[string]string
}

// RawProduct is a record as harvested from a page or pushed by a vendor,
// before any normalization.
type RawProduct struct {
	ExternalID  string   `json:"externalId"`
	Name        string   `json:"name"`
	Price       RawValue `json:"price"`
	Description *string  `json:"description"`
	Stock       RawValue `json:"stock"`
	ImageURL    *string  `json:"imageUrl"`
	ProductURL  *string  `json:"productUrl"`
	SKU         *string  `json:"sku"`
	Brand       *string  `json:"brand"`
	Category    RawValue `json:"category"`
	Variants    RawValue `json:"variants"`
	Weight      RawValue `json:"weight"`
	Dimensions  *string  `json:"dimensions"`
	Attributes  RawValue `json:"attributes"`
}

type RecordStatus string

const (
	RecordCreated RecordStatus = "created"
	RecordUpdated RecordStatus = "updated"
	RecordFailed  RecordStatus = "error"
)

// RecordResult is the outcome of reconciling one incoming record.
type RecordResult struct {
	ExternalID string       `json:"externalId"`
	Status     RecordStatus `json:"status"`
	ProductID  string       `json:"productId,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// RecordError identifies a record that could not be reconciled.
type RecordError struct {
	ExternalID string `json:"externalId"`
	Message    string `json:"message"`
}

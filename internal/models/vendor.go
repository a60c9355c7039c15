package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Vendor is a storefront owner whose website is the source of truth for
// its catalog.
type Vendor struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	WebsiteURL   *string    `json:"websiteUrl,omitempty"`
	SyncEnabled  bool       `json:"syncEnabled"`
	APIKey       *string    `json:"-"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Website returns the configured website URL or "".
func (v *Vendor) Website() string {
	if v.WebsiteURL == nil {
		return ""
	}
	return strings.TrimSpace(*v.WebsiteURL)
}

type SyncStatus string

const (
	SyncPending     SyncStatus = "pending"
	SyncExtracting  SyncStatus = "extracting"
	SyncReconciling SyncStatus = "reconciling"
	SyncCompleted   SyncStatus = "completed"
	SyncFailed      SyncStatus = "failed"
)

// InProgress reports whether the run has not reached a terminal state.
func (s SyncStatus) InProgress() bool {
	return s != SyncCompleted && s != SyncFailed
}

type SyncSource string

const (
	SourcePull SyncSource = "pull"
	SourcePush SyncSource = "push"
)

// SyncRun is one extraction-or-push plus reconciliation pass for a vendor.
type SyncRun struct {
	ID              uuid.UUID     `json:"id"`
	VendorID        string        `json:"vendorId"`
	Source          SyncSource    `json:"source"`
	Status          SyncStatus    `json:"status"`
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	ProductsFound   int           `json:"productsFound"`
	ProductsCreated int           `json:"productsCreated"`
	ProductsUpdated int           `json:"productsUpdated"`
	Errors          []RecordError `json:"errors"`
	Error           string        `json:"error,omitempty"`
}

// SyncResult is what a trigger reports back to its caller.
type SyncResult struct {
	RunID           uuid.UUID      `json:"runId"`
	VendorID        string         `json:"vendorId"`
	Source          SyncSource     `json:"source"`
	Status          SyncStatus     `json:"status"`
	ProductsFound   int            `json:"productsFound"`
	ProductsCreated int            `json:"productsCreated"`
	ProductsUpdated int            `json:"productsUpdated"`
	Errors          []RecordError  `json:"errors"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Records         []RecordResult `json:"records,omitempty"`
}

// Result snapshots the run into a SyncResult.
func (r *SyncRun) Result() *SyncResult {
	errs := r.Errors
	if errs == nil {
		errs = []RecordError{}
	}
	return &SyncResult{
		RunID:           r.ID,
		VendorID:        r.VendorID,
		Source:          r.Source,
		Status:          r.Status,
		ProductsFound:   r.ProductsFound,
		ProductsCreated: r.ProductsCreated,
		ProductsUpdated: r.ProductsUpdated,
		Errors:          errs,
		Error:           r.Error,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

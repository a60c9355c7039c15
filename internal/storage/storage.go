// Package storage is a file-backed catalog store for local runs and tests.
// It honors the same contracts as the Postgres repositories.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/vendor-sync/internal/models"
)

type vendorRecord struct {
	models.Vendor
	APIKey *string `json:"apiKey,omitempty"`
}

type snapshot struct {
	Vendors  map[string]*vendorRecord   `json:"vendors"`
	Products map[string]*models.Product `json:"products"`
	Runs     map[string]*models.SyncRun `json:"runs"`
}

type Store struct {
	mu       sync.RWMutex
	vendors  map[string]*models.Vendor
	products map[string]*models.Product
	runs     map[uuid.UUID]*models.SyncRun
	filename string
}

// NewStore returns a store persisted to filename, or kept in memory only
// when filename is empty.
func NewStore(filename string) (*Store, error) {
	s := &Store{
		vendors:  make(map[string]*models.Vendor),
		products: make(map[string]*models.Product),
		runs:     make(map[uuid.UUID]*models.SyncRun),
		filename: filename,
	}

	if filename != "" {
		if err := s.Load(); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	return s, nil
}

func productKey(vendorID, externalID string) string {
	return vendorID + "\x1f" + externalID
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// PutVendor inserts a vendor or updates its profile fields. The API key,
// last sync time and creation time of an existing vendor are kept.
func (s *Store) PutVendor(ctx context.Context, v *models.Vendor) error {
	if v.ID == "" {
		return fmt.Errorf("vendor id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	existing, ok := s.vendors[v.ID]
	if ok {
		cp.APIKey = existing.APIKey
		cp.LastSyncedAt = existing.LastSyncedAt
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.vendors[v.ID] = &cp
	if err := s.save(); err != nil {
		if ok {
			s.vendors[v.ID] = existing
		} else {
			delete(s.vendors, v.ID)
		}
		return err
	}
	v.CreatedAt = cp.CreatedAt
	return nil
}

func (s *Store) GetVendor(ctx context.Context, id string) (*models.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vendors[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *Store) ListSyncEnabledVendors(ctx context.Context) ([]*models.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Vendor
	for _, v := range s.vendors {
		if v.SyncEnabled && v.Website() != "" {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) TouchLastSynced(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vendors[id]
	if !ok {
		return fmt.Errorf("vendor not found: %s", id)
	}
	prev := v.LastSyncedAt
	at = at.UTC()
	v.LastSyncedAt = &at
	if err := s.save(); err != nil {
		v.LastSyncedAt = prev
		return err
	}
	return nil
}

// EnsureAPIKey stores candidate as the vendor's key unless one already
// exists, and returns the key in effect.
func (s *Store) EnsureAPIKey(ctx context.Context, id, candidate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vendors[id]
	if !ok {
		return "", fmt.Errorf("vendor not found: %s", id)
	}
	if v.APIKey != nil && *v.APIKey != "" {
		return *v.APIKey, nil
	}
	prev := v.APIKey
	key := candidate
	v.APIKey = &key
	if err := s.save(); err != nil {
		v.APIKey = prev
		return "", err
	}
	return key, nil
}

func (s *Store) FindProduct(ctx context.Context, vendorID, externalID string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productKey(vendorID, externalID)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := productKey(p.VendorID, p.ExternalID)
	if _, exists := s.products[key]; exists {
		return models.ErrDuplicateProduct
	}
	cp := *p
	s.products[key] = &cp
	if err := s.save(); err != nil {
		delete(s.products, key)
		return err
	}
	return nil
}

func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := productKey(p.VendorID, p.ExternalID)
	existing, ok := s.products[key]
	if !ok {
		return fmt.Errorf("product not found: %s/%s", p.VendorID, p.ExternalID)
	}
	cp := *p
	cp.ID = existing.ID
	cp.CreatedAt = existing.CreatedAt
	s.products[key] = &cp
	if err := s.save(); err != nil {
		s.products[key] = existing
		return err
	}
	return nil
}

func (s *Store) CountProducts(ctx context.Context, vendorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.products {
		if p.VendorID == vendorID {
			n++
		}
	}
	return n, nil
}

// ListProducts returns a vendor's products ordered by external id.
func (s *Store) ListProducts(ctx context.Context, vendorID string) ([]*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Product
	for _, p := range s.products {
		if p.VendorID == vendorID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	s.runs[run.ID] = copyRun(run)
	if err := s.save(); err != nil {
		delete(s.runs, run.ID)
		return err
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("sync run not found: %s", run.ID)
	}
	s.runs[run.ID] = copyRun(run)
	if err := s.save(); err != nil {
		s.runs[run.ID] = prev
		return err
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return copyRun(run), nil
}

func (s *Store) LatestRun(ctx context.Context, vendorID string) (*models.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.SyncRun
	for _, run := range s.runs {
		if run.VendorID != vendorID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyRun(latest), nil
}

func copyRun(run *models.SyncRun) *models.SyncRun {
	cp := *run
	cp.Errors = append([]models.RecordError(nil), run.Errors...)
	return &cp
}

func (s *Store) save() error {
	if s.filename == "" {
		return nil
	}

	snap := snapshot{
		Vendors:  make(map[string]*vendorRecord, len(s.vendors)),
		Products: s.products,
		Runs:     make(map[string]*models.SyncRun, len(s.runs)),
	}
	for id, v := range s.vendors {
		snap.Vendors[id] = &vendorRecord{Vendor: *v, APIKey: v.APIKey}
	}
	for id, run := range s.runs {
		snap.Runs[id.String()] = run
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, s.filename)
}

func (s *Store) Load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode %s: %w", s.filename, err)
	}

	for id, rec := range snap.Vendors {
		v := rec.Vendor
		v.APIKey = rec.APIKey
		s.vendors[id] = &v
	}
	for key, p := range snap.Products {
		s.products[key] = p
	}
	for id, run := range snap.Runs {
		runID, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", id, err)
		}
		s.runs[runID] = run
	}
	return nil
}

// Package syncer sequences sync runs for vendors: preconditions, lease,
// extraction or push intake, reconciliation, and run bookkeeping.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/vendor-sync/internal/events"
	"github.com/maltedev/vendor-sync/internal/extractor"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/ratelimit"
	"github.com/maltedev/vendor-sync/internal/reconcile"
)

var (
	ErrVendorNotFound = errors.New("vendor not found")
	ErrNoWebsiteURL   = errors.New("vendor has no website url")
	ErrSyncDisabled   = errors.New("sync is disabled for vendor")
	ErrSyncInProgress = errors.New("a sync for this vendor is already in progress")
	ErrRunNotFound    = errors.New("sync run not found")
)

type VendorStore interface {
	GetVendor(ctx context.Context, id string) (*models.Vendor, error)
	ListSyncEnabledVendors(ctx context.Context) ([]*models.Vendor, error)
	TouchLastSynced(ctx context.Context, id string, at time.Time) error
}

type RunStore interface {
	CreateRun(ctx context.Context, run *models.SyncRun) error
	UpdateRun(ctx context.Context, run *models.SyncRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	LatestRun(ctx context.Context, vendorID string) (*models.SyncRun, error)
}

type ProductCounter interface {
	CountProducts(ctx context.Context, vendorID string) (int, error)
}

type Extractor interface {
	ExtractProducts(ctx context.Context, url string, opts extractor.Options) ([]models.RawProduct, error)
}

type Reconciler interface {
	ReconcileBatch(ctx context.Context, vendorID string, records []models.RawProduct) (*reconcile.BatchResult, error)
}

// RunObserver is told about every finished run.
type RunObserver interface {
	ObserveRun(run *models.SyncRun, duration time.Duration)
}

type Deps struct {
	Vendors    VendorStore
	Runs       RunStore
	Products   ProductCounter
	Extractor  Extractor
	Reconciler Reconciler
	Locker     Locker
	Publisher  events.Publisher
	Observer   RunObserver
}

type Config struct {
	Extract extractor.Options
	// VendorDelay spaces vendors during RunSyncAll.
	VendorDelay time.Duration
}

type Orchestrator struct {
	deps   Deps
	cfg    Config
	pacer  *ratelimit.Pacer
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		pacer:  ratelimit.NewPacer(cfg.VendorDelay),
		logger: logger.With("component", "orchestrator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// VendorStatus is the status view for one vendor.
type VendorStatus struct {
	VendorID     string          `json:"vendorId"`
	SyncEnabled  bool            `json:"syncEnabled"`
	WebsiteURL   string          `json:"websiteUrl,omitempty"`
	LastSyncedAt *time.Time      `json:"lastSyncedAt"`
	ProductCount int             `json:"productCount"`
	InProgress   bool            `json:"inProgress"`
	LastRun      *models.SyncRun `json:"lastRun,omitempty"`
}

// RunSync extracts the vendor's website and reconciles what it finds.
//
// Precondition failures return before any state changes. When the run
// itself fails, the returned result describes the failed run alongside the
// error.
func (o *Orchestrator) RunSync(ctx context.Context, vendorID string) (*models.SyncResult, error) {
	vendor, err := o.vendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if !vendor.SyncEnabled {
		return nil, ErrSyncDisabled
	}
	website := vendor.Website()
	if website == "" {
		return nil, ErrNoWebsiteURL
	}

	lease, err := o.deps.Locker.Acquire(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	defer o.release(lease, vendorID)

	run, err := o.start(ctx, vendorID, models.SourcePull)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	logger := o.logger.With("vendor_id", vendorID, "run_id", run.ID)

	o.transition(ctx, run, models.SyncExtracting)
	logger.Info("extracting products", "url", website)

	raw, err := o.deps.Extractor.ExtractProducts(ctx, website, o.cfg.Extract)
	if err != nil {
		logger.Error("extraction failed", "error", err)
		return o.fail(ctx, run, started, fmt.Errorf("extraction failed: %w", err))
	}

	return o.reconcile(ctx, run, started, raw)
}

// RunPush reconciles records a vendor pushed to the platform. It shares
// the run lifecycle with RunSync minus the extraction step.
func (o *Orchestrator) RunPush(ctx context.Context, vendorID string, raw []models.RawProduct) (*models.SyncResult, error) {
	vendor, err := o.vendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if !vendor.SyncEnabled {
		return nil, ErrSyncDisabled
	}

	lease, err := o.deps.Locker.Acquire(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	defer o.release(lease, vendorID)

	run, err := o.start(ctx, vendorID, models.SourcePush)
	if err != nil {
		return nil, err
	}
	return o.reconcile(ctx, run, time.Now(), raw)
}

// RunSyncAll syncs every sync-enabled vendor one at a time. A vendor's
// failure is recorded in its result and does not stop the loop. If ctx ends
// first, the vendors not yet attempted are reported as failed results
// alongside the returned error.
func (o *Orchestrator) RunSyncAll(ctx context.Context) ([]*models.SyncResult, error) {
	vendors, err := o.deps.Vendors.ListSyncEnabledVendors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendors: %w", err)
	}

	o.logger.Info("starting batch sync", "vendors", len(vendors))
	results := make([]*models.SyncResult, 0, len(vendors))

	for i, vendor := range vendors {
		if err := o.pacer.Wait(ctx); err != nil {
			err = fmt.Errorf("batch sync interrupted: %w", err)
			for _, rest := range vendors[i:] {
				results = append(results, skipped(rest.ID, err))
			}
			o.logger.Warn("batch sync stopped early", "attempted", i, "vendors", len(vendors), "error", err)
			return results, err
		}

		result, err := o.RunSync(ctx, vendor.ID)
		o.pacer.Record(err)
		if err != nil {
			o.logger.Warn("vendor sync failed", "vendor_id", vendor.ID, "error", err)
			if result == nil {
				result = skipped(vendor.ID, err)
			}
		}
		results = append(results, result)
	}

	o.logger.Info("batch sync finished", "vendors", len(results))
	return results, nil
}

// Status reports the vendor's last sync time, product count and latest run.
func (o *Orchestrator) Status(ctx context.Context, vendorID string) (*VendorStatus, error) {
	vendor, err := o.vendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	count, err := o.deps.Products.CountProducts(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	latest, err := o.deps.Runs.LatestRun(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run: %w", err)
	}

	status := &VendorStatus{
		VendorID:     vendor.ID,
		SyncEnabled:  vendor.SyncEnabled,
		WebsiteURL:   vendor.Website(),
		LastSyncedAt: vendor.LastSyncedAt,
		ProductCount: count,
		LastRun:      latest,
	}
	if latest != nil {
		status.InProgress = latest.Status.InProgress()
	}
	return status, nil
}

func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	run, err := o.deps.Runs.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (o *Orchestrator) vendor(ctx context.Context, vendorID string) (*models.Vendor, error) {
	vendor, err := o.deps.Vendors.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load vendor: %w", err)
	}
	if vendor == nil {
		return nil, ErrVendorNotFound
	}
	return vendor, nil
}

func (o *Orchestrator) start(ctx context.Context, vendorID string, source models.SyncSource) (*models.SyncRun, error) {
	run := &models.SyncRun{
		ID:        uuid.New(),
		VendorID:  vendorID,
		Source:    source,
		Status:    models.SyncPending,
		StartedAt: o.now(),
		Errors:    []models.RecordError{},
	}
	if err := o.deps.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}
	return run, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, run *models.SyncRun, started time.Time, raw []models.RawProduct) (*models.SyncResult, error) {
	run.ProductsFound = len(raw)
	o.transition(ctx, run, models.SyncReconciling)

	batch, err := o.deps.Reconciler.ReconcileBatch(ctx, run.VendorID, raw)
	if batch != nil {
		run.ProductsCreated = batch.Created
		run.ProductsUpdated = batch.Updated
		run.Errors = batch.Errors
	}
	if err != nil {
		return o.fail(ctx, run, started, err)
	}

	completedAt := o.now()
	if err := o.deps.Vendors.TouchLastSynced(ctx, run.VendorID, completedAt); err != nil {
		return o.fail(ctx, run, started, fmt.Errorf("failed to update last synced time: %w", err))
	}

	run.Status = models.SyncCompleted
	run.CompletedAt = &completedAt
	o.finish(ctx, run, started)

	o.logger.Info("sync run completed",
		"vendor_id", run.VendorID,
		"run_id", run.ID,
		"source", run.Source,
		"found", run.ProductsFound,
		"created", run.ProductsCreated,
		"updated", run.ProductsUpdated,
		"errors", len(run.Errors))

	result := run.Result()
	if batch != nil {
		result.Records = batch.Records
	}
	return result, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *models.SyncRun, started time.Time, cause error) (*models.SyncResult, error) {
	completedAt := o.now()
	run.Status = models.SyncFailed
	run.CompletedAt = &completedAt
	run.Error = cause.Error()
	o.finish(ctx, run, started)
	return run.Result(), cause
}

// transition persists an intermediate status. Failures here are logged;
// the terminal update is what status queries depend on.
func (o *Orchestrator) transition(ctx context.Context, run *models.SyncRun, status models.SyncStatus) {
	run.Status = status
	if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
		o.logger.Warn("failed to record run status",
			"run_id", run.ID,
			"status", status,
			"error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, run *models.SyncRun, started time.Time) {
	// Bookkeeping must land even when the trigger's context is gone.
	ctx = context.WithoutCancel(ctx)

	if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
		o.logger.Error("failed to finalize sync run", "run_id", run.ID, "error", err)
	}

	if o.deps.Publisher != nil {
		if e, err := events.ForSyncRun(run); err != nil {
			o.logger.Error("failed to build sync event", "run_id", run.ID, "error", err)
		} else if err := o.deps.Publisher.Publish(ctx, e); err != nil {
			o.logger.Error("failed to publish sync event", "run_id", run.ID, "error", err)
		}
	}

	if o.deps.Observer != nil {
		o.deps.Observer.ObserveRun(run, time.Since(started))
	}
}

func (o *Orchestrator) release(lease Lease, vendorID string) {
	if err := lease.Release(context.Background()); err != nil {
		o.logger.Warn("failed to release sync lease", "vendor_id", vendorID, "error", err)
	}
}

// skipped describes a vendor whose run never started.
func skipped(vendorID string, err error) *models.SyncResult {
	return &models.SyncResult{
		VendorID: vendorID,
		Source:   models.SourcePull,
		Status:   models.SyncFailed,
		Errors:   []models.RecordError{},
		Error:    err.Error(),
	}
}

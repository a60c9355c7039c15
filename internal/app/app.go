// Package app assembles the stores, extraction engine and orchestrator from
// configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/vendor-sync/internal/browser"
	"github.com/maltedev/vendor-sync/internal/config"
	"github.com/maltedev/vendor-sync/internal/database"
	"github.com/maltedev/vendor-sync/internal/events"
	"github.com/maltedev/vendor-sync/internal/extractor"
	"github.com/maltedev/vendor-sync/internal/metrics"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/reconcile"
	"github.com/maltedev/vendor-sync/internal/snapshot"
	"github.com/maltedev/vendor-sync/internal/storage"
	"github.com/maltedev/vendor-sync/internal/syncer"
	"github.com/redis/go-redis/v9"
)

// ErrExtractionDisabled is returned by pull syncs when the app was built
// without a browser.
var ErrExtractionDisabled = errors.New("extraction is disabled in this process")

type VendorStore interface {
	syncer.VendorStore
	PutVendor(ctx context.Context, v *models.Vendor) error
	EnsureAPIKey(ctx context.Context, id, candidate string) (string, error)
}

type ProductStore interface {
	reconcile.ProductStore
	syncer.ProductCounter
}

type Options struct {
	// Browser launches playwright for pull syncs.
	Browser bool
}

type App struct {
	Config       *config.Config
	Vendors      VendorStore
	Runs         syncer.RunStore
	Products     ProductStore
	Orchestrator *syncer.Orchestrator
	Metrics      *metrics.Collector
	// DB, Outbox and Relay are nil for the file store; Redis is nil when
	// disabled.
	DB     *database.DB
	Outbox *database.OutboxRepository
	Relay  *database.Relay
	Redis  *redis.Client

	ping    func(ctx context.Context) error
	closers []func()
	logger  *slog.Logger
}

// New builds the app. Close releases everything it opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Metrics: metrics.New(),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var publisher events.Publisher
	switch cfg.Store.Driver {
	case config.StoreDriverFile:
		publisher, err = a.openFileStore(cfg)
	default:
		publisher, err = a.openDatabase(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	locker := syncer.Locker(syncer.NewLocalLocker())
	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { a.Redis.Close() })

		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		locker = syncer.NewRedisLocker(a.Redis, cfg.Sync.LockTTL)

		if a.Outbox != nil {
			a.Relay = database.NewRelay(a.Outbox, a.Redis, logger, database.RelayConfig{
				PollInterval: 5 * time.Second,
				BatchSize:    100,
				StreamMaxLen: cfg.Redis.StreamMaxLen,
				Retention:    cfg.Redis.OutboxRetention,
				Observe:      a.Metrics.ObserveOutbox,
			})
		}
	}

	var ex syncer.Extractor = disabledExtractor{}
	if opts.Browser {
		engine, err := a.newEngine(ctx, cfg)
		if err != nil {
			return nil, err
		}
		ex = engine
	}

	a.Orchestrator = syncer.New(syncer.Deps{
		Vendors:    a.Vendors,
		Runs:       a.Runs,
		Products:   a.Products,
		Extractor:  ex,
		Reconciler: reconcile.New(a.Products, logger),
		Locker:     locker,
		Publisher:  publisher,
		Observer:   a.Metrics,
	}, syncer.Config{
		Extract: extractor.Options{
			ScrollToLoad: cfg.Extract.Scroll,
			MaxProducts:  cfg.Extract.MaxProducts,
		},
		VendorDelay: cfg.Sync.VendorDelay,
	}, logger)

	return a, nil
}

func (a *App) openFileStore(cfg *config.Config) (events.Publisher, error) {
	store, err := storage.NewStore(cfg.Store.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}
	a.Vendors = store
	a.Runs = store
	a.Products = store
	a.ping = store.Ping

	a.logger.Info("using file store", "path", cfg.Store.File)
	return events.NewLogPublisher(a.logger), nil
}

func (a *App) openDatabase(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	dbCfg := DatabaseConfig(cfg)
	if cfg.Store.MigrateOnStart {
		if err := database.Migrate(dbCfg.DSN(), a.logger); err != nil {
			return nil, err
		}
	}

	db, err := database.New(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	a.DB = db
	a.Outbox = database.NewOutboxRepository(db)
	a.Vendors = database.NewVendorRepository(db)
	a.Runs = database.NewSyncRunRepository(db)
	a.Products = database.NewProductRepository(db, a.Outbox)
	a.ping = db.Ping

	return a.Outbox, nil
}

func (a *App) newEngine(ctx context.Context, cfg *config.Config) (*extractor.Engine, error) {
	registry := extractor.NewRegistry()
	if cfg.Extract.OverridesFile != "" {
		overrides, err := extractor.LoadOverrides(cfg.Extract.OverridesFile)
		if err != nil {
			return nil, err
		}
		overrides.Register(registry)
		a.logger.Info("loaded extractor overrides", "sites", len(overrides.Sites))
	}

	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.Timeout = cfg.Browser.Timeout
	opts.Locale = cfg.Browser.Locale
	if cfg.Browser.UserAgent != "" {
		opts.UserAgent = cfg.Browser.UserAgent
	}

	b, err := browser.New(opts, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	a.closers = append(a.closers, func() { b.Close() })

	engine := extractor.NewEngine(extractor.BrowserLauncher(b), registry, extractor.Config{
		MaxScrolls:         cfg.Extract.MaxScrolls,
		ScrollWait:         cfg.Extract.ScrollWait,
		DefaultMaxProducts: cfg.Extract.MaxProducts,
	}, a.logger)

	if cfg.Snapshot.Bucket != "" {
		store, err := snapshot.NewS3Store(ctx, snapshot.Config{
			Bucket:    cfg.Snapshot.Bucket,
			Region:    cfg.Snapshot.Region,
			Endpoint:  cfg.Snapshot.Endpoint,
			AccessKey: cfg.Snapshot.AccessKey,
			SecretKey: cfg.Snapshot.SecretKey,
			Prefix:    cfg.Snapshot.Prefix,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		engine.WithSnapshots(store)
	}

	return engine, nil
}

// Ping checks the catalog store.
func (a *App) Ping(ctx context.Context) error {
	if a.ping == nil {
		return errors.New("store is not open")
	}
	return a.ping(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// DatabaseConfig maps service configuration onto the pool settings.
func DatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,

		ConnectAttempts: 10,
		ConnectBackoff:  2 * time.Second,
	}
}

type disabledExtractor struct{}

func (disabledExtractor) ExtractProducts(ctx context.Context, url string, opts extractor.Options) ([]models.RawProduct, error) {
	return nil, ErrExtractionDisabled
}

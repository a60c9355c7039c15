package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/vendor-sync/internal/app"
	"github.com/maltedev/vendor-sync/internal/config"
	"github.com/maltedev/vendor-sync/internal/database"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/scriptgen"
)

func main() {
	var (
		vendorID = flag.String("vendor", "", "Vendor ID to sync (or to register/push for)")
		all      = flag.Bool("all", false, "Sync every sync-enabled vendor")
		migrate  = flag.Bool("migrate", false, "Apply database migrations and exit")
		register = flag.Bool("register", false, "Create or update -vendor and print its API key")
		website  = flag.String("website", "", "Website URL for -register")
		name     = flag.String("name", "", "Display name for -register")
		disabled = flag.Bool("disabled", false, "Register the vendor with sync disabled")
		pushFile = flag.String("push", "", "JSON file of products to push for -vendor")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if cfg.Store.Driver != config.StoreDriverPostgres {
			logger.Error("migrations apply to the postgres store only")
			os.Exit(1)
		}
		if err := database.Migrate(app.DatabaseConfig(cfg).DSN(), logger); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	needsBrowser := *all || (*vendorID != "" && !*register && *pushFile == "")
	if !needsBrowser && !*register && *pushFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Browser: needsBrowser})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	code := 0
	switch {
	case *register:
		err = registerVendor(ctx, a, *vendorID, *name, *website, !*disabled)
	case *pushFile != "":
		err = pushProducts(ctx, a, *vendorID, *pushFile)
	case *all:
		err = syncAll(ctx, a)
	default:
		err = syncOne(ctx, a, *vendorID)
	}
	if err != nil {
		logger.Error("command failed", "error", err)
		code = 1
	}

	a.Close()
	os.Exit(code)
}

func registerVendor(ctx context.Context, a *app.App, vendorID, name, website string, enabled bool) error {
	if vendorID == "" {
		return fmt.Errorf("-vendor is required")
	}

	v := &models.Vendor{ID: vendorID, Name: name, SyncEnabled: enabled}
	if website != "" {
		v.WebsiteURL = &website
	}
	if err := a.Vendors.PutVendor(ctx, v); err != nil {
		return err
	}

	candidate, err := scriptgen.NewAPIKey()
	if err != nil {
		return err
	}
	key, err := a.Vendors.EnsureAPIKey(ctx, vendorID, candidate)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"vendorId":    vendorID,
		"websiteUrl":  v.Website(),
		"syncEnabled": enabled,
		"apiKey":      key,
	})
}

func pushProducts(ctx context.Context, a *app.App, vendorID, path string) error {
	if vendorID == "" {
		return fmt.Errorf("-vendor is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var req struct {
		Products []models.RawProduct `json:"products"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	result, err := a.Orchestrator.RunPush(ctx, vendorID, req.Products)
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}

func syncOne(ctx context.Context, a *app.App, vendorID string) error {
	result, err := a.Orchestrator.RunSync(ctx, vendorID)
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}

func syncAll(ctx context.Context, a *app.App) error {
	results, err := a.Orchestrator.RunSyncAll(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(results); err != nil {
		return err
	}

	if n := countFailed(results); n > 0 {
		return fmt.Errorf("%d of %d vendors failed", n, len(results))
	}
	return nil
}

func countFailed(results []*models.SyncResult) int {
	n := 0
	for _, r := range results {
		if r.Status == models.SyncFailed {
			n++
		}
	}
	return n
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

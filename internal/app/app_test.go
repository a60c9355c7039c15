package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/maltedev/vendor-sync/internal/config"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:   config.StoreConfig{Driver: config.StoreDriverFile, File: filepath.Join(t.TempDir(), "catalog.json")},
		Extract: config.ExtractConfig{MaxProducts: 10},
	}
}

func TestNew_FileStoreWithoutBrowser(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(ctx, fileConfig(t), logger, Options{})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Relay)
	assert.Nil(t, a.Redis)
	require.NoError(t, a.Ping(ctx))

	site := "https://acme.example"
	require.NoError(t, a.Vendors.PutVendor(ctx, &models.Vendor{ID: "acme", WebsiteURL: &site, SyncEnabled: true}))

	// Push ingestion works without a browser.
	result, err := a.Orchestrator.RunPush(ctx, "acme", []models.RawProduct{
		{ExternalID: "a", Name: "Lamp", Price: models.StringValue("12.50")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProductsCreated)

	// Pull syncs fail the run cleanly.
	result, err = a.Orchestrator.RunSync(ctx, "acme")
	assert.ErrorIs(t, err, ErrExtractionDisabled)
	require.NotNil(t, result)
	assert.Equal(t, models.SyncFailed, result.Status)
}

func TestNew_InvalidStoreFile(t *testing.T) {
	cfg := fileConfig(t)
	cfg.Store.File = t.TempDir()

	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})
	assert.Error(t, err)
}

func TestDatabaseConfig(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{
		Host: "db", Port: 5433, User: "sync", Password: "pw", Name: "catalog", SSLMode: "require", MaxConns: 7,
	}}

	dbCfg := DatabaseConfig(cfg)
	assert.Equal(t, "db", dbCfg.Host)
	assert.Equal(t, 5433, dbCfg.Port)
	assert.Equal(t, "catalog", dbCfg.Database)
	assert.Equal(t, int32(7), dbCfg.MaxConns)
	assert.Contains(t, dbCfg.DSN(), "sslmode=require")
}

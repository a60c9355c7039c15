//go:build integration

package database

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-sync/internal/events"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a disposable Postgres and applies the migrations.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("vendor_sync_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(dsn, slog.New(slog.NewTextHandler(io.Discard, nil))))

	db, err := Open(ctx, dsn, Config{})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func seedVendor(t *testing.T, db *DB, id string) {
	t.Helper()
	site := "https://" + id + ".example"
	err := NewVendorRepository(db).PutVendor(context.Background(), &models.Vendor{ID: id, WebsiteURL: &site, SyncEnabled: true})
	require.NoError(t, err)
}

func TestProductRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seedVendor(t, db, "acme")

	outbox := NewOutboxRepository(db)
	repo := NewProductRepository(db, outbox)

	now := time.Now().UTC().Truncate(time.Microsecond)
	p := &models.Product{
		ID: uuid.New(), VendorID: "acme", ExternalID: "sku-1", Name: "Lamp", Price: 19.99,
		Variants: `["S"]`, Attributes: "{}", CreatedAt: now, UpdatedAt: now,
	}

	t.Run("create and find", func(t *testing.T) {
		require.NoError(t, repo.CreateProduct(ctx, p))

		found, err := repo.FindProduct(ctx, "acme", "sku-1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, p.ID, found.ID)
		assert.Equal(t, `["S"]`, found.Variants)
	})

	t.Run("duplicate create maps to ErrDuplicateProduct", func(t *testing.T) {
		dup := *p
		dup.ID = uuid.New()
		assert.ErrorIs(t, repo.CreateProduct(ctx, &dup), models.ErrDuplicateProduct)
	})

	t.Run("update keeps identity", func(t *testing.T) {
		upd := *p
		upd.ID = uuid.Nil
		upd.Name = "Desk Lamp"
		upd.UpdatedAt = now.Add(time.Minute)
		require.NoError(t, repo.UpdateProduct(ctx, &upd))
		assert.Equal(t, p.ID, upd.ID)

		found, err := repo.FindProduct(ctx, "acme", "sku-1")
		require.NoError(t, err)
		assert.Equal(t, "Desk Lamp", found.Name)
	})

	t.Run("missing product", func(t *testing.T) {
		found, err := repo.FindProduct(ctx, "acme", "nope")
		require.NoError(t, err)
		assert.Nil(t, found)

		assert.Error(t, repo.UpdateProduct(ctx, &models.Product{VendorID: "acme", ExternalID: "nope"}))
	})

	t.Run("writes produce outbox events", func(t *testing.T) {
		pending, err := outbox.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		var types []string
		for _, e := range pending {
			types = append(types, e.EventType)
			assert.Equal(t, events.DefaultStream, e.TargetStream)
			assert.Equal(t, "acme", e.VendorID)
		}
		assert.Equal(t, []string{events.ProductCreated, events.ProductUpdated}, types)
	})

	n, err := repo.CountProducts(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVendorRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewVendorRepository(db)

	seedVendor(t, db, "acme")
	require.NoError(t, repo.PutVendor(ctx, &models.Vendor{ID: "nosite", SyncEnabled: true}))

	vendors, err := repo.ListSyncEnabledVendors(ctx)
	require.NoError(t, err)
	require.Len(t, vendors, 1)
	assert.Equal(t, "acme", vendors[0].ID)

	key, err := repo.EnsureAPIKey(ctx, "acme", "vk_one")
	require.NoError(t, err)
	assert.Equal(t, "vk_one", key)
	key, err = repo.EnsureAPIKey(ctx, "acme", "vk_two")
	require.NoError(t, err)
	assert.Equal(t, "vk_one", key)

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.TouchLastSynced(ctx, "acme", at))
	v, err := repo.GetVendor(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, v.LastSyncedAt)
	assert.True(t, at.Equal(*v.LastSyncedAt))

	missing, err := repo.GetVendor(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSyncRunRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	seedVendor(t, db, "acme")
	repo := NewSyncRunRepository(db)

	run := &models.SyncRun{VendorID: "acme", Source: models.SourcePull, Status: models.SyncPending, StartedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateRun(ctx, run))

	done := time.Now().UTC()
	run.Status = models.SyncCompleted
	run.CompletedAt = &done
	run.ProductsFound = 2
	run.Errors = []models.RecordError{{ExternalID: "x", Message: "price must be a non-negative number"}}
	require.NoError(t, repo.UpdateRun(ctx, run))

	got, err := repo.LatestRun(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.SyncCompleted, got.Status)
	assert.Equal(t, 2, got.ProductsFound)
	assert.Len(t, got.Errors, 1)

	none, err := repo.GetRun(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestOutboxRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewOutboxRepository(db)

	insert := func(aggregateID string, retryCount int) *OutboxEvent {
		event := &OutboxEvent{
			AggregateType: events.AggregateProduct,
			AggregateID:   aggregateID,
			EventType:     events.ProductCreated,
			Payload:       json.RawMessage(`{"external_id":"` + aggregateID + `"}`),
			RetryCount:    retryCount,
		}
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})
		require.NoError(t, err)
		return event
	}

	t.Run("rollback discards the event", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, &OutboxEvent{
				AggregateType: events.AggregateProduct,
				AggregateID:   "acme:rolled-back",
				EventType:     events.ProductCreated,
				Payload:       json.RawMessage(`{}`),
			}); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		pending, err := repo.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, "acme:rolled-back", e.AggregateID)
		}
	})

	t.Run("processed events leave the pending set", func(t *testing.T) {
		event := insert("acme:sku-1", 0)
		require.NoError(t, repo.MarkProcessed(ctx, event.ID))

		pending, err := repo.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		for _, e := range pending {
			assert.NotEqual(t, event.ID, e.ID)
		}
		assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))
	})

	t.Run("claimed events are hidden from the next claim", func(t *testing.T) {
		event := insert("acme:sku-claim", 0)

		first, err := repo.Claim(ctx, 100, time.Minute)
		require.NoError(t, err)
		var ids []uuid.UUID
		for _, e := range first {
			ids = append(ids, e.ID)
		}
		assert.Contains(t, ids, event.ID)

		second, err := repo.Claim(ctx, 100, time.Minute)
		require.NoError(t, err)
		for _, e := range second {
			assert.NotEqual(t, event.ID, e.ID)
		}
	})

	t.Run("failures back off then dead-letter", func(t *testing.T) {
		retried := insert("acme:sku-retry", 0)
		dead, err := repo.MarkFailed(ctx, retried, assert.AnError)
		require.NoError(t, err)
		assert.False(t, dead)
		assert.Equal(t, 1, retried.RetryCount)

		_, err = repo.MarkFailed(ctx, &OutboxEvent{ID: retried.ID, RetryCount: 0}, assert.AnError)
		assert.Error(t, err, "a stale retry count is rejected")

		event := insert("acme:sku-2", MaxRetryCount-1)
		dead, err = repo.MarkFailed(ctx, event, assert.AnError)
		require.NoError(t, err)
		assert.True(t, dead)

		var status string
		var retryCount int
		err = db.QueryRow(ctx,
			"SELECT status, retry_count FROM outbox_event WHERE id = $1", event.ID).Scan(&status, &retryCount)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusDeadLetter, status)
		assert.Equal(t, MaxRetryCount, retryCount)

		dead, err := repo.CountByStatus(ctx, OutboxStatusDeadLetter)
		require.NoError(t, err)
		assert.Equal(t, int64(1), dead)
	})

	t.Run("purge removes old processed events", func(t *testing.T) {
		event := insert("acme:sku-old", 0)
		require.NoError(t, repo.MarkProcessed(ctx, event.ID))
		_, err := db.Exec(ctx,
			"UPDATE outbox_event SET processed_at = NOW() - INTERVAL '2 days' WHERE id = $1", event.ID)
		require.NoError(t, err)

		n, err := repo.Purge(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		var count int
		require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_event WHERE id = $1", event.ID).Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("publish writes a standalone event", func(t *testing.T) {
		require.NoError(t, repo.Publish(ctx, events.Event{
			Type:          events.SyncCompleted,
			AggregateType: events.AggregateSyncRun,
			AggregateID:   uuid.NewString(),
			Payload:       json.RawMessage(`{"status":"completed"}`),
		}))
		n, err := repo.CountByStatus(ctx, OutboxStatusPending, OutboxStatusFailed)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/vendor-sync/internal/extractor"
	"github.com/maltedev/vendor-sync/internal/metrics"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/ratelimit"
	"github.com/maltedev/vendor-sync/internal/storage"
	"github.com/maltedev/vendor-sync/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKey = "vk_acme"

type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) RunSync(ctx context.Context, vendorID string) (*models.SyncResult, error) {
	args := m.Called(ctx, vendorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SyncResult), args.Error(1)
}

func (m *MockSyncer) RunSyncAll(ctx context.Context) ([]*models.SyncResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.SyncResult), args.Error(1)
}

func (m *MockSyncer) RunPush(ctx context.Context, vendorID string, raw []models.RawProduct) (*models.SyncResult, error) {
	args := m.Called(ctx, vendorID, raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SyncResult), args.Error(1)
}

func (m *MockSyncer) Status(ctx context.Context, vendorID string) (*syncer.VendorStatus, error) {
	args := m.Called(ctx, vendorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*syncer.VendorStatus), args.Error(1)
}

func (m *MockSyncer) Run(ctx context.Context, id uuid.UUID) (*models.SyncRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SyncRun), args.Error(1)
}

type testServer struct {
	syncer  *MockSyncer
	store   *storage.Store
	handler http.Handler
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	store, err := storage.NewStore("")
	require.NoError(t, err)

	key := testKey
	site := "https://acme.example"
	require.NoError(t, store.PutVendor(context.Background(), &models.Vendor{
		ID: "acme", WebsiteURL: &site, SyncEnabled: true, APIKey: &key,
	}))
	require.NoError(t, store.PutVendor(context.Background(), &models.Vendor{ID: "keyless", SyncEnabled: true}))

	if opts.PublicBaseURL == "" {
		opts.PublicBaseURL = "https://sync.example.com"
	}

	s := new(MockSyncer)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testServer{
		syncer:  s,
		store:   store,
		handler: NewRouter(NewHandlers(s, store, opts, logger)),
	}
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func withKey(key string) map[string]string {
	return map[string]string{headerAPIKey: key}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func completedResult(vendorID string, source models.SyncSource) *models.SyncResult {
	now := time.Now().UTC()
	return &models.SyncResult{
		RunID:           uuid.New(),
		VendorID:        vendorID,
		Source:          source,
		Status:          models.SyncCompleted,
		ProductsFound:   3,
		ProductsCreated: 2,
		ProductsUpdated: 1,
		Errors:          []models.RecordError{},
		StartedAt:       now,
		CompletedAt:     &now,
	}
}

func TestVendorKeyAuth(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name    string
		path    string
		headers map[string]string
	}{
		{"missing key", "/api/v1/vendors/acme/sync", nil},
		{"wrong key", "/api/v1/vendors/acme/sync", withKey("vk_wrong")},
		{"unknown vendor", "/api/v1/vendors/ghost/sync", withKey(testKey)},
		{"vendor without key", "/api/v1/vendors/keyless/sync", withKey(testKey)},
		{"empty key", "/api/v1/vendors/acme/sync", withKey("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tt.path, "", tt.headers)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	ts.syncer.AssertNotCalled(t, "RunSync", mock.Anything, mock.Anything)
}

func TestTriggerSync(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.syncer.On("RunSync", mock.Anything, "acme").Return(completedResult("acme", models.SourcePull), nil)

	rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/sync", "", withKey(testKey))
	require.Equal(t, http.StatusOK, rec.Code)

	var result models.SyncResult
	decode(t, rec, &result)
	assert.Equal(t, models.SyncCompleted, result.Status)
	assert.Equal(t, 3, result.ProductsFound)
	assert.Equal(t, 2, result.ProductsCreated)
	assert.Equal(t, 1, result.ProductsUpdated)
}

func TestTriggerSync_BearerToken(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.syncer.On("RunSync", mock.Anything, "acme").Return(completedResult("acme", models.SourcePull), nil)

	rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/sync", "", map[string]string{"Authorization": "Bearer " + testKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerSync_ErrorMapping(t *testing.T) {
	failed := completedResult("acme", models.SourcePull)
	failed.Status = models.SyncFailed
	failed.ProductsCreated = 0
	failed.Error = "extraction failed"

	tests := []struct {
		name     string
		result   *models.SyncResult
		err      error
		wantCode int
	}{
		{"vendor gone", nil, syncer.ErrVendorNotFound, http.StatusNotFound},
		{"no website", nil, syncer.ErrNoWebsiteURL, http.StatusBadRequest},
		{"disabled", nil, syncer.ErrSyncDisabled, http.StatusForbidden},
		{"in progress", nil, syncer.ErrSyncInProgress, http.StatusConflict},
		{"extraction", failed, &extractor.ExtractionError{URL: "https://acme.example", Kind: extractor.KindNavigation, Err: errors.New("net::ERR_NAME_NOT_RESOLVED")}, http.StatusBadGateway},
		{"run failure", failed, errors.New("failed to update last synced time"), http.StatusInternalServerError},
		{"unexpected", nil, errors.New("database down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{})
			ts.syncer.On("RunSync", mock.Anything, "acme").Return(tt.result, tt.err)

			rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/sync", "", withKey(testKey))
			assert.Equal(t, tt.wantCode, rec.Code)

			var body map[string]interface{}
			decode(t, rec, &body)
			if tt.result != nil {
				assert.Equal(t, "failed", body["status"], "failed runs still report their counts")
				assert.Contains(t, body, "productsFound")
			} else {
				assert.Contains(t, body, "error")
			}
		})
	}
}

func TestTriggerSyncAll(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, Options{})
		rec := ts.do(http.MethodPost, "/api/v1/sync/all", "", map[string]string{headerCronSecret: "anything"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		ts := newTestServer(t, Options{CronSecret: "cron-secret"})
		rec := ts.do(http.MethodPost, "/api/v1/sync/all", "", map[string]string{headerCronSecret: "guess"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		ts.syncer.AssertNotCalled(t, "RunSyncAll", mock.Anything)
	})

	t.Run("runs every vendor", func(t *testing.T) {
		ts := newTestServer(t, Options{CronSecret: "cron-secret"})
		failed := &models.SyncResult{VendorID: "b", Status: models.SyncFailed, Error: "boom", Errors: []models.RecordError{}}
		ts.syncer.On("RunSyncAll", mock.Anything).
			Return([]*models.SyncResult{completedResult("a", models.SourcePull), failed}, nil)

		rec := ts.do(http.MethodPost, "/api/v1/sync/all", "", map[string]string{headerCronSecret: "cron-secret"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp BatchResponse
		decode(t, rec, &resp)
		assert.Equal(t, 2, resp.Vendors)
		assert.Equal(t, 1, resp.Completed)
		assert.Equal(t, 1, resp.Failed)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, "boom", resp.Results[1].Error)
	})

	t.Run("interrupted batch reports partial results", func(t *testing.T) {
		ts := newTestServer(t, Options{CronSecret: "cron-secret"})
		interrupted := errors.New("batch sync interrupted: context deadline exceeded")
		left := &models.SyncResult{VendorID: "b", Status: models.SyncFailed, Error: interrupted.Error(), Errors: []models.RecordError{}}
		ts.syncer.On("RunSyncAll", mock.Anything).
			Return([]*models.SyncResult{completedResult("a", models.SourcePull), left}, interrupted)

		rec := ts.do(http.MethodPost, "/api/v1/sync/all", "", map[string]string{headerCronSecret: "cron-secret"})
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp BatchResponse
		decode(t, rec, &resp)
		assert.Equal(t, 2, resp.Vendors)
		assert.Equal(t, 1, resp.Completed)
		assert.Equal(t, 1, resp.Failed)
		assert.Equal(t, interrupted.Error(), resp.Error)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, "a", resp.Results[0].VendorID)
	})

	t.Run("batch outlives the request timeout", func(t *testing.T) {
		ts := newTestServer(t, Options{
			CronSecret:     "cron-secret",
			RequestTimeout: 10 * time.Millisecond,
			BatchTimeout:   time.Hour,
		})
		ts.syncer.On("RunSyncAll", mock.MatchedBy(func(ctx context.Context) bool {
			deadline, ok := ctx.Deadline()
			return ok && time.Until(deadline) > 30*time.Minute
		})).Run(func(args mock.Arguments) {
			time.Sleep(30 * time.Millisecond)
		}).Return([]*models.SyncResult{completedResult("a", models.SourcePull)}, nil)

		rec := ts.do(http.MethodPost, "/api/v1/sync/all", "", map[string]string{headerCronSecret: "cron-secret"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp BatchResponse
		decode(t, rec, &resp)
		assert.Equal(t, 1, resp.Completed)
		assert.Empty(t, resp.Error)
	})

	t.Run("listing fails", func(t *testing.T) {
		ts := newTestServer(t, Options{CronSecret: "cron-secret"})
		ts.syncer.On("RunSyncAll", mock.Anything).Return(nil, errors.New("db down"))

		rec := ts.do(http.MethodPost, "/api/v1/sync/all", "", map[string]string{"Authorization": "Bearer cron-secret"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestPushProducts(t *testing.T) {
	ts := newTestServer(t, Options{PushMaxProducts: 2})

	result := completedResult("acme", models.SourcePush)
	result.Records = []models.RecordResult{
		{ExternalID: "a", Status: models.RecordCreated},
		{ExternalID: "b", Status: models.RecordFailed, Message: "invalid price"},
	}
	ts.syncer.On("RunPush", mock.Anything, "acme", mock.MatchedBy(func(raw []models.RawProduct) bool {
		return len(raw) == 2 && raw[0].ExternalID == "a" && raw[0].Price.Str == "19.99" && raw[1].ExternalID == "b"
	})).Return(result, nil)

	body := `{"products":[
		{"externalId":"a","name":"Lamp","price":19.99,"stock":3,"imageUrl":"https://acme.example/a.jpg"},
		{"externalId":"b","name":"Chair","price":"n/a"}
	]}`
	rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/products/bulk", body, withKey(testKey))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got models.SyncResult
	decode(t, rec, &got)
	assert.Equal(t, models.SourcePush, got.Source)
	require.Len(t, got.Records, 2)
	assert.Equal(t, models.RecordFailed, got.Records[1].Status)
	ts.syncer.AssertExpectations(t)
}

func TestPushProducts_RejectsBadEnvelopes(t *testing.T) {
	ts := newTestServer(t, Options{PushMaxProducts: 2})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `products=1`},
		{"missing products", `{}`},
		{"null products", `{"products":null}`},
		{"too many", `{"products":[{"externalId":"1"},{"externalId":"2"},{"externalId":"3"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/products/bulk", tt.body, withKey(testKey))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	ts.syncer.AssertNotCalled(t, "RunPush", mock.Anything, mock.Anything, mock.Anything)
}

func TestPushProducts_ValidationDetails(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/products/bulk", `{}`, withKey(testKey))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "This field is required", body.Details["products"])
}

func TestPushProducts_EmptyListIsAValidPush(t *testing.T) {
	ts := newTestServer(t, Options{})
	empty := completedResult("acme", models.SourcePush)
	empty.ProductsFound, empty.ProductsCreated, empty.ProductsUpdated = 0, 0, 0
	ts.syncer.On("RunPush", mock.Anything, "acme", []models.RawProduct{}).Return(empty, nil)

	rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/products/bulk", `{"products":[]}`, withKey(testKey))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSyncStatus(t *testing.T) {
	ts := newTestServer(t, Options{})
	synced := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ts.syncer.On("Status", mock.Anything, "acme").Return(&syncer.VendorStatus{
		VendorID:     "acme",
		SyncEnabled:  true,
		LastSyncedAt: &synced,
		ProductCount: 42,
	}, nil)

	rec := ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/status", "", withKey(testKey))
	require.Equal(t, http.StatusOK, rec.Code)

	var status syncer.VendorStatus
	decode(t, rec, &status)
	assert.Equal(t, 42, status.ProductCount)
	require.NotNil(t, status.LastSyncedAt)
	assert.True(t, synced.Equal(*status.LastSyncedAt))
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t, Options{})
	mine := &models.SyncRun{ID: uuid.New(), VendorID: "acme", Status: models.SyncCompleted, Errors: []models.RecordError{}}
	theirs := &models.SyncRun{ID: uuid.New(), VendorID: "globex", Status: models.SyncCompleted}
	missing := uuid.New()

	ts.syncer.On("Run", mock.Anything, mine.ID).Return(mine, nil)
	ts.syncer.On("Run", mock.Anything, theirs.ID).Return(theirs, nil)
	ts.syncer.On("Run", mock.Anything, missing).Return(nil, syncer.ErrRunNotFound)

	rec := ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/runs/"+mine.ID.String(), "", withKey(testKey))
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.SyncRun
	decode(t, rec, &run)
	assert.Equal(t, mine.ID, run.ID)

	rec = ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/runs/"+theirs.ID.String(), "", withKey(testKey))
	assert.Equal(t, http.StatusNotFound, rec.Code, "runs of other vendors are hidden")

	rec = ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/runs/"+missing.String(), "", withKey(testKey))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/runs/not-a-uuid", "", withKey(testKey))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateIntegration(t *testing.T) {
	ts := newTestServer(t, Options{AdminToken: "admin"})
	admin := map[string]string{headerAdminToken: "admin"}

	rec := ts.do(http.MethodPost, "/api/v1/vendors/keyless/integration", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/vendors/ghost/integration", "", admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/vendors/keyless/integration", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)

	var first struct {
		Endpoint string `json:"endpoint"`
		Script   string `json:"script"`
		Snippet  string `json:"snippet"`
	}
	decode(t, rec, &first)
	assert.Equal(t, "https://sync.example.com/api/v1/vendors/keyless/products/bulk", first.Endpoint)
	assert.Contains(t, first.Snippet, "data-vendor-sync-trigger")

	v, err := ts.store.GetVendor(context.Background(), "keyless")
	require.NoError(t, err)
	require.NotNil(t, v.APIKey)
	assert.Contains(t, first.Script, *v.APIKey)

	// A second request reuses the issued key.
	rec = ts.do(http.MethodPost, "/api/v1/vendors/keyless/integration", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), *v.APIKey)

	// The issued key now authenticates the vendor.
	ts.syncer.On("Status", mock.Anything, "keyless").Return(&syncer.VendorStatus{VendorID: "keyless"}, nil)
	rec = ts.do(http.MethodGet, "/api/v1/vendors/keyless/sync/status", "", withKey(*v.APIKey))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateIntegration_DisabledWithoutAdminToken(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/api/v1/vendors/acme/integration", "", map[string]string{headerAdminToken: ""})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewKeyedLimiter(0.001, 1, time.Minute)
	ts := newTestServer(t, Options{RateLimiter: limiter})
	ts.syncer.On("Status", mock.Anything, "acme").Return(&syncer.VendorStatus{VendorID: "acme"}, nil)

	rec := ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/status", "", withKey(testKey))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/vendors/acme/sync/status", "", withKey(testKey))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Other vendors have their own budget.
	rec = ts.do(http.MethodGet, "/api/v1/vendors/keyless/sync/status", "", withKey("nope"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type fakeOutbox struct {
	counts map[string]int64
}

func (f fakeOutbox) CountByStatus(ctx context.Context, statuses ...string) (int64, error) {
	var n int64
	for _, s := range statuses {
		n += f.counts[s]
	}
	return n, nil
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t, Options{
			HealthChecks: []HealthCheck{{Name: "store", Check: func(ctx context.Context) error { return nil }}},
			Outbox:       fakeOutbox{counts: map[string]int64{outboxPending: 3, outboxFailed: 2}},
		})

		rec := ts.do(http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Status     string            `json:"status"`
			Components map[string]string `json:"components"`
			Outbox     map[string]int64  `json:"outbox"`
		}
		decode(t, rec, &body)
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "ok", body.Components["store"])
		assert.Equal(t, int64(5), body.Outbox["pending"])
	})

	t.Run("failing dependency", func(t *testing.T) {
		ts := newTestServer(t, Options{
			HealthChecks: []HealthCheck{
				{Name: "store", Check: func(ctx context.Context) error { return nil }},
				{Name: "redis", Check: func(ctx context.Context) error { return errors.New("connection refused") }},
			},
		})

		rec := ts.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})

	t.Run("dead letters", func(t *testing.T) {
		ts := newTestServer(t, Options{Outbox: fakeOutbox{counts: map[string]int64{outboxDeadLetter: 101}}})

		rec := ts.do(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "dead letter")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{Metrics: metrics.New()})

	ts.do(http.MethodGet, "/health", "", nil)
	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vendor_sync_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/health"`)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/vendors/acme/products/bulk", nil)
	req.Header.Set("Origin", "https://shop.acme.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-API-Key")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://shop.acme.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

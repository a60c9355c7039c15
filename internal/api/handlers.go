package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/maltedev/vendor-sync/internal/extractor"
	"github.com/maltedev/vendor-sync/internal/models"
	"github.com/maltedev/vendor-sync/internal/scriptgen"
	"github.com/maltedev/vendor-sync/internal/syncer"
)

// Syncer is the orchestrator surface the handlers drive.
type Syncer interface {
	RunSync(ctx context.Context, vendorID string) (*models.SyncResult, error)
	RunSyncAll(ctx context.Context) ([]*models.SyncResult, error)
	RunPush(ctx context.Context, vendorID string, raw []models.RawProduct) (*models.SyncResult, error)
	Status(ctx context.Context, vendorID string) (*syncer.VendorStatus, error)
	Run(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
}

type VendorStore interface {
	GetVendor(ctx context.Context, id string) (*models.Vendor, error)
	EnsureAPIKey(ctx context.Context, id, candidate string) (string, error)
}

type Handlers struct {
	syncer   Syncer
	vendors  VendorStore
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandlers(s Syncer, vendors VendorStore, opts Options, logger *slog.Logger) *Handlers {
	if opts.PushMaxProducts <= 0 {
		opts.PushMaxProducts = DefaultPushMaxProducts
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handlers{
		syncer:   s,
		vendors:  vendors,
		opts:     opts,
		validate: v,
		logger:   logger.With("component", "api"),
	}
}

// PushRequest is the bulk upsert envelope.
type PushRequest struct {
	Products []models.RawProduct `json:"products" validate:"required"`
}

// BatchResponse reports a sync-all trigger.
type BatchResponse struct {
	Vendors   int                  `json:"vendors"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Results   []*models.SyncResult `json:"results"`
	// Error is set when the batch stopped before every vendor was attempted.
	Error string `json:"error,omitempty"`
}

// TriggerSync runs a pull sync for one vendor and waits for it.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")

	result, err := h.syncer.RunSync(r.Context(), vendorID)
	if err != nil {
		h.respondSyncError(w, vendorID, result, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// TriggerSyncAll runs a pull sync for every sync-enabled vendor. The batch
// is detached from the request deadline and bounded by BatchTimeout, so a
// slow vendor list is not cut short by the server's write timeout.
func (h *Handlers) TriggerSyncAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.BatchTimeout)
	defer cancel()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(h.opts.BatchTimeout + time.Minute)); err != nil {
		h.logger.Debug("could not extend write deadline", "error", err)
	}

	results, err := h.syncer.RunSyncAll(ctx)
	if err != nil && len(results) == 0 {
		h.logger.Error("batch sync failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "batch sync failed")
		return
	}

	resp := BatchResponse{Vendors: len(results), Results: results}
	for _, res := range results {
		if res.Status == models.SyncCompleted {
			resp.Completed++
		} else {
			resp.Failed++
		}
	}

	if err != nil {
		h.logger.Error("batch sync stopped early",
			"completed", resp.Completed,
			"failed", resp.Failed,
			"error", err)
		resp.Error = err.Error()
		h.respondJSON(w, http.StatusInternalServerError, resp)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// PushProducts reconciles records a vendor pushes from its own site.
func (h *Handlers) PushProducts(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondValidationError(w, err)
		return
	}
	if err := h.validate.Var(req.Products, fmt.Sprintf("max=%d", h.opts.PushMaxProducts)); err != nil {
		h.respondError(w, http.StatusBadRequest,
			fmt.Sprintf("products: at most %d records per request", h.opts.PushMaxProducts))
		return
	}

	result, err := h.syncer.RunPush(r.Context(), vendorID, req.Products)
	if err != nil {
		h.respondSyncError(w, vendorID, result, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetSyncStatus reports last sync time, product count and the latest run.
func (h *Handlers) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")

	status, err := h.syncer.Status(r.Context(), vendorID)
	if err != nil {
		h.respondSyncError(w, vendorID, nil, err)
		return
	}

	h.respondJSON(w, http.StatusOK, status)
}

// GetRun returns one of the vendor's sync runs.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")

	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.syncer.Run(r.Context(), id)
	if err != nil {
		h.respondSyncError(w, vendorID, nil, err)
		return
	}
	if run.VendorID != vendorID {
		h.respondError(w, http.StatusNotFound, syncer.ErrRunNotFound.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// CreateIntegration issues the vendor's API key if needed and renders the
// embeddable push script.
func (h *Handlers) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	vendorID := chi.URLParam(r, "vendorID")

	vendor, err := h.vendors.GetVendor(r.Context(), vendorID)
	if err != nil {
		h.logger.Error("failed to load vendor", "vendor_id", vendorID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load vendor")
		return
	}
	if vendor == nil {
		h.respondError(w, http.StatusNotFound, syncer.ErrVendorNotFound.Error())
		return
	}

	candidate, err := scriptgen.NewAPIKey()
	if err != nil {
		h.logger.Error("failed to generate api key", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	apiKey, err := h.vendors.EnsureAPIKey(r.Context(), vendorID, candidate)
	if err != nil {
		h.logger.Error("failed to store api key", "vendor_id", vendorID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to store api key")
		return
	}

	integration, err := scriptgen.Generate(vendorID, h.opts.PublicBaseURL, apiKey)
	if err != nil {
		h.logger.Error("failed to generate integration", "vendor_id", vendorID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to generate integration")
		return
	}

	h.logger.Info("integration generated", "vendor_id", vendorID)
	h.respondJSON(w, http.StatusOK, integration)
}

// Health reports dependency checks and the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	components := make(map[string]string, len(h.opts.HealthChecks))
	for _, check := range h.opts.HealthChecks {
		if err := check.Check(ctx); err != nil {
			components[check.Name] = err.Error()
			health["status"] = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		components[check.Name] = "ok"
	}
	health["components"] = components

	if h.opts.Outbox != nil {
		pendingCount, _ := h.opts.Outbox.CountByStatus(ctx, outboxPending, outboxFailed)
		deadLetterCount, _ := h.opts.Outbox.CountByStatus(ctx, outboxDeadLetter)

		health["outbox"] = map[string]interface{}{
			"pending":     pendingCount,
			"dead_letter": deadLetterCount,
		}
		if pendingCount > 1000 && status == http.StatusOK {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetterCount > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondSyncError(w http.ResponseWriter, vendorID string, result *models.SyncResult, err error) {
	switch {
	case errors.Is(err, syncer.ErrVendorNotFound), errors.Is(err, syncer.ErrRunNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrNoWebsiteURL):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrSyncDisabled):
		h.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, syncer.ErrSyncInProgress):
		h.respondError(w, http.StatusConflict, err.Error())
	case extractor.IsExtractionError(err) && result != nil:
		h.respondJSON(w, http.StatusBadGateway, result)
	case result != nil:
		h.logger.Error("sync run failed", "vendor_id", vendorID, "error", err)
		h.respondJSON(w, http.StatusInternalServerError, result)
	default:
		h.logger.Error("request failed", "vendor_id", vendorID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) respondValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = validationMessage(fe)
	}
	h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "request validation failed",
		"details": details,
	})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "max":
		return "Must be at most " + fe.Param()
	case "min":
		return "Must be at least " + fe.Param()
	default:
		return "Invalid value"
	}
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

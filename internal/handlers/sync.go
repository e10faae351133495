package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chonibe/coa-service-sub010/internal/platform/httpx"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/platform/storage"
	"github.com/chonibe/coa-service-sub010/internal/services"
)

const maxSyncBodySize = 64 * 1024

// SyncReportArchiver persists sync run summaries for later audit.
type SyncReportArchiver interface {
	ArchiveSyncReport(ctx context.Context, runID string, report any, ranAt time.Time) error
}

// SnapshotURLSigner issues signed download URLs for archived order payloads.
type SnapshotURLSigner interface {
	DownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// SyncHandlers exposes the admin endpoints for order reconciliation.
type SyncHandlers struct {
	sync    services.SyncService
	metrics *observability.DomainMetrics

	reports  SyncReportArchiver
	signer   SnapshotURLSigner
	bucket   string
	newRunID func() string
	clock    func() time.Time
}

// SyncOption customises SyncHandlers.
type SyncOption func(*SyncHandlers)

// WithSyncReportArchiver enables archiving of batch summaries.
func WithSyncReportArchiver(reports SyncReportArchiver) SyncOption {
	return func(h *SyncHandlers) {
		h.reports = reports
	}
}

// WithSnapshotSigner enables the snapshot download URL endpoint.
func WithSnapshotSigner(signer SnapshotURLSigner, bucket string) SyncOption {
	return func(h *SyncHandlers) {
		h.signer = signer
		h.bucket = strings.TrimSpace(bucket)
	}
}

// WithSyncRunIDGenerator overrides run id generation, primarily for tests.
func WithSyncRunIDGenerator(gen func() string) SyncOption {
	return func(h *SyncHandlers) {
		if gen != nil {
			h.newRunID = gen
		}
	}
}

// WithSyncClock injects a custom time source, primarily for tests.
func WithSyncClock(clock func() time.Time) SyncOption {
	return func(h *SyncHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewSyncHandlers constructs a new SyncHandlers instance.
func NewSyncHandlers(sync services.SyncService, metrics *observability.DomainMetrics, opts ...SyncOption) *SyncHandlers {
	h := &SyncHandlers{
		sync:    sync,
		metrics: metrics,
		clock:   time.Now,
		newRunID: func() string {
			return time.Now().UTC().Format("20060102T150405.000000000Z")
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin/orders endpoints.
func (h *SyncHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/sync", h.syncOrders)
	r.Get("/orders/{orderID}/snapshot-url", h.snapshotURL)
}

type syncOrdersRequest struct {
	OrderIDs    []string `json:"order_ids"`
	OrderID     string   `json:"order_id"`
	OrderNumber string   `json:"order_number"`
	Limit       int      `json:"limit"`
	DryRun      bool     `json:"dry_run"`
}

func (h *SyncHandlers) syncOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sync == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sync_service_unavailable", "sync service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req syncOrdersRequest
	body, err := readLimitedBody(r, maxSyncBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// An empty body syncs the most recent orders with defaults.
	default:
		writeBodyError(ctx, w, err)
		return
	}

	summary, err := h.sync.SyncOrders(ctx, services.SyncOrdersCommand{
		OrderIDs:    req.OrderIDs,
		OrderID:     strings.TrimSpace(req.OrderID),
		OrderNumber: strings.TrimSpace(req.OrderNumber),
		Limit:       req.Limit,
		DryRun:      req.DryRun,
	})
	if err != nil {
		if errors.Is(err, services.ErrSyncInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "order sync failed", http.StatusInternalServerError))
		return
	}

	h.metrics.RecordSyncBatch(ctx, summary.TotalProcessed, summary.Errors)

	if h.reports != nil && !summary.DryRun {
		runID := h.newRunID()
		if archiveErr := h.reports.ArchiveSyncReport(ctx, runID, summary, h.clock().UTC()); archiveErr != nil {
			observability.FromContext(ctx).Warn("sync report archive failed",
				zap.String("run_id", runID),
				zap.Error(archiveErr))
		}
	}

	writeJSONResponse(w, http.StatusOK, summary)
}

func (h *SyncHandlers) snapshotURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.signer == nil || h.bucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("snapshots_unavailable", "order snapshots are not configured", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	object, err := storage.LatestSnapshotObject(orderID)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is invalid", http.StatusBadRequest))
		return
	}

	result, err := h.signer.DownloadURL(ctx, h.bucket, object, storage.DownloadOptions{
		ResponseType: "application/json",
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unable to sign snapshot url", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"url":        result.URL,
		"method":     result.Method,
		"expires_at": formatTime(result.ExpiresAt),
	})
}

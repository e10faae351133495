package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chonibe/coa-service-sub010/internal/platform/httpx"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/services"
)

const maxInternalBodySize = 256 * 1024

// InternalHandlers exposes the worker endpoints invoked by Pub/Sub push and
// Cloud Scheduler.
type InternalHandlers struct {
	editions services.EditionService
	sync     services.SyncService
	metrics  *observability.DomainMetrics
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(editions services.EditionService, sync services.SyncService, metrics *observability.DomainMetrics) *InternalHandlers {
	return &InternalHandlers{
		editions: editions,
		sync:     sync,
		metrics:  metrics,
	}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/editions:assign", h.assignEdition)
	r.Post("/orders:sync", h.scheduledSync)
}

// pushEnvelope is the Pub/Sub push delivery wrapper. The worker also accepts
// a bare job payload so operators can replay jobs by hand.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func decodeEditionJob(body []byte) (services.EditionJobMessage, string, error) {
	var job services.EditionJobMessage

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return job, "", err
	}

	if _, ok := probe["message"]; ok {
		var envelope pushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return job, "", err
		}
		data := []byte(envelope.Message.Data)
		if decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data); err == nil {
			data = decoded
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return job, envelope.Message.MessageID, err
		}
		return job, envelope.Message.MessageID, nil
	}

	if err := json.Unmarshal(body, &job); err != nil {
		return job, "", err
	}
	return job, "", nil
}

type assignEditionResponse struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	LineItemID    string `json:"line_item_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	EditionNumber int64  `json:"edition_number,omitempty"`
	EditionToken  string `json:"edition_token,omitempty"`
}

func (h *InternalHandlers) assignEdition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	if h.editions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("edition_service_unavailable", "edition service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	job, messageID, err := decodeEditionJob(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid job payload", http.StatusBadRequest))
		return
	}

	assignment, err := h.editions.AssignEdition(ctx, services.AssignEditionCommand{
		ProductID:  strings.TrimSpace(job.ProductID),
		LineItemID: strings.TrimSpace(job.LineItemID),
		OrderID:    strings.TrimSpace(job.OrderID),
	})
	if err != nil {
		// Permanent failures ack the push delivery so the subscription does
		// not redeliver a job that can never succeed.
		if errors.Is(err, services.ErrEditionInvalidInput) || errors.Is(err, services.ErrEditionExhausted) {
			logger.Warn("edition job dropped",
				zap.String("order_id", job.OrderID),
				zap.String("line_item_id", job.LineItemID),
				zap.String("message_id", messageID),
				zap.Error(err))
			writeJSONResponse(w, http.StatusOK, assignEditionResponse{
				Status: "dropped",
				Reason: err.Error(),
			})
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "edition assignment failed", http.StatusInternalServerError))
		return
	}

	h.metrics.RecordEditionAssigned(ctx, assignment.ProductID)
	logger.Info("edition assigned",
		zap.String("order_id", assignment.OrderID),
		zap.String("line_item_id", assignment.LineItemID),
		zap.String("product_id", assignment.ProductID),
		zap.Int64("edition_number", assignment.EditionNumber))

	writeJSONResponse(w, http.StatusOK, assignEditionResponse{
		Status:        "assigned",
		ProductID:     assignment.ProductID,
		LineItemID:    assignment.LineItemID,
		OrderID:       assignment.OrderID,
		EditionNumber: assignment.EditionNumber,
		EditionToken:  assignment.EditionToken,
	})
}

type scheduledSyncRequest struct {
	Limit  int  `json:"limit"`
	DryRun bool `json:"dry_run"`
}

func (h *InternalHandlers) scheduledSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.sync == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sync_service_unavailable", "sync service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req scheduledSyncRequest
	body, err := readLimitedBody(r, maxInternalBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// Scheduler triggers usually carry no body; defaults apply.
	default:
		writeBodyError(ctx, w, err)
		return
	}

	summary, err := h.sync.SyncOrders(ctx, services.SyncOrdersCommand{
		Limit:  req.Limit,
		DryRun: req.DryRun,
	})
	if err != nil {
		if errors.Is(err, services.ErrSyncInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "scheduled sync failed", http.StatusInternalServerError))
		return
	}

	h.metrics.RecordSyncBatch(ctx, summary.TotalProcessed, summary.Errors)
	writeJSONResponse(w, http.StatusOK, summary)
}

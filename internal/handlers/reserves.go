package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	"github.com/chonibe/coa-service-sub010/internal/platform/httpx"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/services"
)

const maxReserveBodySize = 32 * 1024

// ReserveHandlers exposes the admin endpoints for first-edition reservations.
type ReserveHandlers struct {
	reserves services.ReservationService
	metrics  *observability.DomainMetrics
}

// NewReserveHandlers constructs a new ReserveHandlers instance.
func NewReserveHandlers(reserves services.ReservationService, metrics *observability.DomainMetrics) *ReserveHandlers {
	return &ReserveHandlers{
		reserves: reserves,
		metrics:  metrics,
	}
}

// Routes registers the /admin/reserves endpoints.
func (h *ReserveHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listReserves)
	r.Post("/", h.createReserve)
	r.Post("/{reserveID}:cancel", h.cancelReserve)
}

func (h *ReserveHandlers) listReserves(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reserves == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reserve_service_unavailable", "reservation service unavailable", http.StatusServiceUnavailable))
		return
	}

	filter := services.ReserveListFilter{
		Vendor: strings.TrimSpace(r.URL.Query().Get("vendor")),
		Pagination: domain.Pagination{
			PageToken: strings.TrimSpace(r.URL.Query().Get("page_token")),
		},
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a non-negative integer", http.StatusBadRequest))
			return
		}
		filter.PageSize = size
	}

	if raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))); raw != "" {
		status := domain.ReserveStatus(raw)
		switch status {
		case domain.ReserveStatusReserved, domain.ReserveStatusFulfilled, domain.ReserveStatusCancelled:
			filter.Status = &status
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be one of reserved, fulfilled, cancelled", http.StatusBadRequest))
			return
		}
	}

	page, err := h.reserves.ListReserves(ctx, filter)
	if err != nil {
		writeReserveError(ctx, w, err)
		return
	}

	items := make([]reservePayload, 0, len(page.Items))
	for _, reserve := range page.Items {
		items = append(items, buildReservePayload(reserve))
	}

	writeJSONResponse(w, http.StatusOK, listReservesResponse{
		Reserves:      items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *ReserveHandlers) createReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reserves == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reserve_service_unavailable", "reservation service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxReserveBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createReserveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	result, err := h.reserves.ReserveFirstEdition(ctx, services.ReserveFirstEditionCommand{
		ProductID:  strings.TrimSpace(req.ProductID),
		Vendor:     strings.TrimSpace(req.Vendor),
		Title:      req.Title,
		PriceCents: req.PriceCents,
		Currency:   strings.TrimSpace(req.Currency),
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeReserveError(ctx, w, err)
		return
	}

	if result.Declined {
		writeJSONResponse(w, http.StatusOK, createReserveResponse{
			Declined: true,
			Reason:   result.Reason,
		})
		return
	}

	h.metrics.RecordReserveCreated(ctx, req.Vendor)

	writeJSONResponse(w, http.StatusCreated, createReserveResponse{
		ReserveID:   result.ReserveID,
		OrderID:     result.OrderID,
		LineItemID:  result.LineItemID,
		PayoutCents: result.PayoutCents,
		Message:     result.Message,
	})
}

func (h *ReserveHandlers) cancelReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reserves == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reserve_service_unavailable", "reservation service unavailable", http.StatusServiceUnavailable))
		return
	}

	reserveID := strings.TrimSpace(chi.URLParam(r, "reserveID"))
	if reserveID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reserve id is required", http.StatusBadRequest))
		return
	}

	reserve, err := h.reserves.CancelReserve(ctx, reserveID)
	if err != nil {
		writeReserveError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cancelReserveResponse{
		Reserve: buildReservePayload(reserve),
	})
}

type createReserveRequest struct {
	ProductID  string            `json:"product_id"`
	Vendor     string            `json:"vendor"`
	Title      string            `json:"title"`
	PriceCents int64             `json:"price_cents"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata"`
}

type createReserveResponse struct {
	Declined    bool   `json:"declined,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ReserveID   string `json:"reserve_id,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	LineItemID  string `json:"line_item_id,omitempty"`
	PayoutCents int64  `json:"payout_cents,omitempty"`
	Message     string `json:"message,omitempty"`
}

type listReservesResponse struct {
	Reserves      []reservePayload `json:"reserves"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type cancelReserveResponse struct {
	Reserve reservePayload `json:"reserve"`
}

type reservePayload struct {
	ID                 string            `json:"id"`
	ProductID          string            `json:"product_id"`
	Vendor             string            `json:"vendor"`
	OrderID            string            `json:"order_id"`
	LineItemID         string            `json:"line_item_id"`
	PurchasePriceCents int64             `json:"purchase_price_cents"`
	PayoutCents        int64             `json:"payout_cents"`
	PayoutTransferID   *string           `json:"payout_transfer_id,omitempty"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          string            `json:"created_at"`
	UpdatedAt          string            `json:"updated_at"`
}

func buildReservePayload(reserve services.Reserve) reservePayload {
	return reservePayload{
		ID:                 reserve.ID,
		ProductID:          reserve.ProductRef,
		Vendor:             reserve.Vendor,
		OrderID:            reserve.OrderRef,
		LineItemID:         reserve.LineItemRef,
		PurchasePriceCents: reserve.PurchasePriceCents,
		PayoutCents:        reserve.PayoutCents,
		PayoutTransferID:   reserve.PayoutTransferID,
		Status:             string(reserve.Status),
		Metadata:           reserve.Metadata,
		CreatedAt:          formatTime(reserve.CreatedAt),
		UpdatedAt:          formatTime(reserve.UpdatedAt),
	}
}

func writeReserveError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReserveInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReserveNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("reserve_not_found", "reserve not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReserveInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("reserve_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "reservation operation failed", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

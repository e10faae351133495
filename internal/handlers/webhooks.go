package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chonibe/coa-service-sub010/internal/platform/httpx"
	"github.com/chonibe/coa-service-sub010/internal/platform/observability"
	"github.com/chonibe/coa-service-sub010/internal/services"
)

const (
	maxWebhookBodySize = 1 << 20

	shopDomainHeader   = "X-Shopify-Shop-Domain"
	webhookTopicHeader = "X-Shopify-Topic"
)

// WebhookHandlers receives order-placement events from the commerce store and
// enqueues edition assignment jobs. Publishing is best effort: a publish
// failure is logged but never surfaces to the store, which would otherwise
// retry the whole delivery.
type WebhookHandlers struct {
	publisher services.EditionJobPublisher
	clock     func() time.Time

	limiter      rateLimiter
	rateLimit    int
	rateWindow   time.Duration
	allowedHosts map[string]struct{}
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookClock injects a custom time source, primarily for tests.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(h *WebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithWebhookRateLimit throttles deliveries per shop domain.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		h.rateLimit = limit
		h.rateWindow = window
	}
}

// WithAllowedShopDomains restricts deliveries to the listed shop domains.
func WithAllowedShopDomains(hosts ...string) WebhookOption {
	return func(h *WebhookHandlers) {
		for _, host := range hosts {
			host = strings.ToLower(strings.TrimSpace(host))
			if host == "" {
				continue
			}
			if h.allowedHosts == nil {
				h.allowedHosts = make(map[string]struct{})
			}
			h.allowedHosts[host] = struct{}{}
		}
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(publisher services.EditionJobPublisher, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		publisher: publisher,
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.rateLimit > 0 && h.rateWindow > 0 {
		h.limiter = newSimpleRateLimiter(h.rateLimit, h.rateWindow, h.clock)
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders", h.orderCreated)
}

type webhookOrder struct {
	ID        json.Number       `json:"id"`
	Name      string            `json:"name"`
	LineItems []webhookLineItem `json:"line_items"`
}

type webhookLineItem struct {
	ID        json.Number `json:"id"`
	ProductID json.Number `json:"product_id"`
	Quantity  int         `json:"quantity"`
}

type webhookAck struct {
	Received bool `json:"received"`
	Queued   int  `json:"queued"`
	Skipped  int  `json:"skipped"`
}

func (h *WebhookHandlers) orderCreated(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	shopDomain := strings.ToLower(strings.TrimSpace(r.Header.Get(shopDomainHeader)))
	if len(h.allowedHosts) > 0 {
		if _, ok := h.allowedHosts[shopDomain]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("unknown_shop", "shop domain is not allowed", http.StatusForbidden))
			return
		}
	}
	if h.limiter != nil && !h.limiter.Allow(shopDomain) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var order webhookOrder
	if err := json.Unmarshal(body, &order); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	orderID := order.ID.String()
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	if h.publisher == nil {
		httpx.WriteError(ctx, w, httpx.NewError("publisher_unavailable", "edition job publisher unavailable", http.StatusServiceUnavailable))
		return
	}

	queuedAt := h.clock().UTC()
	ack := webhookAck{Received: true}
	for _, item := range order.LineItems {
		lineItemID := item.ID.String()
		productID := item.ProductID.String()
		if lineItemID == "" || productID == "" {
			ack.Skipped++
			continue
		}
		msgID, err := h.publisher.PublishEditionJob(ctx, services.EditionJobMessage{
			OrderID:    orderID,
			LineItemID: lineItemID,
			ProductID:  productID,
			QueuedAt:   queuedAt,
		})
		if err != nil {
			ack.Skipped++
			logger.Error("edition job publish failed",
				zap.String("order_id", orderID),
				zap.String("line_item_id", lineItemID),
				zap.Error(err))
			continue
		}
		ack.Queued++
		logger.Info("edition job queued",
			zap.String("order_id", orderID),
			zap.String("line_item_id", lineItemID),
			zap.String("product_id", productID),
			zap.String("message_id", msgID),
			zap.String("topic", r.Header.Get(webhookTopicHeader)))
	}

	writeJSONResponse(w, http.StatusOK, ack)
}

package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
)

const ordersCollection = "orders"

type orderDocument struct {
	OrderNumber       string         `firestore:"orderNumber"`
	FinancialStatus   string         `firestore:"financialStatus"`
	FulfillmentStatus string         `firestore:"fulfillmentStatus"`
	ExternalStatus    string         `firestore:"externalStatus,omitempty"`
	CancelledAt       *time.Time     `firestore:"cancelledAt,omitempty"`
	Archived          bool           `firestore:"archived"`
	Source            string         `firestore:"source"`
	Vendor            string         `firestore:"vendor,omitempty"`
	CustomerEmail     string         `firestore:"customerEmail,omitempty"`
	TotalPriceCents   int64          `firestore:"totalPriceCents"`
	Currency          string         `firestore:"currency,omitempty"`
	Raw               map[string]any `firestore:"raw,omitempty"`
	CreatedAt         time.Time      `firestore:"createdAt"`
	UpdatedAt         time.Time      `firestore:"updatedAt"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
	}, nil
}

// FindByID fetches a local order mirror by its order id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Insert creates the order document, failing on an existing id.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return pfirestore.WrapError("orders.insert", errors.New("order id is required"))
	}
	return r.orders.Create(ctx, id, newOrderDocument(order))
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return pfirestore.WrapError("orders.update", errors.New("order id is required"))
	}
	return r.orders.Set(ctx, id, newOrderDocument(order))
}

// ListRecent returns up to limit orders ordered by most recent update.
func (r *OrderRepository) ListRecent(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.OrderBy("updatedAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:       strings.TrimSpace(order.OrderNumber),
		FinancialStatus:   string(order.FinancialStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		ExternalStatus:    strings.TrimSpace(order.ExternalStatus),
		Archived:          order.Archived,
		Source:            strings.TrimSpace(order.Source),
		Vendor:            strings.TrimSpace(order.Vendor),
		CustomerEmail:     strings.TrimSpace(order.CustomerEmail),
		TotalPriceCents:   order.TotalPriceCents,
		Currency:          strings.TrimSpace(order.Currency),
		Raw:               order.Raw,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	if order.CancelledAt != nil {
		cancelled := order.CancelledAt.UTC()
		doc.CancelledAt = &cancelled
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:                id,
		OrderNumber:       d.OrderNumber,
		FinancialStatus:   domain.FinancialStatus(d.FinancialStatus),
		FulfillmentStatus: domain.FulfillmentStatus(d.FulfillmentStatus),
		ExternalStatus:    d.ExternalStatus,
		CancelledAt:       d.CancelledAt,
		Archived:          d.Archived,
		Source:            d.Source,
		Vendor:            d.Vendor,
		CustomerEmail:     d.CustomerEmail,
		TotalPriceCents:   d.TotalPriceCents,
		Currency:          d.Currency,
		Raw:               d.Raw,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

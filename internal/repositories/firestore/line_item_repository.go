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

const lineItemsCollection = "lineItems"

type lineItemDocument struct {
	OrderRef          string    `firestore:"orderRef"`
	ProductRef        string    `firestore:"productRef"`
	EditionNumber     *int64    `firestore:"editionNumber,omitempty"`
	EditionToken      string    `firestore:"editionToken,omitempty"`
	Status            string    `firestore:"status"`
	PriceCents        int64     `firestore:"priceCents"`
	FulfillmentStatus string    `firestore:"fulfillmentStatus,omitempty"`
	OwnerEmail        string    `firestore:"ownerEmail,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

// LineItemRepository implements repositories.LineItemRepository backed by Firestore.
type LineItemRepository struct {
	provider *pfirestore.Provider
	items    *pfirestore.BaseRepository[lineItemDocument]
}

// NewLineItemRepository constructs a Firestore-backed line item repository.
func NewLineItemRepository(provider *pfirestore.Provider) (*LineItemRepository, error) {
	if provider == nil {
		return nil, errors.New("line item repository requires firestore provider")
	}
	return &LineItemRepository{
		provider: provider,
		items:    pfirestore.NewBaseRepository[lineItemDocument](provider, lineItemsCollection),
	}, nil
}

// FindByID fetches a line item by its id.
func (r *LineItemRepository) FindByID(ctx context.Context, lineItemID string) (domain.LineItem, error) {
	doc, err := r.items.Get(ctx, strings.TrimSpace(lineItemID))
	if err != nil {
		return domain.LineItem{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Insert creates the line item document, failing on an existing id.
func (r *LineItemRepository) Insert(ctx context.Context, item domain.LineItem) error {
	id := strings.TrimSpace(item.ID)
	if id == "" {
		return pfirestore.WrapError("lineItems.insert", errors.New("line item id is required"))
	}
	return r.items.Create(ctx, id, newLineItemDocument(item))
}

// SetEdition records the assigned edition number and token on the line item.
// Existing values are overwritten, never duplicated.
func (r *LineItemRepository) SetEdition(ctx context.Context, lineItemID string, edition int64, token string, now time.Time) error {
	id := strings.TrimSpace(lineItemID)
	if id == "" {
		return pfirestore.WrapError("lineItems.setEdition", errors.New("line item id is required"))
	}
	return r.items.Update(ctx, id, []firestore.Update{
		{Path: "editionNumber", Value: edition},
		{Path: "editionToken", Value: strings.TrimSpace(token)},
		{Path: "updatedAt", Value: now.UTC()},
	})
}

// HighestEdition returns the maximum edition number assigned to the product,
// or 0 when no mirrored line item carries one.
func (r *LineItemRepository) HighestEdition(ctx context.Context, productID string) (int64, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return 0, pfirestore.WrapError("lineItems.highestEdition", errors.New("product id is required"))
	}

	docs, err := r.items.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("productRef", "==", id).
			OrderBy("editionNumber", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 || docs[0].Data.EditionNumber == nil {
		return 0, nil
	}
	return *docs[0].Data.EditionNumber, nil
}

// SetStatusForOrder flips every line item of the order currently in the from
// status to the to status, returning the ids it changed.
func (r *LineItemRepository) SetStatusForOrder(ctx context.Context, orderID string, from, to domain.LineItemStatus, now time.Time) ([]string, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, pfirestore.WrapError("lineItems.setStatus", errors.New("order id is required"))
	}

	docs, err := r.items.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("orderRef", "==", id).
			Where("status", "==", string(from))
	})
	if err != nil {
		return nil, err
	}

	changed := make([]string, 0, len(docs))
	for _, doc := range docs {
		err := r.items.Update(ctx, doc.ID, []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updatedAt", Value: now.UTC()},
		})
		if err != nil {
			return changed, err
		}
		changed = append(changed, doc.ID)
	}
	return changed, nil
}

// ListIDsByOrderAndStatus returns the ids of the order's line items currently
// in the status.
func (r *LineItemRepository) ListIDsByOrderAndStatus(ctx context.Context, orderID string, status domain.LineItemStatus) ([]string, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, pfirestore.WrapError("lineItems.listByStatus", errors.New("order id is required"))
	}

	docs, err := r.items.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("orderRef", "==", id).
			Where("status", "==", string(status))
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func newLineItemDocument(item domain.LineItem) lineItemDocument {
	return lineItemDocument{
		OrderRef:          strings.TrimSpace(item.OrderRef),
		ProductRef:        strings.TrimSpace(item.ProductRef),
		EditionNumber:     item.EditionNumber,
		EditionToken:      strings.TrimSpace(item.EditionToken),
		Status:            string(item.Status),
		PriceCents:        item.PriceCents,
		FulfillmentStatus: string(item.FulfillmentStatus),
		OwnerEmail:        strings.TrimSpace(item.OwnerEmail),
		CreatedAt:         item.CreatedAt.UTC(),
		UpdatedAt:         item.UpdatedAt.UTC(),
	}
}

func (d lineItemDocument) toDomain(id string) domain.LineItem {
	return domain.LineItem{
		ID:                id,
		OrderRef:          d.OrderRef,
		ProductRef:        d.ProductRef,
		EditionNumber:     d.EditionNumber,
		EditionToken:      d.EditionToken,
		Status:            domain.LineItemStatus(d.Status),
		PriceCents:        d.PriceCents,
		FulfillmentStatus: domain.FulfillmentStatus(d.FulfillmentStatus),
		OwnerEmail:        d.OwnerEmail,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

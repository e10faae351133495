package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
	"github.com/chonibe/coa-service-sub010/internal/platform/pagination"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
)

const reservesCollection = "reserves"

type reserveDocument struct {
	ProductRef         string            `firestore:"productRef"`
	Vendor             string            `firestore:"vendor"`
	OrderRef           string            `firestore:"orderRef"`
	LineItemRef        string            `firestore:"lineItemRef"`
	PurchasePriceCents int64             `firestore:"purchasePriceCents"`
	PayoutCents        int64             `firestore:"payoutCents"`
	PayoutTransferID   *string           `firestore:"payoutTransferId,omitempty"`
	Status             string            `firestore:"status"`
	Metadata           map[string]string `firestore:"metadata,omitempty"`
	CreatedAt          time.Time         `firestore:"createdAt"`
	UpdatedAt          time.Time         `firestore:"updatedAt"`
}

// ReserveRepository implements repositories.ReserveRepository backed by Firestore.
type ReserveRepository struct {
	provider *pfirestore.Provider
	reserves *pfirestore.BaseRepository[reserveDocument]
}

// NewReserveRepository constructs a Firestore-backed reserve repository.
func NewReserveRepository(provider *pfirestore.Provider) (*ReserveRepository, error) {
	if provider == nil {
		return nil, errors.New("reserve repository requires firestore provider")
	}
	return &ReserveRepository{
		provider: provider,
		reserves: pfirestore.NewBaseRepository[reserveDocument](provider, reservesCollection),
	}, nil
}

// FindByID fetches a reserve record by its id.
func (r *ReserveRepository) FindByID(ctx context.Context, reserveID string) (domain.Reserve, error) {
	doc, err := r.reserves.Get(ctx, strings.TrimSpace(reserveID))
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Reserve{}, repositories.NewReserveError(repositories.ReserveErrorNotFound, fmt.Sprintf("reserve %s not found", reserveID), err)
		}
		return domain.Reserve{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindFulfilledByProduct returns the fulfilled reserve record for the product.
func (r *ReserveRepository) FindFulfilledByProduct(ctx context.Context, productID string) (domain.Reserve, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Reserve{}, repositories.NewReserveError(repositories.ReserveErrorUnknown, "product id is required", nil)
	}

	docs, err := r.reserves.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("productRef", "==", id).
			Where("status", "==", string(domain.ReserveStatusFulfilled)).
			Limit(1)
	})
	if err != nil {
		return domain.Reserve{}, err
	}
	if len(docs) == 0 {
		return domain.Reserve{}, repositories.NewReserveError(repositories.ReserveErrorNotFound, fmt.Sprintf("no fulfilled reserve for product %s", id), nil)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// Insert creates the reserve record, failing on an existing id.
func (r *ReserveRepository) Insert(ctx context.Context, reserve domain.Reserve) error {
	id := strings.TrimSpace(reserve.ID)
	if id == "" {
		return repositories.NewReserveError(repositories.ReserveErrorUnknown, "reserve id is required", nil)
	}
	return r.reserves.Create(ctx, id, newReserveDocument(reserve))
}

// UpdateStatus transitions the reserve status. Fulfilled reserves may only be
// cancelled; no status ever returns to reserved.
func (r *ReserveRepository) UpdateStatus(ctx context.Context, reserveID string, target domain.ReserveStatus, now time.Time) error {
	id := strings.TrimSpace(reserveID)
	if id == "" {
		return repositories.NewReserveError(repositories.ReserveErrorUnknown, "reserve id is required", nil)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.reserves.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc reserveDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore reserves decode %s: %w", id, err)
		}

		if !validReserveTransition(domain.ReserveStatus(doc.Status), target) {
			return repositories.NewReserveError(repositories.ReserveErrorInvalidState, fmt.Sprintf("reserve %s cannot move from %s to %s", id, doc.Status, target), nil)
		}

		doc.Status = string(target)
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		var reserveErr *repositories.ReserveError
		if errors.As(err, &reserveErr) {
			return reserveErr
		}
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return repositories.NewReserveError(repositories.ReserveErrorNotFound, fmt.Sprintf("reserve %s not found", id), err)
		}
		return pfirestore.WrapError("reserves.updateStatus", err)
	}
	return nil
}

// SetPayoutTransfer records the payout provider's transfer id on the reserve.
func (r *ReserveRepository) SetPayoutTransfer(ctx context.Context, reserveID, transferID string, now time.Time) error {
	id := strings.TrimSpace(reserveID)
	transfer := strings.TrimSpace(transferID)
	if id == "" || transfer == "" {
		return repositories.NewReserveError(repositories.ReserveErrorUnknown, "reserve id and transfer id are required", nil)
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.reserves.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc reserveDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore reserves decode %s: %w", id, err)
		}

		doc.PayoutTransferID = &transfer
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return repositories.NewReserveError(repositories.ReserveErrorNotFound, fmt.Sprintf("reserve %s not found", id), err)
		}
		return pfirestore.WrapError("reserves.setPayoutTransfer", err)
	}
	return nil
}

// List returns reserve records matching the filter, newest first.
func (r *ReserveRepository) List(ctx context.Context, filter repositories.ReserveListFilter) (domain.CursorPage[domain.Reserve], error) {
	pageSize := pagination.ClampPageSize(filter.PageSize)

	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Reserve]{}, repositories.NewReserveError(repositories.ReserveErrorUnknown, "invalid page token", err)
	}

	docs, err := r.reserves.Query(ctx, func(query firestore.Query) firestore.Query {
		if filter.Status != nil {
			query = query.Where("status", "==", string(*filter.Status))
		}
		if vendor := strings.TrimSpace(filter.Vendor); vendor != "" {
			query = query.Where("vendor", "==", vendor)
		}
		query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc)
		if cursor.ID != "" {
			query = query.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Reserve]{}, err
	}

	reserves := make([]domain.Reserve, 0, len(docs))
	for _, doc := range docs {
		reserves = append(reserves, doc.Data.toDomain(doc.ID))
	}

	hasMore := len(reserves) > pageSize
	if hasMore {
		reserves = reserves[:pageSize]
	}

	var nextToken string
	if hasMore && len(reserves) > 0 {
		last := reserves[len(reserves)-1]
		nextToken, err = pagination.EncodeToken(pagination.Cursor{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Reserve]{}, err
		}
	}

	return domain.CursorPage[domain.Reserve]{
		Items:         reserves,
		NextPageToken: nextToken,
	}, nil
}

func validReserveTransition(current, target domain.ReserveStatus) bool {
	switch current {
	case domain.ReserveStatusReserved:
		return target == domain.ReserveStatusFulfilled || target == domain.ReserveStatusCancelled
	case domain.ReserveStatusFulfilled:
		return target == domain.ReserveStatusCancelled
	default:
		return false
	}
}

func newReserveDocument(reserve domain.Reserve) reserveDocument {
	return reserveDocument{
		ProductRef:         strings.TrimSpace(reserve.ProductRef),
		Vendor:             strings.TrimSpace(reserve.Vendor),
		OrderRef:           strings.TrimSpace(reserve.OrderRef),
		LineItemRef:        strings.TrimSpace(reserve.LineItemRef),
		PurchasePriceCents: reserve.PurchasePriceCents,
		PayoutCents:        reserve.PayoutCents,
		PayoutTransferID:   reserve.PayoutTransferID,
		Status:             string(reserve.Status),
		Metadata:           reserve.Metadata,
		CreatedAt:          reserve.CreatedAt.UTC(),
		UpdatedAt:          reserve.UpdatedAt.UTC(),
	}
}

func (d reserveDocument) toDomain(id string) domain.Reserve {
	return domain.Reserve{
		ID:                 id,
		ProductRef:         d.ProductRef,
		Vendor:             d.Vendor,
		OrderRef:           d.OrderRef,
		LineItemRef:        d.LineItemRef,
		PurchasePriceCents: d.PurchasePriceCents,
		PayoutCents:        d.PayoutCents,
		PayoutTransferID:   d.PayoutTransferID,
		Status:             domain.ReserveStatus(d.Status),
		Metadata:           d.Metadata,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

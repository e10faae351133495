package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	pfirestore "github.com/chonibe/coa-service-sub010/internal/platform/firestore"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Vendor               string    `firestore:"vendor"`
	Title                string    `firestore:"title"`
	EditionSize          *int64    `firestore:"editionSize,omitempty"`
	FirstEditionReserved bool      `firestore:"firstEditionReserved"`
	ReserveOrderRef      *string   `firestore:"reserveOrderRef,omitempty"`
	CreatedAt            time.Time `firestore:"createdAt"`
	UpdatedAt            time.Time `firestore:"updatedAt"`
}

// ProductRepository implements repositories.ProductRepository backed by Firestore.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		provider: provider,
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
	}, nil
}

// FindByID fetches a product mirror by its external product id.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert writes the product mirror. Fields an existing document already
// carries survive a sparse write: the reservation flag and order ref are never
// cleared, and edition size and title are kept when the incoming product
// omits them.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return pfirestore.WrapError("products.upsert", errors.New("product id is required"))
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.products.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		doc := newProductDocument(product)
		snapshot, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			// first write
		case codes.OK:
			var existing productDocument
			if err := snapshot.DataTo(&existing); err != nil {
				return fmt.Errorf("firestore products decode %s: %w", id, err)
			}
			if existing.FirstEditionReserved {
				doc.FirstEditionReserved = true
				doc.ReserveOrderRef = existing.ReserveOrderRef
			}
			if doc.EditionSize == nil {
				doc.EditionSize = existing.EditionSize
			}
			if doc.Title == "" {
				doc.Title = existing.Title
			}
			doc.CreatedAt = existing.CreatedAt
		default:
			return err
		}
		return tx.Set(ref, doc)
	})
	return pfirestore.WrapError("products.upsert", err)
}

// MarkReserved sets the first-edition flag once; a second call is a conflict.
func (r *ProductRepository) MarkReserved(ctx context.Context, productID, reserveOrderID string, now time.Time) error {
	id := strings.TrimSpace(productID)
	orderID := strings.TrimSpace(reserveOrderID)
	if id == "" || orderID == "" {
		return pfirestore.WrapError("products.markReserved", errors.New("product id and reserve order id are required"))
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.products.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc productDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore products decode %s: %w", id, err)
		}
		if doc.FirstEditionReserved {
			return repositories.NewReserveError(repositories.ReserveErrorAlreadyFulfilled, fmt.Sprintf("product %s is already reserved", id), nil)
		}

		doc.FirstEditionReserved = true
		doc.ReserveOrderRef = &orderID
		doc.UpdatedAt = now.UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		var reserveErr *repositories.ReserveError
		if errors.As(err, &reserveErr) {
			return reserveErr
		}
		return pfirestore.WrapError("products.markReserved", err)
	}
	return nil
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		Vendor:               strings.TrimSpace(product.Vendor),
		Title:                strings.TrimSpace(product.Title),
		EditionSize:          product.EditionSize,
		FirstEditionReserved: product.FirstEditionReserved,
		ReserveOrderRef:      product.ReserveOrderRef,
		CreatedAt:            product.CreatedAt.UTC(),
		UpdatedAt:            product.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:                   id,
		Vendor:               d.Vendor,
		Title:                d.Title,
		EditionSize:          d.EditionSize,
		FirstEditionReserved: d.FirstEditionReserved,
		ReserveOrderRef:      d.ReserveOrderRef,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
)

// RepositoryError is implemented by storage errors so services can map them
// onto their own sentinel errors without importing the backend package.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository persists the local mirror of vendor products.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) error
	// MarkReserved sets the first-edition flag and reserve order reference.
	// The flag is write-once: marking an already reserved product is a conflict.
	MarkReserved(ctx context.Context, productID, reserveOrderID string, now time.Time) error
}

// OrderRepository persists local order mirrors and synthetic reserve orders.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	// ListRecent returns up to limit orders ordered by most recent update.
	ListRecent(ctx context.Context, limit int) ([]domain.Order, error)
}

// LineItemRepository persists line item mirrors and their edition assignments.
type LineItemRepository interface {
	FindByID(ctx context.Context, lineItemID string) (domain.LineItem, error)
	Insert(ctx context.Context, item domain.LineItem) error
	// SetEdition records the assigned edition number and token on the line item.
	SetEdition(ctx context.Context, lineItemID string, edition int64, token string, now time.Time) error
	// HighestEdition returns the maximum edition number assigned to the
	// product across all mirrored line items, or 0 when none carry one.
	HighestEdition(ctx context.Context, productID string) (int64, error)
	// SetStatusForOrder flips every line item of the order currently in the
	// from status to the to status, returning the ids it changed.
	SetStatusForOrder(ctx context.Context, orderID string, from, to domain.LineItemStatus, now time.Time) ([]string, error)
	// ListIDsByOrderAndStatus returns the ids of the order's line items
	// currently in the status, without modifying them.
	ListIDsByOrderAndStatus(ctx context.Context, orderID string, status domain.LineItemStatus) ([]string, error)
}

// ReserveListFilter narrows reserve record listings.
type ReserveListFilter struct {
	Status *domain.ReserveStatus
	Vendor string
	domain.Pagination
}

// ReserveRepository persists first-edition reserve records.
type ReserveRepository interface {
	FindByID(ctx context.Context, reserveID string) (domain.Reserve, error)
	// FindFulfilledByProduct returns the fulfilled reserve for the product,
	// or a not-found error when the product has never been reserved.
	FindFulfilledByProduct(ctx context.Context, productID string) (domain.Reserve, error)
	Insert(ctx context.Context, reserve domain.Reserve) error
	UpdateStatus(ctx context.Context, reserveID string, status domain.ReserveStatus, now time.Time) error
	// SetPayoutTransfer records the payout provider's transfer id on the reserve.
	SetPayoutTransfer(ctx context.Context, reserveID, transferID string, now time.Time) error
	List(ctx context.Context, filter ReserveListFilter) (domain.CursorPage[domain.Reserve], error)
}

// ErrCollectorNotFound indicates no collector profile exists for the email.
var ErrCollectorNotFound = errors.New("collector profile not found")

// CollectorRepository persists collector profiles, keyed by profile id.
type CollectorRepository interface {
	// FindByEmail returns ErrCollectorNotFound when no profile matches.
	FindByEmail(ctx context.Context, email string) (domain.CollectorProfile, error)
	Insert(ctx context.Context, profile domain.CollectorProfile) error
}

// EditionCounterRepository manages the per-product sequential edition counter.
// All mutations run inside storage transactions so concurrent assignments for
// the same product serialise on the counter document.
type EditionCounterRepository interface {
	// Next atomically increments the product's counter and returns the new
	// value. A missing counter is created at 1. A positive limit caps the
	// counter at the product's declared edition size.
	Next(ctx context.Context, productID string, limit int64) (int64, error)
	// Current returns the counter value without incrementing. Missing
	// counters report a not-found error.
	Current(ctx context.Context, productID string) (int64, error)
	// SeedIfAbsent creates the counter at value when no document exists yet.
	// An existing counter is left untouched regardless of value.
	SeedIfAbsent(ctx context.Context, productID string, value int64) error
}

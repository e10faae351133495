package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// FinancialStatus mirrors the payment state reported by the external order store.
type FinancialStatus string

const (
	FinancialStatusPending  FinancialStatus = "pending"
	FinancialStatusPaid     FinancialStatus = "paid"
	FinancialStatusRefunded FinancialStatus = "refunded"
	// FinancialStatusVoided is the local mapping for externally cancelled orders.
	FinancialStatusVoided FinancialStatus = "voided"
)

// FulfillmentStatus mirrors the shipping state reported by the external order store.
type FulfillmentStatus string

const (
	FulfillmentStatusUnfulfilled FulfillmentStatus = "unfulfilled"
	FulfillmentStatusPartial     FulfillmentStatus = "partial"
	FulfillmentStatusFulfilled   FulfillmentStatus = "fulfilled"
)

// Order sources distinguish externally placed orders from synthetic reserve orders.
const (
	OrderSourceExternal        = "external"
	OrderSourceInternalReserve = "internal_reserve"
)

// LineItemStatus tracks whether a line item still counts towards an edition run.
type LineItemStatus string

const (
	LineItemStatusActive   LineItemStatus = "active"
	LineItemStatusInactive LineItemStatus = "inactive"
)

// ReserveStatus captures the lifecycle of a first-edition reserve record.
type ReserveStatus string

const (
	ReserveStatusReserved  ReserveStatus = "reserved"
	ReserveStatusFulfilled ReserveStatus = "fulfilled"
	ReserveStatusCancelled ReserveStatus = "cancelled"
)

// Product is a vendor-submitted artwork mirrored from the external store.
// The document id is the external product id.
type Product struct {
	ID     string
	Vendor string
	Title  string

	// EditionSize is nil for open editions.
	EditionSize *int64

	FirstEditionReserved bool
	ReserveOrderRef      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is the local mirror of an external order, or a synthetic reserve order.
type Order struct {
	ID          string
	OrderNumber string

	FinancialStatus   FinancialStatus
	FulfillmentStatus FulfillmentStatus
	// ExternalStatus is the order-status string reported verbatim by the store.
	ExternalStatus string
	CancelledAt    *time.Time
	Archived       bool

	Source        string
	Vendor        string
	CustomerEmail string

	TotalPriceCents int64
	Currency        string

	// Raw holds the most recent external representation fetched during sync.
	Raw map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cancelled reports whether the order carries a cancellation timestamp.
func (o Order) Cancelled() bool {
	return o.CancelledAt != nil
}

// LineItem is a single purchased (or reserved) copy of a product.
type LineItem struct {
	ID         string
	OrderRef   string
	ProductRef string

	// EditionNumber is nil until the assigner has run for this line item.
	EditionNumber *int64
	EditionToken  string

	Status            LineItemStatus
	PriceCents        int64
	FulfillmentStatus FulfillmentStatus
	OwnerEmail        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reserve records that edition #1 of a product is held by the house collector.
type Reserve struct {
	ID          string
	ProductRef  string
	Vendor      string
	OrderRef    string
	LineItemRef string

	// PurchasePriceCents is the full product price, kept for reference only.
	PurchasePriceCents int64
	// PayoutCents is the commission share actually recorded on the order.
	PayoutCents      int64
	PayoutTransferID *string

	Status ReserveStatus

	// Metadata holds vendor-supplied notes, sanitised before persistence.
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CollectorProfile is the platform-owned identity that holds reserved editions.
type CollectorProfile struct {
	ID          string
	Email       string
	DisplayName string
	AuthUID     *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

package services

import (
	"context"
	"time"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
	"github.com/chonibe/coa-service-sub010/internal/shopify"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination       = domain.Pagination
	Product          = domain.Product
	Order            = domain.Order
	LineItem         = domain.LineItem
	Reserve          = domain.Reserve
	ReserveStatus    = domain.ReserveStatus
	CollectorProfile = domain.CollectorProfile

	ReserveListFilter = repositories.ReserveListFilter
)

// OrderStoreClient is the slice of the external commerce store API the
// services need. *shopify.Client satisfies it.
type OrderStoreClient interface {
	GetOrder(ctx context.Context, orderID string) (shopify.Order, error)
	SearchOrderByName(ctx context.Context, name string) (shopify.Order, error)
	GetProductMetafield(ctx context.Context, productID, namespace, key string) (shopify.Metafield, error)
	UpsertProductMetafield(ctx context.Context, productID string, field shopify.Metafield) (shopify.Metafield, error)
	UpdateLineItemProperties(ctx context.Context, orderID, lineItemID string, props []shopify.LineItemProperty) error
}

// EditionService assigns sequential edition numbers to purchased line items.
type EditionService interface {
	AssignEdition(ctx context.Context, cmd AssignEditionCommand) (EditionAssignment, error)
}

// AssignEditionCommand identifies the purchase to number.
type AssignEditionCommand struct {
	ProductID  string
	LineItemID string
	OrderID    string
}

// EditionAssignment is the outcome of a successful assignment.
type EditionAssignment struct {
	ProductID     string
	LineItemID    string
	OrderID       string
	EditionNumber int64
	EditionToken  string
}

// ReservationService manages first-edition reservations by the house
// collector account.
type ReservationService interface {
	ReserveFirstEdition(ctx context.Context, cmd ReserveFirstEditionCommand) (ReserveFirstEditionResult, error)
	CancelReserve(ctx context.Context, reserveID string) (Reserve, error)
	ListReserves(ctx context.Context, filter ReserveListFilter) (domain.CursorPage[Reserve], error)
}

// ReserveFirstEditionCommand describes the product to reserve edition #1 of.
type ReserveFirstEditionCommand struct {
	ProductID  string
	Vendor     string
	Title      string
	PriceCents int64
	Currency   string
	Metadata   map[string]string
}

// ReserveFirstEditionResult reports either a completed reservation or a
// decline. Declines are data, not errors: the product was simply already
// reserved.
type ReserveFirstEditionResult struct {
	Declined    bool
	Reason      string
	ReserveID   string
	OrderID     string
	LineItemID  string
	PayoutCents int64
	Message     string
}

// PayoutProvider transfers the reservation payout to the vendor's payment
// account. Implementations resolve the vendor's destination account.
type PayoutProvider interface {
	// CreateVendorTransfer returns the provider's transfer id, or
	// ErrNoPayoutAccount when the vendor has no configured destination.
	CreateVendorTransfer(ctx context.Context, cmd VendorTransferCommand) (string, error)
}

// VendorTransferCommand describes one payout transfer.
type VendorTransferCommand struct {
	Vendor      string
	AmountCents int64
	Currency    string
	ReserveID   string
	ProductID   string
}

// AuthIdentityResolver looks up an authentication identity for an email
// address. The Firebase-backed implementation lives in internal/platform/auth.
type AuthIdentityResolver interface {
	LookupUIDByEmail(ctx context.Context, email string) (string, error)
}

// SyncService reconciles local order mirrors against the external store.
type SyncService interface {
	SyncOrders(ctx context.Context, cmd SyncOrdersCommand) (SyncSummary, error)
}

// SyncOrdersCommand selects which orders to reconcile. Explicit selectors win
// over Limit; DryRun computes and reports diffs without writing.
type SyncOrdersCommand struct {
	OrderIDs    []string
	OrderID     string
	OrderNumber string
	Limit       int
	DryRun      bool
}

// SyncOrderResult is the per-order outcome inside a sync batch.
type SyncOrderResult struct {
	OrderID string   `json:"order_id"`
	Updated bool     `json:"updated"`
	Changes []string `json:"changes,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// SyncSummary aggregates a sync batch. One order's failure never aborts the
// batch, so errors appear here as data.
type SyncSummary struct {
	Results        []SyncOrderResult `json:"results"`
	TotalProcessed int               `json:"total_processed"`
	Updated        int               `json:"updated"`
	Errors         int               `json:"errors"`
	NoChanges      int               `json:"no_changes"`
	DryRun         bool              `json:"dry_run"`
}

// EditionJobPublisher enqueues edition assignment jobs for asynchronous
// processing. The Pub/Sub implementation lives in internal/platform/jobs.
type EditionJobPublisher interface {
	PublishEditionJob(ctx context.Context, message EditionJobMessage) (string, error)
}

// EditionJobMessage is the payload delivered to the assignment worker.
type EditionJobMessage struct {
	OrderID    string    `json:"orderId"`
	LineItemID string    `json:"lineItemId"`
	ProductID  string    `json:"productId"`
	QueuedAt   time.Time `json:"queuedAt"`
}

// OrderSnapshotArchiver stores raw external order payloads for later audit.
// The GCS implementation lives in internal/platform/storage.
type OrderSnapshotArchiver interface {
	ArchiveOrderSnapshot(ctx context.Context, orderID string, payload map[string]any, fetchedAt time.Time) error
}

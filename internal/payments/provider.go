package payments

import (
	"context"
	"errors"
	"time"
)

// Status enumerates the normalised transfer states shared across providers.
type Status string

const (
	// StatusPending indicates the provider has accepted but not settled the transfer.
	StatusPending Status = "pending"
	// StatusPaid indicates the provider reports the transfer as settled.
	StatusPaid Status = "paid"
	// StatusFailed indicates the provider reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusReversed indicates the transfer has been reversed (partially or fully).
	StatusReversed Status = "reversed"
)

// ErrNoDestination is returned when no payout destination is configured for the vendor.
var ErrNoDestination = errors.New("payments: no payout destination for vendor")

// TransferRequest captures the payload required to move funds to a vendor account.
type TransferRequest struct {
	Vendor         string
	Amount         int64
	Currency       string
	TransferGroup  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// TransferDetails normalises provider specific fields for storage.
type TransferDetails struct {
	Provider   string
	TransferID string
	Status     Status
	Amount     int64
	Currency   string
	CreatedAt  time.Time
	Raw        map[string]any
}

// Provider defines the contract for payout adapters to implement.
type Provider interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (TransferDetails, error)
	LookupTransfer(ctx context.Context, transferID string) (TransferDetails, error)
}

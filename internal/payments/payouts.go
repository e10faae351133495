package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/chonibe/coa-service-sub010/internal/services"
)

// VendorPayouts adapts a Provider to the reservation payout contract.
type VendorPayouts struct {
	provider Provider
}

// NewVendorPayouts wraps the provider for use by the reservation service.
func NewVendorPayouts(provider Provider) (*VendorPayouts, error) {
	if provider == nil {
		return nil, errors.New("payments: provider is required")
	}
	return &VendorPayouts{provider: provider}, nil
}

// CreateVendorTransfer executes the payout and returns the provider's transfer id.
func (v *VendorPayouts) CreateVendorTransfer(ctx context.Context, cmd services.VendorTransferCommand) (string, error) {
	if v == nil || v.provider == nil {
		return "", errors.New("payments: payouts not initialised")
	}

	details, err := v.provider.CreateTransfer(ctx, TransferRequest{
		Vendor:        cmd.Vendor,
		Amount:        cmd.AmountCents,
		Currency:      cmd.Currency,
		TransferGroup: fmt.Sprintf("reserve:%s", cmd.ReserveID),
		Description:   fmt.Sprintf("First edition reservation payout for product %s", cmd.ProductID),
		Metadata: map[string]string{
			"reserve_id": cmd.ReserveID,
			"product_id": cmd.ProductID,
		},
		// Keyed on the product, not the reserve id: a product has at most
		// one first-edition payout, and a retried reservation generates a
		// fresh reserve id but must reuse the same transfer.
		IdempotencyKey: fmt.Sprintf("first-edition-%s", cmd.ProductID),
	})
	if errors.Is(err, ErrNoDestination) {
		return "", services.ErrNoPayoutAccount
	}
	if err != nil {
		return "", err
	}
	return details.TransferID, nil
}

package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeTransferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
	Get(id string, params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey string
	// VendorAccounts maps lower-cased vendor names to connected account ids.
	VendorAccounts map[string]string
	Backends       *stripe.Backends
	Logger         StripeLogger
	Clock          func() time.Time
	Transfers      stripeTransferAPI
}

// StripeProvider implements the Provider interface using Stripe Connect transfers.
type StripeProvider struct {
	transfers stripeTransferAPI
	accounts  map[string]string
	clock     func() time.Time
	logger    StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Transfers == nil {
		return nil, errors.New("stripe: api key is required")
	}

	transfers := cfg.Transfers
	if transfers == nil {
		sc := client.New(apiKey, cfg.Backends)
		transfers = sc.Transfers
	}

	accounts := make(map[string]string, len(cfg.VendorAccounts))
	for vendor, account := range cfg.VendorAccounts {
		vendor = strings.ToLower(strings.TrimSpace(vendor))
		account = strings.TrimSpace(account)
		if vendor == "" || account == "" {
			continue
		}
		accounts[vendor] = account
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		transfers: transfers,
		accounts:  accounts,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateTransfer moves funds to the vendor's connected account.
func (p *StripeProvider) CreateTransfer(ctx context.Context, req TransferRequest) (TransferDetails, error) {
	if p == nil {
		return TransferDetails{}, errors.New("stripe: provider is nil")
	}

	destination, ok := p.accounts[strings.ToLower(strings.TrimSpace(req.Vendor))]
	if !ok {
		return TransferDetails{}, fmt.Errorf("%w: %s", ErrNoDestination, req.Vendor)
	}
	if req.Amount <= 0 {
		return TransferDetails{}, errors.New("stripe: transfer amount must be positive")
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if group := strings.TrimSpace(req.TransferGroup); group != "" {
		params.TransferGroup = stripe.String(group)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	transfer, err := p.transfers.New(params)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("stripe: create transfer: %w", err)
	}

	p.logger(ctx, "payments.stripe.transfer.created", map[string]any{
		"transferId":  transfer.ID,
		"destination": destination,
		"amount":      transfer.Amount,
		"currency":    transfer.Currency,
	})

	return stripeTransferDetails(transfer), nil
}

// LookupTransfer retrieves a Stripe transfer for reconciliation.
func (p *StripeProvider) LookupTransfer(ctx context.Context, transferID string) (TransferDetails, error) {
	if p == nil {
		return TransferDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.TransferParams{}
	params.Context = ctx
	transfer, err := p.transfers.Get(transferID, params)
	if err != nil {
		return TransferDetails{}, fmt.Errorf("stripe: lookup transfer: %w", err)
	}
	return stripeTransferDetails(transfer), nil
}

func stripeTransferDetails(transfer *stripe.Transfer) TransferDetails {
	if transfer == nil {
		return TransferDetails{}
	}

	status := StatusPaid
	if transfer.Reversed || (transfer.Amount > 0 && transfer.AmountReversed >= transfer.Amount) {
		status = StatusReversed
	}

	raw := map[string]any{}
	if data, err := json.Marshal(transfer); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["transfer"] = transfer
	}

	return TransferDetails{
		Provider:   "stripe",
		TransferID: transfer.ID,
		Status:     status,
		Amount:     transfer.Amount,
		Currency:   strings.ToUpper(string(transfer.Currency)),
		CreatedAt:  time.Unix(transfer.Created, 0).UTC(),
		Raw:        raw,
	}
}

package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubTransferAPI struct {
	created []*stripe.TransferParams
	next    *stripe.Transfer
	err     error
}

func (s *stubTransferAPI) New(params *stripe.TransferParams) (*stripe.Transfer, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.created = append(s.created, params)
	return s.next, nil
}

func (s *stubTransferAPI) Get(id string, _ *stripe.TransferParams) (*stripe.Transfer, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.next, nil
}

func newTestProvider(t *testing.T, api *stubTransferAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		VendorAccounts: map[string]string{"Ayla Rose": "acct_1"},
		Transfers:      api,
		Clock: func() time.Time {
			return time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestCreateTransferResolvesVendorAccount(t *testing.T) {
	api := &stubTransferAPI{next: &stripe.Transfer{
		ID:       "tr_123",
		Amount:   2500,
		Currency: "usd",
		Created:  time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC).Unix(),
	}}
	provider := newTestProvider(t, api)

	details, err := provider.CreateTransfer(context.Background(), TransferRequest{
		Vendor:         "ayla rose",
		Amount:         2500,
		Currency:       "USD",
		TransferGroup:  "reserve:01R",
		IdempotencyKey: "01R",
	})
	if err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}

	if details.TransferID != "tr_123" {
		t.Fatalf("unexpected transfer id %s", details.TransferID)
	}
	if details.Status != StatusPaid {
		t.Fatalf("unexpected status %s", details.Status)
	}
	if details.Currency != "USD" {
		t.Fatalf("unexpected currency %s", details.Currency)
	}

	if len(api.created) != 1 {
		t.Fatalf("expected 1 transfer call, got %d", len(api.created))
	}
	params := api.created[0]
	if params.Destination == nil || *params.Destination != "acct_1" {
		t.Fatalf("unexpected destination %v", params.Destination)
	}
	if params.Currency == nil || *params.Currency != "usd" {
		t.Fatalf("expected lower-cased currency, got %v", params.Currency)
	}
}

func TestCreateTransferUnknownVendor(t *testing.T) {
	provider := newTestProvider(t, &stubTransferAPI{})

	_, err := provider.CreateTransfer(context.Background(), TransferRequest{
		Vendor:   "unknown artist",
		Amount:   1000,
		Currency: "USD",
	})
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
}

func TestCreateTransferRejectsNonPositiveAmount(t *testing.T) {
	provider := newTestProvider(t, &stubTransferAPI{})

	_, err := provider.CreateTransfer(context.Background(), TransferRequest{
		Vendor:   "Ayla Rose",
		Amount:   0,
		Currency: "USD",
	})
	if err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestStripeTransferDetailsReversed(t *testing.T) {
	details := stripeTransferDetails(&stripe.Transfer{
		ID:             "tr_rev",
		Amount:         1000,
		AmountReversed: 1000,
		Currency:       "usd",
	})
	if details.Status != StatusReversed {
		t.Fatalf("expected reversed status, got %s", details.Status)
	}
}

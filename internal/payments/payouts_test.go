package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/chonibe/coa-service-sub010/internal/services"
)

type stubProvider struct {
	requests []TransferRequest
	details  TransferDetails
	err      error
}

func (s *stubProvider) CreateTransfer(_ context.Context, req TransferRequest) (TransferDetails, error) {
	if s.err != nil {
		return TransferDetails{}, s.err
	}
	s.requests = append(s.requests, req)
	return s.details, nil
}

func (s *stubProvider) LookupTransfer(context.Context, string) (TransferDetails, error) {
	return s.details, s.err
}

func TestCreateVendorTransferMapsCommand(t *testing.T) {
	provider := &stubProvider{details: TransferDetails{TransferID: "tr_9"}}
	payouts, err := NewVendorPayouts(provider)
	if err != nil {
		t.Fatalf("NewVendorPayouts: %v", err)
	}

	id, err := payouts.CreateVendorTransfer(context.Background(), services.VendorTransferCommand{
		Vendor:      "Ayla Rose",
		AmountCents: 2500,
		Currency:    "USD",
		ReserveID:   "01R",
		ProductID:   "prod-7",
	})
	if err != nil {
		t.Fatalf("CreateVendorTransfer returned error: %v", err)
	}
	if id != "tr_9" {
		t.Fatalf("unexpected transfer id %s", id)
	}

	if len(provider.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(provider.requests))
	}
	req := provider.requests[0]
	if req.TransferGroup != "reserve:01R" {
		t.Fatalf("unexpected transfer group %s", req.TransferGroup)
	}
	if req.IdempotencyKey != "first-edition-prod-7" {
		t.Fatalf("unexpected idempotency key %s", req.IdempotencyKey)
	}
	if req.Metadata["product_id"] != "prod-7" {
		t.Fatalf("unexpected metadata %v", req.Metadata)
	}
}

func TestCreateVendorTransferKeyStableAcrossReserveAttempts(t *testing.T) {
	provider := &stubProvider{details: TransferDetails{TransferID: "tr_9"}}
	payouts, err := NewVendorPayouts(provider)
	if err != nil {
		t.Fatalf("NewVendorPayouts: %v", err)
	}

	// Two attempts for the same product carry different reserve ids; the
	// provider must see the same idempotency key so the second attempt
	// cannot create a second transfer.
	for _, reserveID := range []string{"01R", "02R"} {
		_, err := payouts.CreateVendorTransfer(context.Background(), services.VendorTransferCommand{
			Vendor:      "Ayla Rose",
			AmountCents: 2500,
			Currency:    "USD",
			ReserveID:   reserveID,
			ProductID:   "prod-7",
		})
		if err != nil {
			t.Fatalf("CreateVendorTransfer(%s): %v", reserveID, err)
		}
	}

	if len(provider.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(provider.requests))
	}
	if provider.requests[0].IdempotencyKey != provider.requests[1].IdempotencyKey {
		t.Fatalf("idempotency key changed across attempts: %s vs %s",
			provider.requests[0].IdempotencyKey, provider.requests[1].IdempotencyKey)
	}
}

func TestCreateVendorTransferTranslatesMissingDestination(t *testing.T) {
	provider := &stubProvider{err: ErrNoDestination}
	payouts, err := NewVendorPayouts(provider)
	if err != nil {
		t.Fatalf("NewVendorPayouts: %v", err)
	}

	_, err = payouts.CreateVendorTransfer(context.Background(), services.VendorTransferCommand{
		Vendor: "unknown", AmountCents: 100, Currency: "USD",
	})
	if !errors.Is(err, services.ErrNoPayoutAccount) {
		t.Fatalf("expected ErrNoPayoutAccount, got %v", err)
	}
}

package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
)

type reservationFixture struct {
	products   *stubProductRepo
	orders     *stubOrderRepo
	lineItems  *stubLineItemRepo
	reserves   *stubReserveRepo
	collectors *stubCollectorRepo
	counters   *stubCounterRepo
	payouts    *stubPayoutProvider
	svc        ReservationService
}

func newReservationFixture(t *testing.T, payouts *stubPayoutProvider) *reservationFixture {
	t.Helper()
	f := &reservationFixture{
		products:   newStubProductRepo(),
		orders:     newStubOrderRepo(),
		lineItems:  newStubLineItemRepo(),
		reserves:   newStubReserveRepo(),
		collectors: newStubCollectorRepo(),
		counters:   newStubCounterRepo(),
		payouts:    payouts,
	}

	deps := ReservationServiceDeps{
		Products:   f.products,
		Orders:     f.orders,
		LineItems:  f.lineItems,
		Reserves:   f.reserves,
		Collectors: f.collectors,
		Counters:   f.counters,
		Config: ReservationConfig{
			HouseCollectorEmail: "collection@example.com",
		},
		Clock: func() time.Time {
			return time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
		},
		IDGenerator: func() string { return "01RESERVE" },
		NewUUID:     func() string { return "fixed-uuid" },
	}
	if payouts != nil {
		deps.Payouts = payouts
	}

	svc, err := NewReservationService(deps)
	if err != nil {
		t.Fatalf("new reservation service: %v", err)
	}
	f.svc = svc
	return f
}

func TestReserveFirstEdition(t *testing.T) {
	f := newReservationFixture(t, nil)

	result, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID:  "prod-1",
		Vendor:     "Ayla Rose",
		Title:      "Dawn Study",
		PriceCents: 20000,
		Metadata:   map[string]string{"note": "gallery launch"},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if result.Declined {
		t.Fatalf("unexpected decline: %s", result.Reason)
	}
	if result.PayoutCents != 5000 {
		t.Fatalf("expected payout 5000, got %d", result.PayoutCents)
	}
	if !strings.HasPrefix(result.OrderID, "FER-") {
		t.Fatalf("expected synthetic order prefix, got %s", result.OrderID)
	}
	if !strings.Contains(result.Message, "Ayla Rose") || !strings.Contains(result.Message, "50.00") {
		t.Fatalf("expected payout message with vendor and amount, got %q", result.Message)
	}

	// Synthetic order carries the payout as its total.
	if len(f.orders.inserts) != 1 {
		t.Fatalf("expected one synthetic order, got %d", len(f.orders.inserts))
	}
	order := f.orders.inserts[0]
	if order.FinancialStatus != domain.FinancialStatusPaid || order.FulfillmentStatus != domain.FulfillmentStatusFulfilled {
		t.Fatalf("unexpected order statuses %+v", order)
	}
	if order.Source != domain.OrderSourceInternalReserve {
		t.Fatalf("expected internal_reserve source, got %s", order.Source)
	}
	if order.TotalPriceCents != 5000 {
		t.Fatalf("expected order total 5000, got %d", order.TotalPriceCents)
	}

	// Line item holds edition #1 at full price, owned by the house account.
	item, err := f.lineItems.FindByID(context.Background(), result.LineItemID)
	if err != nil {
		t.Fatalf("line item lookup: %v", err)
	}
	if item.EditionNumber == nil || *item.EditionNumber != 1 {
		t.Fatalf("expected edition 1, got %+v", item.EditionNumber)
	}
	if item.PriceCents != 20000 {
		t.Fatalf("expected full price on line item, got %d", item.PriceCents)
	}
	if item.OwnerEmail != "collection@example.com" {
		t.Fatalf("expected house collector owner, got %s", item.OwnerEmail)
	}
	if item.Status != domain.LineItemStatusActive {
		t.Fatalf("expected active line item, got %s", item.Status)
	}

	// Reserve record is fulfilled, metadata kept.
	reserve, err := f.reserves.FindByID(context.Background(), result.ReserveID)
	if err != nil {
		t.Fatalf("reserve lookup: %v", err)
	}
	if reserve.Status != domain.ReserveStatusFulfilled {
		t.Fatalf("expected fulfilled reserve, got %s", reserve.Status)
	}
	if reserve.Metadata["note"] != "gallery launch" {
		t.Fatalf("expected metadata preserved, got %+v", reserve.Metadata)
	}

	// Product flagged, counter seeded so ordinary assignment starts at 2.
	product, err := f.products.FindByID(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("product lookup: %v", err)
	}
	if !product.FirstEditionReserved || product.ReserveOrderRef == nil || *product.ReserveOrderRef != result.OrderID {
		t.Fatalf("expected reserved product pointing at %s, got %+v", result.OrderID, product)
	}
	if value, err := f.counters.Current(context.Background(), "prod-1"); err != nil || value != 1 {
		t.Fatalf("expected counter seeded to 1, got %d (%v)", value, err)
	}

	// House collector profile was created on first use.
	if len(f.collectors.inserted) != 1 || f.collectors.inserted[0].Email != "collection@example.com" {
		t.Fatalf("expected house collector insert, got %+v", f.collectors.inserted)
	}
}

func TestReserveFirstEditionDeclinesWhenProductFlagged(t *testing.T) {
	f := newReservationFixture(t, nil)
	f.products.products["prod-1"] = domain.Product{ID: "prod-1", FirstEditionReserved: true}

	result, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID: "prod-1", Vendor: "Ayla Rose", PriceCents: 20000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !result.Declined {
		t.Fatal("expected decline for flagged product")
	}
	if len(f.orders.inserts) != 0 || len(f.reserves.reserves) != 0 {
		t.Fatal("decline must not write anything")
	}
}

func TestReserveFirstEditionDeclinesOnExistingFulfilledReserve(t *testing.T) {
	f := newReservationFixture(t, nil)
	f.reserves.reserves["existing"] = domain.Reserve{ID: "existing", ProductRef: "prod-1", Status: domain.ReserveStatusFulfilled}

	result, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID: "prod-1", Vendor: "Ayla Rose", PriceCents: 20000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !result.Declined {
		t.Fatal("expected decline when a fulfilled reserve exists")
	}
}

func TestReserveFirstEditionValidatesInput(t *testing.T) {
	f := newReservationFixture(t, nil)

	cases := []ReserveFirstEditionCommand{
		{Vendor: "v", PriceCents: 100},
		{ProductID: "p", PriceCents: 100},
		{ProductID: "p", Vendor: "v"},
		{ProductID: "p", Vendor: "v", PriceCents: -5},
	}
	for i, cmd := range cases {
		if _, err := f.svc.ReserveFirstEdition(context.Background(), cmd); !errors.Is(err, ErrReserveInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestReserveFirstEditionSanitisesMetadata(t *testing.T) {
	f := newReservationFixture(t, nil)

	result, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID:  "prod-1",
		Vendor:     "Ayla Rose",
		PriceCents: 20000,
		Metadata: map[string]string{
			"note": `<script>alert("x")</script>launch note`,
		},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	reserve, err := f.reserves.FindByID(context.Background(), result.ReserveID)
	if err != nil {
		t.Fatalf("reserve lookup: %v", err)
	}
	if strings.Contains(reserve.Metadata["note"], "<script>") {
		t.Fatalf("expected script stripped, got %q", reserve.Metadata["note"])
	}
	if !strings.Contains(reserve.Metadata["note"], "launch note") {
		t.Fatalf("expected text preserved, got %q", reserve.Metadata["note"])
	}
}

func TestReserveFirstEditionRecordsPayoutTransfer(t *testing.T) {
	payouts := &stubPayoutProvider{nextID: "tr_123"}
	f := newReservationFixture(t, payouts)

	result, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID: "prod-1", Vendor: "Ayla Rose", PriceCents: 20000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(payouts.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(payouts.transfers))
	}
	if payouts.transfers[0].AmountCents != 5000 {
		t.Fatalf("expected transfer of payout amount, got %d", payouts.transfers[0].AmountCents)
	}
	reserve, _ := f.reserves.FindByID(context.Background(), result.ReserveID)
	if reserve.PayoutTransferID == nil || *reserve.PayoutTransferID != "tr_123" {
		t.Fatalf("expected transfer id recorded, got %+v", reserve.PayoutTransferID)
	}
}

func TestReserveFirstEditionKeepsEditionSizeOnMirror(t *testing.T) {
	f := newReservationFixture(t, nil)
	size := int64(50)
	f.products.products["prod-1"] = domain.Product{
		ID:          "prod-1",
		Vendor:      "Ayla Rose",
		Title:       "Dawn Study",
		EditionSize: &size,
	}

	_, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID: "prod-1", Vendor: "Ayla Rose", PriceCents: 20000,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	product, err := f.products.FindByID(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("product lookup: %v", err)
	}
	if product.EditionSize == nil || *product.EditionSize != 50 {
		t.Fatalf("expected edition size 50 to survive the reservation, got %+v", product.EditionSize)
	}
	if product.Title != "Dawn Study" {
		t.Fatalf("expected title to survive the reservation, got %q", product.Title)
	}
}

func TestReserveFirstEditionPaysOnlyAfterReserveRecorded(t *testing.T) {
	payouts := &stubPayoutProvider{}
	f := newReservationFixture(t, payouts)
	f.reserves.insertErr = errors.New("firestore unavailable")

	_, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID: "prod-1", Vendor: "Ayla Rose", PriceCents: 20000,
	})
	if err == nil {
		t.Fatal("expected error when reserve record cannot be written")
	}
	if len(payouts.transfers) != 0 {
		t.Fatalf("no money may move before the reserve record exists, got %d transfers", len(payouts.transfers))
	}
}

func TestReserveFirstEditionSkipsTransferWithoutAccount(t *testing.T) {
	payouts := &stubPayoutProvider{err: ErrNoPayoutAccount}
	f := newReservationFixture(t, payouts)

	result, err := f.svc.ReserveFirstEdition(context.Background(), ReserveFirstEditionCommand{
		ProductID: "prod-1", Vendor: "Unknown Vendor", PriceCents: 20000,
	})
	if err != nil {
		t.Fatalf("reserve should proceed without payout account: %v", err)
	}
	reserve, _ := f.reserves.FindByID(context.Background(), result.ReserveID)
	if reserve.PayoutTransferID != nil {
		t.Fatalf("expected no transfer id, got %v", *reserve.PayoutTransferID)
	}
}

func TestCancelReserve(t *testing.T) {
	f := newReservationFixture(t, nil)
	f.reserves.reserves["res-1"] = domain.Reserve{ID: "res-1", ProductRef: "prod-1", Status: domain.ReserveStatusFulfilled}

	reserve, err := f.svc.CancelReserve(context.Background(), "res-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if reserve.Status != domain.ReserveStatusCancelled {
		t.Fatalf("expected cancelled, got %s", reserve.Status)
	}
}

func TestCancelReserveRejectsDoubleCancel(t *testing.T) {
	f := newReservationFixture(t, nil)
	f.reserves.reserves["res-1"] = domain.Reserve{ID: "res-1", Status: domain.ReserveStatusCancelled}

	_, err := f.svc.CancelReserve(context.Background(), "res-1")
	if !errors.Is(err, ErrReserveInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelReserveNotFound(t *testing.T) {
	f := newReservationFixture(t, nil)

	_, err := f.svc.CancelReserve(context.Background(), "missing")
	if !errors.Is(err, ErrReserveNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListReservesPassesFilter(t *testing.T) {
	f := newReservationFixture(t, nil)
	status := domain.ReserveStatusFulfilled
	f.reserves.listPage = domain.CursorPage[domain.Reserve]{
		Items: []domain.Reserve{{ID: "res-1"}},
	}

	page, err := f.svc.ListReserves(context.Background(), ReserveListFilter{
		Status: &status,
		Vendor: "Ayla Rose",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "res-1" {
		t.Fatalf("unexpected page %+v", page)
	}
	if len(f.reserves.listCalls) != 1 || f.reserves.listCalls[0].Vendor != "Ayla Rose" {
		t.Fatalf("filter not forwarded: %+v", f.reserves.listCalls)
	}
}

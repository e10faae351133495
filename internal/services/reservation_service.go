package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
)

const (
	defaultCommissionPercent = 25.0
	defaultReserveCurrency   = "USD"

	houseCollectorDisplayName = "House Collection"

	// syntheticOrderPrefix marks orders created by the reservation flow
	// rather than mirrored from the external store.
	syntheticOrderPrefix = "FER-"
)

var (
	// ErrReserveInvalidInput indicates the command was missing required fields.
	ErrReserveInvalidInput = errors.New("reserve: invalid input")
	// ErrReserveNotFound indicates the reserve record does not exist.
	ErrReserveNotFound = errors.New("reserve: not found")
	// ErrReserveInvalidTransition indicates the requested status change is not allowed.
	ErrReserveInvalidTransition = errors.New("reserve: invalid status transition")
	// ErrNoPayoutAccount is returned by payout providers when the vendor has
	// no configured destination account. The reservation proceeds without a
	// transfer in that case.
	ErrNoPayoutAccount = errors.New("reserve: vendor has no payout account")
)

// ReservationConfig carries the house account and commission settings.
type ReservationConfig struct {
	HouseCollectorEmail string
	// CommissionPercent is the vendor payout share of the purchase price.
	// Zero means the default of 25.
	CommissionPercent float64
	DefaultCurrency   string
}

// ReservationServiceDeps bundles collaborators required to construct a reservation service.
type ReservationServiceDeps struct {
	Products   repositories.ProductRepository
	Orders     repositories.OrderRepository
	LineItems  repositories.LineItemRepository
	Reserves   repositories.ReserveRepository
	Collectors repositories.CollectorRepository
	Counters   repositories.EditionCounterRepository

	// Payouts and Identities are optional integrations.
	Payouts    PayoutProvider
	Identities AuthIdentityResolver

	Config ReservationConfig

	Clock       func() time.Time
	IDGenerator func() string
	NewUUID     func() string
	Logger      *zap.Logger
}

type reservationService struct {
	products   repositories.ProductRepository
	orders     repositories.OrderRepository
	lineItems  repositories.LineItemRepository
	reserves   repositories.ReserveRepository
	collectors repositories.CollectorRepository
	counters   repositories.EditionCounterRepository
	payouts    PayoutProvider
	identities AuthIdentityResolver

	houseEmail        string
	commissionPercent float64
	defaultCurrency   string

	clock     func() time.Time
	newID     func() string
	newUUID   func() string
	sanitizer *bluemonday.Policy
	printer   *message.Printer
	logger    *zap.Logger
}

// NewReservationService wires dependencies into a ReservationService implementation.
func NewReservationService(deps ReservationServiceDeps) (ReservationService, error) {
	if deps.Products == nil {
		return nil, errors.New("reservation service: product repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("reservation service: order repository is required")
	}
	if deps.LineItems == nil {
		return nil, errors.New("reservation service: line item repository is required")
	}
	if deps.Reserves == nil {
		return nil, errors.New("reservation service: reserve repository is required")
	}
	if deps.Collectors == nil {
		return nil, errors.New("reservation service: collector repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("reservation service: counter repository is required")
	}
	houseEmail := strings.ToLower(strings.TrimSpace(deps.Config.HouseCollectorEmail))
	if houseEmail == "" {
		return nil, errors.New("reservation service: house collector email is required")
	}

	commission := deps.Config.CommissionPercent
	if commission <= 0 {
		commission = defaultCommissionPercent
	}
	defaultCur := strings.ToUpper(strings.TrimSpace(deps.Config.DefaultCurrency))
	if defaultCur == "" {
		defaultCur = defaultReserveCurrency
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	newUUID := deps.NewUUID
	if newUUID == nil {
		newUUID = func() string { return uuid.NewString() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &reservationService{
		products:          deps.Products,
		orders:            deps.Orders,
		lineItems:         deps.LineItems,
		reserves:          deps.Reserves,
		collectors:        deps.Collectors,
		counters:          deps.Counters,
		payouts:           deps.Payouts,
		identities:        deps.Identities,
		houseEmail:        houseEmail,
		commissionPercent: commission,
		defaultCurrency:   defaultCur,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     newID,
		newUUID:   newUUID,
		sanitizer: bluemonday.StrictPolicy(),
		printer:   message.NewPrinter(language.English),
		logger:    logger,
	}, nil
}

// ReserveFirstEdition claims edition #1 of the product for the house
// collector. Steps run in order and a failure aborts without rolling back
// completed steps; re-running a partially completed reservation is safe
// because every write is either idempotent or create-once, and the payout
// transfer only happens once the reserve record exists.
func (s *reservationService) ReserveFirstEdition(ctx context.Context, cmd ReserveFirstEditionCommand) (ReserveFirstEditionResult, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	vendor := strings.TrimSpace(cmd.Vendor)
	if productID == "" {
		return ReserveFirstEditionResult{}, fmt.Errorf("%w: product id is required", ErrReserveInvalidInput)
	}
	if vendor == "" {
		return ReserveFirstEditionResult{}, fmt.Errorf("%w: vendor is required", ErrReserveInvalidInput)
	}
	if cmd.PriceCents <= 0 {
		return ReserveFirstEditionResult{}, fmt.Errorf("%w: price must be positive", ErrReserveInvalidInput)
	}

	declined, reason, err := s.alreadyReserved(ctx, productID)
	if err != nil {
		return ReserveFirstEditionResult{}, err
	}
	if declined {
		return ReserveFirstEditionResult{Declined: true, Reason: reason}, nil
	}

	collector, err := s.resolveHouseCollector(ctx)
	if err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("resolve house collector: %w", err)
	}

	payout := payoutCents(cmd.PriceCents, s.commissionPercent)
	currencyCode := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currencyCode == "" {
		currencyCode = s.defaultCurrency
	}

	now := s.clock()
	reserveID := s.newID()

	orderID := syntheticOrderPrefix + s.newID()
	order := domain.Order{
		ID:                orderID,
		OrderNumber:       orderID,
		FinancialStatus:   domain.FinancialStatusPaid,
		FulfillmentStatus: domain.FulfillmentStatusFulfilled,
		Source:            domain.OrderSourceInternalReserve,
		Vendor:            vendor,
		CustomerEmail:     collector.Email,
		TotalPriceCents:   payout,
		Currency:          currencyCode,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("create reservation order: %w", err)
	}

	edition := int64(1)
	lineItemID := fmt.Sprintf("%s%s-%d", syntheticOrderPrefix, productID, now.UnixMilli())
	item := domain.LineItem{
		ID:                lineItemID,
		OrderRef:          orderID,
		ProductRef:        productID,
		EditionNumber:     &edition,
		EditionToken:      fmt.Sprintf("product-%s-edition-1-%s", productID, s.newUUID()),
		Status:            domain.LineItemStatusActive,
		PriceCents:        cmd.PriceCents,
		FulfillmentStatus: domain.FulfillmentStatusFulfilled,
		OwnerEmail:        collector.Email,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.lineItems.Insert(ctx, item); err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("create reservation line item: %w", err)
	}

	reserve := domain.Reserve{
		ID:                 reserveID,
		ProductRef:         productID,
		Vendor:             vendor,
		OrderRef:           orderID,
		LineItemRef:        lineItemID,
		PurchasePriceCents: cmd.PriceCents,
		PayoutCents:        payout,
		Status:             domain.ReserveStatusFulfilled,
		Metadata:           s.sanitizeMetadata(cmd.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.reserves.Insert(ctx, reserve); err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("create reserve record: %w", err)
	}

	// Money moves only after the reserve record is durable, and the provider
	// keys the transfer on the product, so a retried reservation cannot pay
	// the vendor a second time.
	if s.payouts != nil {
		id, transferErr := s.payouts.CreateVendorTransfer(ctx, VendorTransferCommand{
			Vendor:      vendor,
			AmountCents: payout,
			Currency:    currencyCode,
			ReserveID:   reserveID,
			ProductID:   productID,
		})
		switch {
		case transferErr == nil:
			if err := s.reserves.SetPayoutTransfer(ctx, reserveID, id, s.clock()); err != nil {
				return ReserveFirstEditionResult{}, fmt.Errorf("record payout transfer: %w", err)
			}
		case errors.Is(transferErr, ErrNoPayoutAccount):
			s.logger.Warn("vendor payout skipped, no destination account",
				zap.String("vendor", vendor),
				zap.String("productId", productID))
		default:
			return ReserveFirstEditionResult{}, fmt.Errorf("vendor payout transfer: %w", transferErr)
		}
	}

	if err := s.products.Upsert(ctx, domain.Product{
		ID:        productID,
		Vendor:    vendor,
		Title:     s.sanitizer.Sanitize(strings.TrimSpace(cmd.Title)),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("upsert product mirror: %w", err)
	}
	if err := s.products.MarkReserved(ctx, productID, orderID, now); err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("flag product reserved: %w", err)
	}

	if err := s.counters.SeedIfAbsent(ctx, productID, 1); err != nil {
		return ReserveFirstEditionResult{}, fmt.Errorf("seed edition counter: %w", err)
	}

	s.logger.Info("first edition reserved",
		zap.String("productId", productID),
		zap.String("vendor", vendor),
		zap.String("reserveId", reserveID),
		zap.Int64("payoutCents", payout))

	return ReserveFirstEditionResult{
		ReserveID:   reserveID,
		OrderID:     orderID,
		LineItemID:  lineItemID,
		PayoutCents: payout,
		Message:     s.payoutMessage(vendor, payout, currencyCode),
	}, nil
}

// CancelReserve marks the reserve cancelled. The synthetic order, line item
// and product flag stay in place; cancellation is bookkeeping, not an undo.
func (s *reservationService) CancelReserve(ctx context.Context, reserveID string) (Reserve, error) {
	id := strings.TrimSpace(reserveID)
	if id == "" {
		return Reserve{}, fmt.Errorf("%w: reserve id is required", ErrReserveInvalidInput)
	}

	if err := s.reserves.UpdateStatus(ctx, id, domain.ReserveStatusCancelled, s.clock()); err != nil {
		var reserveErr *repositories.ReserveError
		if errors.As(err, &reserveErr) {
			switch reserveErr.Code {
			case repositories.ReserveErrorNotFound:
				return Reserve{}, fmt.Errorf("%w: %s", ErrReserveNotFound, id)
			case repositories.ReserveErrorInvalidState:
				return Reserve{}, fmt.Errorf("%w: %s", ErrReserveInvalidTransition, reserveErr.Message)
			}
		}
		return Reserve{}, err
	}

	reserve, err := s.reserves.FindByID(ctx, id)
	if err != nil {
		return Reserve{}, err
	}
	s.logger.Info("reserve cancelled", zap.String("reserveId", id), zap.String("productId", reserve.ProductRef))
	return reserve, nil
}

// ListReserves returns reserve records matching the filter, newest first.
func (s *reservationService) ListReserves(ctx context.Context, filter ReserveListFilter) (domain.CursorPage[Reserve], error) {
	return s.reserves.List(ctx, filter)
}

// alreadyReserved checks both the product flag and the reserve records, so a
// reservation that crashed between steps still declines a second attempt.
func (s *reservationService) alreadyReserved(ctx context.Context, productID string) (bool, string, error) {
	product, err := s.products.FindByID(ctx, productID)
	switch {
	case err == nil:
		if product.FirstEditionReserved {
			return true, fmt.Sprintf("product %s already carries a first-edition reservation", productID), nil
		}
	default:
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			return false, "", fmt.Errorf("look up product %s: %w", productID, err)
		}
	}

	_, err = s.reserves.FindFulfilledByProduct(ctx, productID)
	switch {
	case err == nil:
		return true, fmt.Sprintf("product %s already has a fulfilled reserve record", productID), nil
	default:
		var reserveErr *repositories.ReserveError
		if errors.As(err, &reserveErr) && reserveErr.Code == repositories.ReserveErrorNotFound {
			return false, "", nil
		}
		return false, "", fmt.Errorf("look up reserves for product %s: %w", productID, err)
	}
}

func (s *reservationService) resolveHouseCollector(ctx context.Context) (domain.CollectorProfile, error) {
	profile, err := s.collectors.FindByEmail(ctx, s.houseEmail)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, repositories.ErrCollectorNotFound) {
		return domain.CollectorProfile{}, err
	}

	now := s.clock()
	profile = domain.CollectorProfile{
		ID:          s.newID(),
		Email:       s.houseEmail,
		DisplayName: houseCollectorDisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.identities != nil {
		if uid, lookupErr := s.identities.LookupUIDByEmail(ctx, s.houseEmail); lookupErr == nil && uid != "" {
			profile.AuthUID = &uid
		} else if lookupErr != nil {
			s.logger.Warn("house collector auth lookup failed",
				zap.String("email", s.houseEmail),
				zap.Error(lookupErr))
		}
	}
	if err := s.collectors.Insert(ctx, profile); err != nil {
		return domain.CollectorProfile{}, err
	}
	return profile, nil
}

func (s *reservationService) sanitizeMetadata(metadata map[string]string) map[string]string {
	clean := make(map[string]string, len(metadata))
	for key, value := range metadata {
		k := s.sanitizer.Sanitize(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		clean[k] = s.sanitizer.Sanitize(strings.TrimSpace(value))
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func (s *reservationService) payoutMessage(vendor string, payout int64, currencyCode string) string {
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		unit = currency.USD
	}
	amount := unit.Amount(float64(payout) / 100)
	return s.printer.Sprintf("First edition reserved; %s will receive a payout of %v.", vendor, currency.Symbol(amount))
}

// payoutCents rounds price x percent to the nearest cent.
func payoutCents(priceCents int64, percent float64) int64 {
	return int64(math.Round(float64(priceCents) * percent / 100))
}

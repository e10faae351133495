package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chonibe/coa-service-sub010/internal/repositories"
	"github.com/chonibe/coa-service-sub010/internal/shopify"
)

const (
	editionNumberProperty = "Edition Number"
	editionTokenProperty  = "Edition Token"
)

var (
	// ErrEditionInvalidInput indicates the caller supplied incomplete identifiers.
	ErrEditionInvalidInput = errors.New("edition: invalid input")
	// ErrEditionExhausted indicates the product's declared edition size is fully assigned.
	ErrEditionExhausted = errors.New("edition: edition size reached")
)

// EditionServiceDeps bundles collaborators required to construct an edition service.
type EditionServiceDeps struct {
	Counters  repositories.EditionCounterRepository
	LineItems repositories.LineItemRepository
	Products  repositories.ProductRepository
	Store     OrderStoreClient
	Clock     func() time.Time
	NewUUID   func() string
	Logger    *zap.Logger
}

type editionService struct {
	counters  repositories.EditionCounterRepository
	lineItems repositories.LineItemRepository
	products  repositories.ProductRepository
	store     OrderStoreClient
	clock     func() time.Time
	newUUID   func() string
	logger    *zap.Logger
}

// NewEditionService constructs the edition assigner.
func NewEditionService(deps EditionServiceDeps) (EditionService, error) {
	if deps.Counters == nil {
		return nil, errors.New("edition service: counter repository is required")
	}
	if deps.LineItems == nil {
		return nil, errors.New("edition service: line item repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("edition service: product repository is required")
	}
	if deps.Store == nil {
		return nil, errors.New("edition service: order store client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newUUID := deps.NewUUID
	if newUUID == nil {
		newUUID = func() string { return uuid.NewString() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &editionService{
		counters:  deps.Counters,
		lineItems: deps.LineItems,
		products:  deps.Products,
		store:     deps.Store,
		clock: func() time.Time {
			return clock().UTC()
		},
		newUUID: newUUID,
		logger:  logger,
	}, nil
}

// AssignEdition draws the next edition number for the product, writes it to
// the external order store and the local mirror, and mirrors the counter to
// the product metafield.
func (s *editionService) AssignEdition(ctx context.Context, cmd AssignEditionCommand) (EditionAssignment, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	lineItemID := strings.TrimSpace(cmd.LineItemID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if productID == "" {
		return EditionAssignment{}, fmt.Errorf("%w: product id is required", ErrEditionInvalidInput)
	}
	if lineItemID == "" {
		return EditionAssignment{}, fmt.Errorf("%w: line item id is required", ErrEditionInvalidInput)
	}
	if orderID == "" {
		return EditionAssignment{}, fmt.Errorf("%w: order id is required", ErrEditionInvalidInput)
	}

	limit := s.editionLimit(ctx, productID)
	if err := s.ensureCounterSeeded(ctx, productID); err != nil {
		return EditionAssignment{}, err
	}

	number, err := s.counters.Next(ctx, productID, limit)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) && counterErr.Code == repositories.CounterErrorExhausted {
			return EditionAssignment{}, fmt.Errorf("%w: %s", ErrEditionExhausted, counterErr.Message)
		}
		return EditionAssignment{}, fmt.Errorf("draw edition number for product %s: %w", productID, err)
	}

	token := fmt.Sprintf("product-%s-edition-%d-%s", productID, number, s.newUUID())

	props := []shopify.LineItemProperty{
		{Name: editionNumberProperty, Value: strconv.FormatInt(number, 10)},
		{Name: editionTokenProperty, Value: token},
	}
	if err := s.store.UpdateLineItemProperties(ctx, orderID, lineItemID, props); err != nil {
		return EditionAssignment{}, fmt.Errorf("write edition properties to order %s line item %s: %w", orderID, lineItemID, err)
	}

	if err := s.lineItems.SetEdition(ctx, lineItemID, number, token, s.clock()); err != nil {
		return EditionAssignment{}, fmt.Errorf("record edition on line item %s: %w", lineItemID, err)
	}

	// The local counter is authoritative; the metafield is a mirror for the
	// storefront, so a failed write is logged rather than failing the purchase.
	_, err = s.store.UpsertProductMetafield(ctx, productID, shopify.Metafield{
		Namespace: shopify.EditionMetafieldNamespace,
		Key:       shopify.EditionMetafieldKey,
		Value:     strconv.FormatInt(number, 10),
		Type:      "number_integer",
	})
	if err != nil {
		s.logger.Warn("edition counter metafield mirror failed",
			zap.String("productId", productID),
			zap.Int64("edition", number),
			zap.Error(err))
	}

	s.logger.Info("edition assigned",
		zap.String("productId", productID),
		zap.String("orderId", orderID),
		zap.String("lineItemId", lineItemID),
		zap.Int64("edition", number))

	return EditionAssignment{
		ProductID:     productID,
		LineItemID:    lineItemID,
		OrderID:       orderID,
		EditionNumber: number,
		EditionToken:  token,
	}, nil
}

// editionLimit reads the product's declared edition size. Lookup failures
// degrade to an open edition so the purchase flow never blocks on the cap.
func (s *editionService) editionLimit(ctx context.Context, productID string) int64 {
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			s.logger.Warn("product lookup for edition limit failed",
				zap.String("productId", productID),
				zap.Error(err))
		}
		return 0
	}
	if product.EditionSize == nil {
		return 0
	}
	return *product.EditionSize
}

// ensureCounterSeeded repairs a missing counter from the highest edition
// already recorded on mirrored line items. A failed repair query degrades the
// seed to zero; under-counting is tolerated over blocking assignment.
func (s *editionService) ensureCounterSeeded(ctx context.Context, productID string) error {
	_, err := s.counters.Current(ctx, productID)
	if err == nil {
		return nil
	}
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) || counterErr.Code != repositories.CounterErrorNotFound {
		return fmt.Errorf("read edition counter for product %s: %w", productID, err)
	}

	highest, scanErr := s.lineItems.HighestEdition(ctx, productID)
	if scanErr != nil {
		s.logger.Warn("edition counter repair scan failed, seeding from zero",
			zap.String("productId", productID),
			zap.Error(scanErr))
		highest = 0
	}
	if highest <= 0 {
		// Next creates a missing counter at 1 on its own.
		return nil
	}
	if err := s.counters.SeedIfAbsent(ctx, productID, highest); err != nil {
		return fmt.Errorf("seed edition counter for product %s: %w", productID, err)
	}
	s.logger.Info("edition counter seeded from line item scan",
		zap.String("productId", productID),
		zap.Int64("seed", highest))
	return nil
}

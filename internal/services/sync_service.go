package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
	"github.com/chonibe/coa-service-sub010/internal/shopify"
)

const (
	defaultSyncLimit = 50
	maxSyncLimit     = 250

	// cancelledAtTolerance absorbs sub-second drift between the store's
	// timestamps and the mirrored value.
	cancelledAtTolerance = time.Second

	archivedTag = "archived"
)

// ErrSyncInvalidInput indicates the sync command selectors were unusable.
var ErrSyncInvalidInput = errors.New("sync: invalid input")

// SyncServiceDeps bundles collaborators required to construct a sync service.
type SyncServiceDeps struct {
	Orders    repositories.OrderRepository
	LineItems repositories.LineItemRepository
	Store     OrderStoreClient

	// Archiver is optional; when set, raw external payloads are snapshotted.
	Archiver OrderSnapshotArchiver

	Clock  func() time.Time
	Logger *zap.Logger
}

type syncService struct {
	orders    repositories.OrderRepository
	lineItems repositories.LineItemRepository
	store     OrderStoreClient
	archiver  OrderSnapshotArchiver
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSyncService wires dependencies into a SyncService implementation.
func NewSyncService(deps SyncServiceDeps) (SyncService, error) {
	if deps.Orders == nil {
		return nil, errors.New("sync service: order repository is required")
	}
	if deps.LineItems == nil {
		return nil, errors.New("sync service: line item repository is required")
	}
	if deps.Store == nil {
		return nil, errors.New("sync service: order store client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &syncService{
		orders:    deps.Orders,
		lineItems: deps.LineItems,
		store:     deps.Store,
		archiver:  deps.Archiver,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// SyncOrders reconciles the selected local order mirrors against the external
// store. Each order is processed independently; failures become per-order
// results and never abort the batch.
func (s *syncService) SyncOrders(ctx context.Context, cmd SyncOrdersCommand) (SyncSummary, error) {
	orderIDs, unresolved, err := s.selectOrders(ctx, cmd)
	if err != nil {
		return SyncSummary{}, err
	}

	summary := SyncSummary{DryRun: cmd.DryRun}
	for _, failure := range unresolved {
		summary.Results = append(summary.Results, failure)
		summary.TotalProcessed++
		summary.Errors++
	}
	for _, orderID := range orderIDs {
		result := s.syncOne(ctx, orderID, cmd.DryRun)
		summary.Results = append(summary.Results, result)
		summary.TotalProcessed++
		switch {
		case result.Error != "":
			summary.Errors++
		case result.Updated:
			summary.Updated++
		default:
			summary.NoChanges++
		}
	}

	s.logger.Info("order sync finished",
		zap.Int("processed", summary.TotalProcessed),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors),
		zap.Int("noChanges", summary.NoChanges),
		zap.Bool("dryRun", cmd.DryRun))
	return summary, nil
}

// selectOrders resolves the command selectors to a list of local order ids.
// Explicit selectors win; otherwise the most recently updated mirrors are
// taken, skipping synthetic reservation orders which have no external
// counterpart. An order number that cannot be resolved becomes a reported
// failure rather than failing the whole request, so the other selectors in
// the same batch still sync.
func (s *syncService) selectOrders(ctx context.Context, cmd SyncOrdersCommand) ([]string, []SyncOrderResult, error) {
	var ids []string
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range cmd.OrderIDs {
		add(id)
	}
	add(cmd.OrderID)

	var unresolved []SyncOrderResult
	if number := strings.TrimSpace(cmd.OrderNumber); number != "" {
		external, err := s.searchByName(ctx, number)
		if err != nil {
			unresolved = append(unresolved, SyncOrderResult{
				OrderID: number,
				Error:   fmt.Sprintf("order number %s could not be resolved in store: %v", number, err),
			})
		} else {
			add(external.ID.String())
		}
	}

	if len(ids) > 0 || len(unresolved) > 0 {
		return ids, unresolved, nil
	}

	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultSyncLimit
	}
	if limit > maxSyncLimit {
		limit = maxSyncLimit
	}
	recent, err := s.orders.ListRecent(ctx, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list recent orders: %w", err)
	}
	for _, order := range recent {
		if order.Source == domain.OrderSourceInternalReserve {
			continue
		}
		add(order.ID)
	}
	return ids, nil, nil
}

func (s *syncService) syncOne(ctx context.Context, orderID string, dryRun bool) SyncOrderResult {
	result := SyncOrderResult{OrderID: orderID}

	local, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			result.Error = fmt.Sprintf("order %s has no local mirror", orderID)
		} else {
			result.Error = fmt.Sprintf("load local order %s: %v", orderID, err)
		}
		return result
	}

	external, err := s.fetchExternal(ctx, local)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	updated, changes := applyExternalState(&local, external, s.clock())
	result.Changes = changes

	if dryRun {
		cascaded, err := s.previewCascade(ctx, local)
		if err != nil {
			result.Error = fmt.Sprintf("cascade line items for order %s: %v", orderID, err)
			return result
		}
		if len(cascaded) > 0 {
			updated = true
			result.Changes = append(result.Changes, cascaded...)
		}
		result.Updated = updated
		return result
	}

	if err := s.orders.Update(ctx, local); err != nil {
		result.Error = fmt.Sprintf("write order %s: %v", orderID, err)
		return result
	}

	cascaded, err := s.cascadeLineItems(ctx, local)
	if err != nil {
		result.Error = fmt.Sprintf("cascade line items for order %s: %v", orderID, err)
		return result
	}
	if len(cascaded) > 0 {
		updated = true
		result.Changes = append(result.Changes, cascaded...)
	}

	s.archiveSnapshot(ctx, local.ID, external)

	result.Updated = updated
	return result
}

// fetchExternal looks the order up by id, falling back to a name search when
// the store is unreachable by id. A definitive 404 is not retried by name:
// the id is authoritative and the order may simply be archived.
func (s *syncService) fetchExternal(ctx context.Context, local domain.Order) (shopify.Order, error) {
	external, err := s.store.GetOrder(ctx, local.ID)
	if err == nil {
		return external, nil
	}
	if errors.Is(err, shopify.ErrNotFound) {
		return shopify.Order{}, fmt.Errorf("order %s not found in store - may be archived", local.ID)
	}

	s.logger.Warn("order fetch by id failed, trying name search",
		zap.String("orderId", local.ID),
		zap.Error(err))

	if strings.TrimSpace(local.OrderNumber) == "" {
		return shopify.Order{}, fmt.Errorf("order %s unreachable and has no order number for fallback: %v", local.ID, err)
	}
	external, searchErr := s.searchByName(ctx, local.OrderNumber)
	if searchErr != nil {
		return shopify.Order{}, fmt.Errorf("order %s unreachable by id and by name %s: %v", local.ID, local.OrderNumber, searchErr)
	}
	return external, nil
}

// searchByName tries the name as given and with the leading '#' toggled.
func (s *syncService) searchByName(ctx context.Context, name string) (shopify.Order, error) {
	trimmed := strings.TrimSpace(name)
	variants := []string{trimmed}
	if strings.HasPrefix(trimmed, "#") {
		variants = append(variants, strings.TrimPrefix(trimmed, "#"))
	} else {
		variants = append(variants, "#"+trimmed)
	}

	var lastErr error
	for _, variant := range variants {
		order, err := s.store.SearchOrderByName(ctx, variant)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !errors.Is(err, shopify.ErrNotFound) {
			break
		}
	}
	return shopify.Order{}, lastErr
}

// previewCascade reports the line items a real run would flip, reading only.
// The dry-run report therefore lists the same cascade entries the write path
// would produce.
func (s *syncService) previewCascade(ctx context.Context, order domain.Order) ([]string, error) {
	switch {
	case order.Cancelled():
		ids, err := s.lineItems.ListIDsByOrderAndStatus(ctx, order.ID, domain.LineItemStatusActive)
		if err != nil {
			return nil, err
		}
		return describeCascade(ids, "deactivated"), nil
	case order.FulfillmentStatus == domain.FulfillmentStatusFulfilled:
		ids, err := s.lineItems.ListIDsByOrderAndStatus(ctx, order.ID, domain.LineItemStatusInactive)
		if err != nil {
			return nil, err
		}
		return describeCascade(ids, "reactivated"), nil
	default:
		return nil, nil
	}
}

func (s *syncService) cascadeLineItems(ctx context.Context, order domain.Order) ([]string, error) {
	switch {
	case order.Cancelled():
		changed, err := s.lineItems.SetStatusForOrder(ctx, order.ID, domain.LineItemStatusActive, domain.LineItemStatusInactive, s.clock())
		if err != nil {
			return nil, err
		}
		return describeCascade(changed, "deactivated"), nil
	case order.FulfillmentStatus == domain.FulfillmentStatusFulfilled:
		changed, err := s.lineItems.SetStatusForOrder(ctx, order.ID, domain.LineItemStatusInactive, domain.LineItemStatusActive, s.clock())
		if err != nil {
			return nil, err
		}
		return describeCascade(changed, "reactivated"), nil
	default:
		return nil, nil
	}
}

func (s *syncService) archiveSnapshot(ctx context.Context, orderID string, external shopify.Order) {
	if s.archiver == nil || external.Raw == nil {
		return
	}
	if err := s.archiver.ArchiveOrderSnapshot(ctx, orderID, external.Raw, s.clock()); err != nil {
		s.logger.Warn("order snapshot archive failed",
			zap.String("orderId", orderID),
			zap.Error(err))
	}
}

// applyExternalState folds the external order into the local mirror and
// reports the human-readable change list. The raw copy and updatedAt refresh
// on every run and do not count as changes.
func applyExternalState(local *domain.Order, external shopify.Order, now time.Time) (bool, []string) {
	var changes []string

	financial := externalFinancialStatus(external)
	if local.FinancialStatus != financial {
		changes = append(changes, fmt.Sprintf("financial status %s -> %s", orNone(string(local.FinancialStatus)), financial))
		local.FinancialStatus = financial
	}

	fulfillment := externalFulfillmentStatus(external)
	if local.FulfillmentStatus != fulfillment {
		changes = append(changes, fmt.Sprintf("fulfillment status %s -> %s", orNone(string(local.FulfillmentStatus)), fulfillment))
		local.FulfillmentStatus = fulfillment
	}

	if !cancelledAtEqual(local.CancelledAt, external.CancelledAt) {
		changes = append(changes, fmt.Sprintf("cancelled at %s -> %s", formatTimePtr(local.CancelledAt), formatTimePtr(external.CancelledAt)))
		local.CancelledAt = external.CancelledAt
	}

	archived := externalArchived(external)
	if local.Archived != archived {
		changes = append(changes, fmt.Sprintf("archived %t -> %t", local.Archived, archived))
		local.Archived = archived
	}

	status := externalOrderStatus(external)
	if local.ExternalStatus != status {
		changes = append(changes, fmt.Sprintf("store status %s -> %s", orNone(local.ExternalStatus), status))
		local.ExternalStatus = status
	}

	local.Raw = external.Raw
	local.UpdatedAt = now
	return len(changes) > 0, changes
}

// externalFinancialStatus maps the store's financial status onto the local
// vocabulary. Cancellation is authoritative: a cancelled order reads as
// voided unless the store already refunded it.
func externalFinancialStatus(external shopify.Order) domain.FinancialStatus {
	current := domain.FinancialStatus(strings.ToLower(strings.TrimSpace(external.FinancialStatus)))
	if externalCancelled(external) && current != domain.FinancialStatusRefunded {
		return domain.FinancialStatusVoided
	}
	if current == "" {
		return domain.FinancialStatusPending
	}
	return current
}

func externalFulfillmentStatus(external shopify.Order) domain.FulfillmentStatus {
	status := domain.FulfillmentStatus(strings.ToLower(strings.TrimSpace(external.FulfillmentStatus)))
	if status == "" {
		return domain.FulfillmentStatusUnfulfilled
	}
	return status
}

func externalCancelled(external shopify.Order) bool {
	return external.CancelledAt != nil || external.CancelReason != nil
}

func externalArchived(external shopify.Order) bool {
	return external.HasTag(archivedTag) || external.ClosedAt != nil || external.CancelReason != nil
}

func externalOrderStatus(external shopify.Order) string {
	switch {
	case externalCancelled(external):
		return "cancelled"
	case external.ClosedAt != nil:
		return "closed"
	default:
		return "open"
	}
}

func cancelledAtEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= cancelledAtTolerance
}

func describeCascade(ids []string, verb string) []string {
	changes := make([]string, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, fmt.Sprintf("line item %s %s", id, verb))
	}
	return changes
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}

func orNone(v string) string {
	if strings.TrimSpace(v) == "" {
		return "none"
	}
	return v
}

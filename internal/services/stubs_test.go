package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/chonibe/coa-service-sub010/internal/domain"
	"github.com/chonibe/coa-service-sub010/internal/repositories"
	"github.com/chonibe/coa-service-sub010/internal/shopify"
)

// notFoundError satisfies repositories.RepositoryError for stubbed lookups.
type notFoundError struct{ msg string }

func (e *notFoundError) Error() string       { return e.msg }
func (e *notFoundError) IsNotFound() bool    { return true }
func (e *notFoundError) IsConflict() bool    { return false }
func (e *notFoundError) IsUnavailable() bool { return false }

type stubProductRepo struct {
	mu       sync.Mutex
	products map[string]domain.Product
	findErr  error
	marked   []string
}

func newStubProductRepo() *stubProductRepo {
	return &stubProductRepo{products: make(map[string]domain.Product)}
}

func (s *stubProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return domain.Product{}, s.findErr
	}
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, &notFoundError{msg: "product " + productID + " not found"}
	}
	return product, nil
}

func (s *stubProductRepo) Upsert(_ context.Context, product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.products[product.ID]
	if ok {
		product.FirstEditionReserved = existing.FirstEditionReserved
		product.ReserveOrderRef = existing.ReserveOrderRef
		if product.EditionSize == nil {
			product.EditionSize = existing.EditionSize
		}
		if product.Title == "" {
			product.Title = existing.Title
		}
	}
	s.products[product.ID] = product
	return nil
}

func (s *stubProductRepo) MarkReserved(_ context.Context, productID, reserveOrderID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	product := s.products[productID]
	if product.FirstEditionReserved {
		return repositories.NewReserveError(repositories.ReserveErrorAlreadyFulfilled, "already reserved", nil)
	}
	product.ID = productID
	product.FirstEditionReserved = true
	product.ReserveOrderRef = &reserveOrderID
	product.UpdatedAt = now
	s.products[productID] = product
	s.marked = append(s.marked, productID)
	return nil
}

type stubOrderRepo struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	recent  []domain.Order
	inserts []domain.Order
	updates []domain.Order
}

func newStubOrderRepo() *stubOrderRepo {
	return &stubOrderRepo{orders: make(map[string]domain.Order)}
}

func (s *stubOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, &notFoundError{msg: "order " + orderID + " not found"}
	}
	return order, nil
}

func (s *stubOrderRepo) Insert(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	s.orders[order.ID] = order
	s.inserts = append(s.inserts, order)
	return nil
}

func (s *stubOrderRepo) Update(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	s.updates = append(s.updates, order)
	return nil
}

func (s *stubOrderRepo) ListRecent(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) > limit {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}

type stubLineItemRepo struct {
	mu             sync.Mutex
	items          map[string]domain.LineItem
	highest        int64
	highestErr     error
	editionCalls   []editionCall
	statusChanges  []statusChange
	statusReturned map[string][]string
}

type editionCall struct {
	LineItemID string
	Edition    int64
	Token      string
}

type statusChange struct {
	OrderID string
	From    domain.LineItemStatus
	To      domain.LineItemStatus
}

func newStubLineItemRepo() *stubLineItemRepo {
	return &stubLineItemRepo{
		items:          make(map[string]domain.LineItem),
		statusReturned: make(map[string][]string),
	}
}

func (s *stubLineItemRepo) FindByID(_ context.Context, lineItemID string) (domain.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[lineItemID]
	if !ok {
		return domain.LineItem{}, &notFoundError{msg: "line item " + lineItemID + " not found"}
	}
	return item, nil
}

func (s *stubLineItemRepo) Insert(_ context.Context, item domain.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("line item %s already exists", item.ID)
	}
	s.items[item.ID] = item
	return nil
}

func (s *stubLineItemRepo) SetEdition(_ context.Context, lineItemID string, edition int64, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[lineItemID]
	item.ID = lineItemID
	item.EditionNumber = &edition
	item.EditionToken = token
	item.UpdatedAt = now
	s.items[lineItemID] = item
	s.editionCalls = append(s.editionCalls, editionCall{LineItemID: lineItemID, Edition: edition, Token: token})
	return nil
}

func (s *stubLineItemRepo) HighestEdition(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highestErr != nil {
		return 0, s.highestErr
	}
	return s.highest, nil
}

func (s *stubLineItemRepo) SetStatusForOrder(_ context.Context, orderID string, from, to domain.LineItemStatus, _ time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusChanges = append(s.statusChanges, statusChange{OrderID: orderID, From: from, To: to})
	key := orderID + ":" + string(from) + ">" + string(to)
	return s.statusReturned[key], nil
}

func (s *stubLineItemRepo) ListIDsByOrderAndStatus(_ context.Context, orderID string, status domain.LineItemStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, item := range s.items {
		if item.OrderRef == orderID && item.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type stubReserveRepo struct {
	mu        sync.Mutex
	reserves  map[string]domain.Reserve
	insertErr error
	listPage  domain.CursorPage[domain.Reserve]
	listCalls []repositories.ReserveListFilter
}

func newStubReserveRepo() *stubReserveRepo {
	return &stubReserveRepo{reserves: make(map[string]domain.Reserve)}
}

func (s *stubReserveRepo) FindByID(_ context.Context, reserveID string) (domain.Reserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reserve, ok := s.reserves[reserveID]
	if !ok {
		return domain.Reserve{}, repositories.NewReserveError(repositories.ReserveErrorNotFound, "reserve not found", nil)
	}
	return reserve, nil
}

func (s *stubReserveRepo) FindFulfilledByProduct(_ context.Context, productID string) (domain.Reserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reserve := range s.reserves {
		if reserve.ProductRef == productID && reserve.Status == domain.ReserveStatusFulfilled {
			return reserve, nil
		}
	}
	return domain.Reserve{}, repositories.NewReserveError(repositories.ReserveErrorNotFound, "no fulfilled reserve", nil)
}

func (s *stubReserveRepo) Insert(_ context.Context, reserve domain.Reserve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, exists := s.reserves[reserve.ID]; exists {
		return fmt.Errorf("reserve %s already exists", reserve.ID)
	}
	s.reserves[reserve.ID] = reserve
	return nil
}

func (s *stubReserveRepo) UpdateStatus(_ context.Context, reserveID string, status domain.ReserveStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reserve, ok := s.reserves[reserveID]
	if !ok {
		return repositories.NewReserveError(repositories.ReserveErrorNotFound, "reserve not found", nil)
	}
	switch reserve.Status {
	case domain.ReserveStatusReserved:
	case domain.ReserveStatusFulfilled:
		if status != domain.ReserveStatusCancelled {
			return repositories.NewReserveError(repositories.ReserveErrorInvalidState, "fulfilled reserves may only be cancelled", nil)
		}
	default:
		return repositories.NewReserveError(repositories.ReserveErrorInvalidState, "terminal status", nil)
	}
	reserve.Status = status
	reserve.UpdatedAt = now
	s.reserves[reserveID] = reserve
	return nil
}

func (s *stubReserveRepo) SetPayoutTransfer(_ context.Context, reserveID, transferID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reserve, ok := s.reserves[reserveID]
	if !ok {
		return repositories.NewReserveError(repositories.ReserveErrorNotFound, "reserve not found", nil)
	}
	reserve.PayoutTransferID = &transferID
	reserve.UpdatedAt = now
	s.reserves[reserveID] = reserve
	return nil
}

func (s *stubReserveRepo) List(_ context.Context, filter repositories.ReserveListFilter) (domain.CursorPage[domain.Reserve], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls = append(s.listCalls, filter)
	return s.listPage, nil
}

type stubCollectorRepo struct {
	mu       sync.Mutex
	byEmail  map[string]domain.CollectorProfile
	inserted []domain.CollectorProfile
}

func newStubCollectorRepo() *stubCollectorRepo {
	return &stubCollectorRepo{byEmail: make(map[string]domain.CollectorProfile)}
}

func (s *stubCollectorRepo) FindByEmail(_ context.Context, email string) (domain.CollectorProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.byEmail[email]
	if !ok {
		return domain.CollectorProfile{}, repositories.ErrCollectorNotFound
	}
	return profile, nil
}

func (s *stubCollectorRepo) Insert(_ context.Context, profile domain.CollectorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmail[profile.Email] = profile
	s.inserted = append(s.inserted, profile)
	return nil
}

type stubCounterRepo struct {
	mu      sync.Mutex
	values  map[string]int64
	nextErr error
	seeds   []seedCall
}

type seedCall struct {
	ProductID string
	Value     int64
}

func newStubCounterRepo() *stubCounterRepo {
	return &stubCounterRepo{values: make(map[string]int64)}
}

func (s *stubCounterRepo) Next(_ context.Context, productID string, limit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		return 0, s.nextErr
	}
	next := s.values[productID] + 1
	if limit > 0 && next > limit {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "edition size reached", nil)
	}
	s.values[productID] = next
	return next, nil
}

func (s *stubCounterRepo) Current(_ context.Context, productID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[productID]
	if !ok {
		return 0, repositories.NewCounterError(repositories.CounterErrorNotFound, "counter missing", nil)
	}
	return value, nil
}

func (s *stubCounterRepo) SeedIfAbsent(_ context.Context, productID string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeds = append(s.seeds, seedCall{ProductID: productID, Value: value})
	if _, ok := s.values[productID]; !ok {
		s.values[productID] = value
	}
	return nil
}

type stubStoreClient struct {
	mu sync.Mutex

	getOrderFn     func(ctx context.Context, orderID string) (shopify.Order, error)
	searchFn       func(ctx context.Context, name string) (shopify.Order, error)
	updatePropsErr error

	propertyWrites  []propertyWrite
	metafieldWrites []shopify.Metafield
	metafieldErr    error
	searchCalls     []string
}

type propertyWrite struct {
	OrderID    string
	LineItemID string
	Props      []shopify.LineItemProperty
}

func (s *stubStoreClient) GetOrder(ctx context.Context, orderID string) (shopify.Order, error) {
	if s.getOrderFn != nil {
		return s.getOrderFn(ctx, orderID)
	}
	return shopify.Order{}, shopify.ErrNotFound
}

func (s *stubStoreClient) SearchOrderByName(ctx context.Context, name string) (shopify.Order, error) {
	s.mu.Lock()
	s.searchCalls = append(s.searchCalls, name)
	s.mu.Unlock()
	if s.searchFn != nil {
		return s.searchFn(ctx, name)
	}
	return shopify.Order{}, shopify.ErrNotFound
}

func (s *stubStoreClient) GetProductMetafield(context.Context, string, string, string) (shopify.Metafield, error) {
	return shopify.Metafield{}, shopify.ErrNotFound
}

func (s *stubStoreClient) UpsertProductMetafield(_ context.Context, productID string, field shopify.Metafield) (shopify.Metafield, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metafieldErr != nil {
		return shopify.Metafield{}, s.metafieldErr
	}
	s.metafieldWrites = append(s.metafieldWrites, field)
	return field, nil
}

func (s *stubStoreClient) UpdateLineItemProperties(_ context.Context, orderID, lineItemID string, props []shopify.LineItemProperty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updatePropsErr != nil {
		return s.updatePropsErr
	}
	s.propertyWrites = append(s.propertyWrites, propertyWrite{OrderID: orderID, LineItemID: lineItemID, Props: props})
	return nil
}

type stubPayoutProvider struct {
	mu        sync.Mutex
	transfers []VendorTransferCommand
	err       error
	nextID    string
}

func (s *stubPayoutProvider) CreateVendorTransfer(_ context.Context, cmd VendorTransferCommand) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.transfers = append(s.transfers, cmd)
	if s.nextID == "" {
		return "tr_test", nil
	}
	return s.nextID, nil
}

type stubArchiver struct {
	mu        sync.Mutex
	snapshots []string
	err       error
}

func (s *stubArchiver) ArchiveOrderSnapshot(_ context.Context, orderID string, _ map[string]any, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snapshots = append(s.snapshots, orderID)
	return nil
}

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/chonibe/coa-service-sub010/internal/platform/observability")

// DomainMetrics aggregates the counters emitted by the edition and sync flows.
type DomainMetrics struct {
	editionsAssigned metric.Int64Counter
	reservesCreated  metric.Int64Counter
	ordersSynced     metric.Int64Counter
	syncErrors       metric.Int64Counter
}

// NewDomainMetrics registers the instrument set on the global meter provider.
func NewDomainMetrics() (*DomainMetrics, error) {
	editionsAssigned, err := meter.Int64Counter("editions_assigned_total",
		metric.WithDescription("Edition numbers assigned to purchased line items"))
	if err != nil {
		return nil, err
	}
	reservesCreated, err := meter.Int64Counter("first_edition_reserves_total",
		metric.WithDescription("First-edition reservations created"))
	if err != nil {
		return nil, err
	}
	ordersSynced, err := meter.Int64Counter("orders_synced_total",
		metric.WithDescription("Order mirrors reconciled against the store"))
	if err != nil {
		return nil, err
	}
	syncErrors, err := meter.Int64Counter("order_sync_errors_total",
		metric.WithDescription("Per-order failures inside sync batches"))
	if err != nil {
		return nil, err
	}
	return &DomainMetrics{
		editionsAssigned: editionsAssigned,
		reservesCreated:  reservesCreated,
		ordersSynced:     ordersSynced,
		syncErrors:       syncErrors,
	}, nil
}

// RecordEditionAssigned counts one assignment for the product.
func (m *DomainMetrics) RecordEditionAssigned(ctx context.Context, productID string) {
	if m == nil {
		return
	}
	m.editionsAssigned.Add(ctx, 1, metric.WithAttributes(attribute.String("product_id", productID)))
}

// RecordReserveCreated counts one completed first-edition reservation.
func (m *DomainMetrics) RecordReserveCreated(ctx context.Context, vendor string) {
	if m == nil {
		return
	}
	m.reservesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("vendor", SanitizeUserID(vendor))))
}

// RecordSyncBatch counts the outcome of one sync batch.
func (m *DomainMetrics) RecordSyncBatch(ctx context.Context, processed, errors int) {
	if m == nil {
		return
	}
	m.ordersSynced.Add(ctx, int64(processed))
	if errors > 0 {
		m.syncErrors.Add(ctx, int64(errors))
	}
}

package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("kind", "earn"),
		attribute.String("account_id", "456"),
		attribute.String("source", "package_purchase"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "account_id" {
			t.Fatalf("expected account_id to be dropped")
		}
	}
}

func TestRecordersTolerateNoopProviderAndNilReceiver(t *testing.T) {
	m, err := New(Config{ServiceName: "fortunepay"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordPointsOperation(ctx, "spend", "product_purchase", OutcomeSuccess, -40)
	m.RecordOrderTransition(ctx, "pending", "paid")
	m.RecordGatewayCall(ctx, "kakaopay", "approve", OutcomeSuccess, 20*time.Millisecond)
	m.RecordReportJob(ctx, "completed")
	m.RecordIdempotencyLookup(ctx, "approve", true)

	var nilMetrics *Metrics
	nilMetrics.RecordPointsOperation(ctx, "earn", "referral", OutcomeSuccess, 10)
}

func TestPointsOperationRecordsAbsoluteAmount(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(Config{}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.RecordPointsOperation(ctx, "spend", "product_purchase", OutcomeSuccess, -40)
	m.RecordPointsOperation(ctx, "spend", "product_purchase", OutcomeRejected, -40)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, inst := range scope.Metrics {
			sum, ok := inst.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[inst.Name] += dp.Value
			}
		}
	}
	if got := totals["fortunepay_points_operations_total"]; got != 2 {
		t.Fatalf("expected 2 operations, got %d", got)
	}
	if got := totals["fortunepay_points_amount_total"]; got != 40 {
		t.Fatalf("expected 40 points moved, got %d", got)
	}
}

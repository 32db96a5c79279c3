package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing instruments.
type Metrics struct {
	charges          metric.Int64Counter
	chargeCredits    metric.Int64Counter
	insufficient     metric.Int64Counter
	grants           metric.Int64Counter
	replays          metric.Int64Counter
	reconciliations  metric.Int64Counter
	operationLatency metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the billing metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditline"
	}
	meter := provider.Meter(name)

	charges, err := meter.Int64Counter("creditline_charges_total")
	if err != nil {
		return nil, err
	}
	chargeCredits, err := meter.Int64Counter("creditline_charge_credits_total")
	if err != nil {
		return nil, err
	}
	insufficient, err := meter.Int64Counter("creditline_insufficient_balance_total")
	if err != nil {
		return nil, err
	}
	grants, err := meter.Int64Counter("creditline_grants_total")
	if err != nil {
		return nil, err
	}
	replays, err := meter.Int64Counter("creditline_idempotent_replays_total")
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64Counter("creditline_plan_reconciliations_total")
	if err != nil {
		return nil, err
	}
	operationLatency, err := meter.Float64Histogram("creditline_billing_operation_duration_ms")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		charges:          charges,
		chargeCredits:    chargeCredits,
		insufficient:     insufficient,
		grants:           grants,
		replays:          replays,
		reconciliations:  reconciliations,
		operationLatency: operationLatency,
	}, nil
}

// RecordCharge counts a committed charge by the entitlement it drew from.
func (m *Metrics) RecordCharge(ctx context.Context, source, actionKind string, credits int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("action_kind", strings.TrimSpace(actionKind)),
	)
	m.charges.Add(ctx, 1, metric.WithAttributes(attrs...))
	if credits > 0 {
		m.chargeCredits.Add(ctx, credits, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordInsufficientBalance(ctx context.Context, actionKind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action_kind", strings.TrimSpace(actionKind)))
	m.insufficient.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordGrant(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_type", strings.TrimSpace(entryType)))
	m.grants.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReplay(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.replays.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconciliation counts plan allowance corrections; path is "read" or "write".
func (m *Metrics) RecordReconciliation(ctx context.Context, path string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("path", strings.TrimSpace(path)))
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) ObserveOperation(ctx context.Context, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.operationLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"route":        {},
	"method":       {},
	"status_class": {},
	"source":       {},
	"action_kind":  {},
	"entry_type":   {},
	"operation":    {},
	"outcome":      {},
	"path":         {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

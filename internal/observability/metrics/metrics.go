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

// Metrics exposes engine instruments exported over OTLP.
type Metrics struct {
	accountingEvents metric.Int64Counter
	counterAnomalies metric.Int64Counter
	deadLetters      metric.Int64Counter
	nasCommands      metric.Int64Counter
	loyaltyPoints    metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "hotspotd"
	}
	meter := provider.Meter(name)

	accountingEvents, err := meter.Int64Counter("hotspotd_accounting_events_total")
	if err != nil {
		return nil, err
	}
	counterAnomalies, err := meter.Int64Counter("hotspotd_counter_anomalies_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("hotspotd_accounting_dead_letters_total")
	if err != nil {
		return nil, err
	}
	nasCommands, err := meter.Int64Counter("hotspotd_nas_commands_total")
	if err != nil {
		return nil, err
	}
	loyaltyPoints, err := meter.Int64Counter("hotspotd_loyalty_points_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		accountingEvents: accountingEvents,
		counterAnomalies: counterAnomalies,
		deadLetters:      deadLetters,
		nasCommands:      nasCommands,
		loyaltyPoints:    loyaltyPoints,
	}, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordAccountingEvent(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.accountingEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCounterAnomaly(ctx context.Context, counter string) {
	if m == nil {
		return
	}
	m.counterAnomalies.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("counter", counter))...))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("reason", reason))...))
}

// RecordNASCommand counts command attempts by type and result (ok, retry, failed, dropped).
func (m *Metrics) RecordNASCommand(ctx context.Context, command, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("command", command),
		attribute.String("result", result),
	)
	m.nasCommands.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLoyaltyPoints(ctx context.Context, transactionType string, points int64) {
	if m == nil {
		return
	}
	if points < 0 {
		points = -points
	}
	attrs := FilterAttributes(attribute.String("transaction_type", transactionType))
	m.loyaltyPoints.Add(ctx, points, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"kind":             {},
	"outcome":          {},
	"counter":          {},
	"reason":           {},
	"command":          {},
	"result":           {},
	"transaction_type": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Voucher codes, MACs and phone numbers must never become labels.
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

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

// Metrics exposes application-level instruments.
type Metrics struct {
	usageCharges   metric.Int64Counter
	creditsCharged metric.Int64Counter
	noopReports    metric.Int64Counter
	adjustments    metric.Int64Counter
	anomalies      metric.Int64Counter
	repairs        metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterbill"
	}
	meter := provider.Meter(name)

	usageCharges, err := meter.Int64Counter("meterbill_usage_charges_total")
	if err != nil {
		return nil, err
	}
	creditsCharged, err := meter.Int64Counter("meterbill_credits_charged_total")
	if err != nil {
		return nil, err
	}
	noopReports, err := meter.Int64Counter("meterbill_noop_reports_total")
	if err != nil {
		return nil, err
	}
	adjustments, err := meter.Int64Counter("meterbill_adjustments_total")
	if err != nil {
		return nil, err
	}
	anomalies, err := meter.Int64Counter("meterbill_reconcile_anomalies_total")
	if err != nil {
		return nil, err
	}
	repairs, err := meter.Int64Counter("meterbill_reconcile_repairs_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageCharges:   usageCharges,
		creditsCharged: creditsCharged,
		noopReports:    noopReports,
		adjustments:    adjustments,
		anomalies:      anomalies,
		repairs:        repairs,
	}, nil
}

// RecordUsageCharge counts one successful usage charge and its credits.
func (m *Metrics) RecordUsageCharge(ctx context.Context, resourceType string, credits int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("resource_type", strings.TrimSpace(resourceType)))
	m.usageCharges.Add(ctx, 1, attrs)
	m.creditsCharged.Add(ctx, credits, attrs)
}

// RecordNoopReport counts an idempotent zero-charge usage report.
func (m *Metrics) RecordNoopReport(ctx context.Context, resourceType string) {
	if m == nil {
		return
	}
	m.noopReports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource_type", strings.TrimSpace(resourceType)),
	))
}

// RecordAdjustment counts a purchase/refund/admin adjustment.
func (m *Metrics) RecordAdjustment(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.adjustments.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
	))
}

// RecordAnomaly counts a reconciliation mismatch by target kind.
func (m *Metrics) RecordAnomaly(ctx context.Context, targetKind string) {
	if m == nil {
		return
	}
	m.anomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target_kind", strings.TrimSpace(targetKind)),
	))
}

// RecordRepair counts an auto-repair applied by the verifier.
func (m *Metrics) RecordRepair(ctx context.Context, targetKind string) {
	if m == nil {
		return
	}
	m.repairs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target_kind", strings.TrimSpace(targetKind)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

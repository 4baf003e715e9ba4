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
	ledgerEntries      metric.Int64Counter
	accruals           metric.Int64Counter
	distributions      metric.Int64Counter
	payouts            metric.Int64Counter
	paymentTransitions metric.Int64Counter
	reconcileDrift     metric.Int64Counter
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

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "ledgercore"
	}
	meter := provider.Meter(name)

	ledgerEntries, err := meter.Int64Counter("ledgercore_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	accruals, err := meter.Int64Counter("ledgercore_revenue_accruals_total")
	if err != nil {
		return nil, err
	}
	distributions, err := meter.Int64Counter("ledgercore_royalty_distributions_total")
	if err != nil {
		return nil, err
	}
	payouts, err := meter.Int64Counter("ledgercore_payouts_total")
	if err != nil {
		return nil, err
	}
	paymentTransitions, err := meter.Int64Counter("ledgercore_payment_transitions_total")
	if err != nil {
		return nil, err
	}
	reconcileDrift, err := meter.Int64Counter("ledgercore_wallet_reconcile_drift_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerEntries:      ledgerEntries,
		accruals:           accruals,
		distributions:      distributions,
		payouts:            payouts,
		paymentTransitions: paymentTransitions,
		reconcileDrift:     reconcileDrift,
	}, nil
}

// RecordLedgerEntry increments per-kind entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", strings.TrimSpace(kind))))
}

func (m *Metrics) RecordAccrual(ctx context.Context, revenueType string) {
	if m == nil {
		return
	}
	m.accruals.Add(ctx, 1, metric.WithAttributes(attribute.String("revenue_type", strings.TrimSpace(revenueType))))
}

func (m *Metrics) RecordDistribution(ctx context.Context, recipients int) {
	if m == nil {
		return
	}
	m.distributions.Add(ctx, 1, metric.WithAttributes(attribute.Int("recipients", recipients)))
}

func (m *Metrics) RecordPayout(ctx context.Context) {
	if m == nil {
		return
	}
	m.payouts.Add(ctx, 1)
}

func (m *Metrics) RecordPaymentTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordReconcileDrift counts wallet rows found out of sync with their entries.
func (m *Metrics) RecordReconcileDrift(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconcileDrift.Add(ctx, 1)
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
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}

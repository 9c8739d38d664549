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

// Metrics exposes ledger-level instruments.
type Metrics struct {
	referralsRecorded     metric.Int64Counter
	referralTransitions   metric.Int64Counter
	ledgerInconsistencies metric.Int64Counter
	payouts               metric.Int64Counter
	checkoutEvents        metric.Int64Counter
	attributionCaptures   metric.Int64Counter
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
		name = "affiliate"
	}
	meter := provider.Meter(name)

	var m Metrics
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.referralsRecorded, "affiliate_referrals_recorded_total", "Sale recording outcomes."},
		{&m.referralTransitions, "affiliate_referral_transitions_total", "Referral status transitions."},
		{&m.ledgerInconsistencies, "affiliate_ledger_inconsistencies_total", "Aggregate invariant violations."},
		{&m.payouts, "affiliate_payouts_total", "Payout lifecycle events by status."},
		{&m.checkoutEvents, "affiliate_checkout_events_total", "Checkout webhook events by provider and type."},
		{&m.attributionCaptures, "affiliate_attribution_captures_total", "Attribution captures by policy and outcome."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}
	return &m, nil
}

// RecordReferral counts a RecordSale outcome; reason is empty unless skipped.
func (m *Metrics) RecordReferral(ctx context.Context, outcome, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.referralsRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition counts a referral status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.referralTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInconsistency counts a detected aggregate invariant violation.
func (m *Metrics) RecordInconsistency(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.ledgerInconsistencies.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPayout counts a payout entering status.
func (m *Metrics) RecordPayout(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.payouts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCheckoutEvent counts an accepted checkout webhook event.
func (m *Metrics) RecordCheckoutEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.checkoutEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAttribution counts an attribution capture.
func (m *Metrics) RecordAttribution(ctx context.Context, policy, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("policy", strings.TrimSpace(policy)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.attributionCaptures.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// Affiliate IDs, codes and payment refs are unbounded and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":    {},
	"reason":     {},
	"from":       {},
	"to":         {},
	"status":     {},
	"provider":   {},
	"event_type": {},
	"policy":     {},
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

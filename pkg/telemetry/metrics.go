package telemetry

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus request and money-flow metrics scraped from /metrics.
type Metrics struct {
	apiRequests       *prometheus.CounterVec
	apiDuration       *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	saleAmount        *prometheus.HistogramVec
	payoutAmount      *prometheus.HistogramVec
	referralClicks    prometheus.Counter
}

// NewMetrics registers and returns Prometheus metrics on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "affiliate_api_requests_total",
		Help: "Counts API requests by method, route, and status.",
	}, []string{"method", "route", "status"})

	apiDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "affiliate_api_duration_seconds",
		Help:    "API request latency per method/route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	webhookDeliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "affiliate_checkout_webhook_total",
		Help: "Inbound checkout webhook outcomes.",
	}, []string{"provider", "status"})

	webhookDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "affiliate_checkout_webhook_duration_seconds",
		Help:    "Inbound checkout webhook processing latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// Amounts are observed in major units.
	saleAmount := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "affiliate_referred_sale_amount",
		Help:    "Referred sale amount distribution.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"currency"})

	payoutAmount := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "affiliate_payout_amount",
		Help:    "Settled payout amount distribution.",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"currency"})

	referralClicks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "affiliate_referral_clicks_total",
		Help: "Share-link visits carrying a referral code.",
	})

	registerer.MustRegister(
		apiRequests,
		apiDuration,
		webhookDeliveries,
		webhookDuration,
		saleAmount,
		payoutAmount,
		referralClicks,
	)

	return &Metrics{
		apiRequests:       apiRequests,
		apiDuration:       apiDuration,
		webhookDeliveries: webhookDeliveries,
		webhookDuration:   webhookDuration,
		saleAmount:        saleAmount,
		payoutAmount:      payoutAmount,
		referralClicks:    referralClicks,
	}
}

// GinMiddleware records request count and latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveAPIRequest(c.Request.Method, c.FullPath(), strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// ObserveAPIRequest records an API request and latency.
func (m *Metrics) ObserveAPIRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	methodLabel := sanitizeLabel(method)
	routeLabel := sanitizeLabel(route)
	m.apiRequests.WithLabelValues(methodLabel, routeLabel, status).Inc()
	m.apiDuration.WithLabelValues(methodLabel, routeLabel).Observe(duration.Seconds())
}

// RecordWebhookDelivery records an inbound checkout webhook outcome.
func (m *Metrics) RecordWebhookDelivery(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	providerLabel := sanitizeLabel(provider)
	m.webhookDeliveries.WithLabelValues(providerLabel, sanitizeLabel(status)).Inc()
	m.webhookDuration.WithLabelValues(providerLabel).Observe(duration.Seconds())
}

// ObserveSaleAmount records a referred sale in minor units.
func (m *Metrics) ObserveSaleAmount(currency string, amountMinor int64) {
	if m == nil {
		return
	}
	m.saleAmount.WithLabelValues(sanitizeLabel(currency)).Observe(float64(amountMinor) / 100)
}

// ObservePayoutAmount records a settled payout in minor units.
func (m *Metrics) ObservePayoutAmount(currency string, amountMinor int64) {
	if m == nil {
		return
	}
	m.payoutAmount.WithLabelValues(sanitizeLabel(currency)).Observe(float64(amountMinor) / 100)
}

// IncReferralClick counts a share-link visit.
func (m *Metrics) IncReferralClick() {
	if m == nil {
		return
	}
	m.referralClicks.Inc()
}

func sanitizeLabel(val string) string {
	if val == "" {
		return "unknown"
	}
	return val
}

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGinMiddlewareRecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/r/:code", func(c *gin.Context) { c.Status(http.StatusFound) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/r/X123", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.apiRequests.WithLabelValues("GET", "/r/:code", "302")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveAPIRequest("GET", "/", "200", time.Millisecond)
	m.RecordWebhookDelivery("stripe", "processed", time.Millisecond)
	m.ObserveSaleAmount("BRL", 2990)
	m.ObservePayoutAmount("BRL", 1196)
	m.IncReferralClick()
}

func TestWebhookDeliveryLabels(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordWebhookDelivery("", "duplicate", time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("unknown", "duplicate")))
}

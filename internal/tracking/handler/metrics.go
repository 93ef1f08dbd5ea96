package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pchainRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pchain_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	pchainRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pchain_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	pchainComplianceOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pchain_compliance_operations_total",
		Help: "Coordinator operations by name and outcome.",
	}, []string{"operation", "outcome"})

	pchainLedgerCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pchain_ledger_cache_total",
		Help: "Ledger payload cache lookups by result.",
	}, []string{"result"})

	pchainWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pchain_audit_webhook_deliveries_total",
		Help: "Audit webhook delivery attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pchainRequestsTotal.WithLabelValues(method, path, status).Inc()
		pchainRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordComplianceOperation counts one coordinator operation. It matches
// service.OperationObserver.
func RecordComplianceOperation(operation, outcome string) {
	pchainComplianceOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordLedgerCache counts a ledger cache hit or miss.
func RecordLedgerCache(hit bool) {
	if hit {
		pchainLedgerCacheTotal.WithLabelValues("hit").Inc()
	} else {
		pchainLedgerCacheTotal.WithLabelValues("miss").Inc()
	}
}

// RecordWebhookDelivery counts one audit webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	pchainWebhookDeliveriesTotal.WithLabelValues(result).Inc()
}

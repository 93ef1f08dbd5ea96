package ledgernode

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pchain_ledger_http_requests_total",
		Help: "Total ledger node HTTP requests by method and response status.",
	}, []string{"method", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pchain_ledger_http_request_duration_seconds",
		Help:    "Ledger node request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	ledgerRegistrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pchain_ledger_registrations_total",
		Help: "Total transactions appended to the ledger.",
	})

	chainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pchain_chain_verifications_total",
		Help: "Total background chain verifications by result.",
	}, []string{"result"})
)

// RecordChainVerification records a chain integrity check result.
func RecordChainVerification(valid bool) {
	if valid {
		chainVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		chainVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records per-request metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ledgerRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		ledgerRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

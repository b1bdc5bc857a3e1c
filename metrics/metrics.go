// Package metrics holds the Prometheus collectors for the BSK engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsk_ledger_appends_total",
			Help: "Ledger append attempts by result",
		},
		[]string{"subtype", "result"},
	)

	LedgerAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bsk_ledger_append_duration_seconds",
			Help:    "Duration of ledger appends including the balance projection",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	CommissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsk_commission_decisions_total",
			Help: "Per-level commission decisions by outcome and reason",
		},
		[]string{"event_type", "decision", "reason"},
	)

	CommissionDistributeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsk_commission_distribute_duration_seconds",
			Help:    "Duration of a full commission distribution for one event",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"event_type"},
	)

	MilestoneClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsk_milestone_claims_total",
			Help: "Milestone bonuses claimed by threshold",
		},
		[]string{"threshold"},
	)

	ClosureRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsk_closure_rebuilds_total",
			Help: "Per-user closure rebuilds by result",
		},
		[]string{"result"},
	)

	AuditFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsk_audit_findings_total",
			Help: "Closure audit findings by kind",
		},
		[]string{"kind"},
	)

	BalanceMismatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bsk_balance_mismatches_total",
			Help: "Snapshot rows that disagreed with the ledger sum during reconciliation",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bsk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bsk_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordAppend records one ledger append outcome.
func RecordAppend(subtype, result string, duration time.Duration) {
	LedgerAppendsTotal.WithLabelValues(subtype, result).Inc()
	LedgerAppendDuration.Observe(duration.Seconds())
}

// RecordDecision records one commission decision.
func RecordDecision(eventType, decision, reason string) {
	CommissionDecisionsTotal.WithLabelValues(eventType, decision, reason).Inc()
}

// RecordMilestoneClaim records a milestone bonus payout.
func RecordMilestoneClaim(threshold int) {
	MilestoneClaimsTotal.WithLabelValues(strconv.Itoa(threshold)).Inc()
}

// Middleware records request counts and latencies using the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Package metrics exposes the server's request, action, and backup
// counters as Prometheus collectors behind a scrape-able /metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts every HTTP request the RequestPipeline dispatches,
	// labelled by method, route, and final status code.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confguard_requests_total",
		Help: "Total HTTP requests handled, by method, route, and status.",
	}, []string{"method", "route", "status"})

	// RequestDuration observes request latency in seconds, labelled the same
	// way as RequestsTotal.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "confguard_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ActionsTotal counts dispatcher invocations, labelled by action token
	// and whether the response reported ok.
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confguard_actions_total",
		Help: "Total action-dispatch invocations, by action token and outcome.",
	}, []string{"action", "ok"})

	// BackupsCurrent reports the number of retained snapshots per entry,
	// refreshed after every snapshot/prune cycle.
	BackupsCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "confguard_backups_current",
		Help: "Current number of retained backup snapshots, by entry name.",
	}, []string{"entry"})
)

func init() {
	prometheus.MustRegister(RequestsTotal, RequestDuration, ActionsTotal, BackupsCurrent)
}

// Handler returns the HTTP handler to bind at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

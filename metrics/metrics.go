// Package metrics holds the prometheus collectors of the server and the
// HTTP server exposing them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the collectors of one server instance. Each instance owns its
// registry so several servers can run in one process.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	PolicyCommitsTotal        *prometheus.CounterVec
	ApproverDecisionsTotal    *prometheus.CounterVec
	AccessRequestsTotal       *prometheus.CounterVec
	ShardRetrievalsTotal      *prometheus.CounterVec
	UnlocksTotal              *prometheus.CounterVec
	MaintenanceRejectionTotal prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		PolicyCommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_commits_total",
			Help:      "Committed policies by kind (setup, replacement).",
		}, []string{"kind"}),
		ApproverDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approver_decisions_total",
			Help:      "Owner decisions on approver verifications.",
		}, []string{"decision"}),
		AccessRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_requests_total",
			Help:      "Access requests by intent.",
		}, []string{"intent"}),
		ShardRetrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_retrievals_total",
			Help:      "Shard retrievals by outcome.",
		}, []string{"outcome"}),
		UnlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlocks_total",
			Help:      "Unlock attempts by auth type and outcome.",
		}, []string{"auth_type", "outcome"}),
		MaintenanceRejectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_rejections_total",
			Help:      "Requests rejected while under maintenance.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.PolicyCommitsTotal,
		m.ApproverDecisionsTotal,
		m.AccessRequestsTotal,
		m.ShardRetrievalsTotal,
		m.UnlocksTotal,
		m.MaintenanceRejectionTotal,
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records request counts and durations labelled by chi route
// pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		m.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// MetricsServer serves the registry on /metrics. It listens on an internal
// address, so operator-only routes may be added to its router.
type MetricsServer struct {
	router chi.Router
	srv    *http.Server
}

func New(m *Metrics, addr string) *MetricsServer {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	return &MetricsServer{router: mux, srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Router exposes the internal router for operator routes.
func (s *MetricsServer) Router() chi.Router {
	return s.router
}

func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

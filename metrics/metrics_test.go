package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	m := NewMetrics("seedguard")
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/approvals/abc", nil))
		require.Equal(t, http.StatusConflict, rr.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/approvals/{id}", http.StatusText(http.StatusConflict)))
	assert.Equal(t, float64(2), got)
}

func TestMetricsServer(t *testing.T) {
	m := NewMetrics("seedguard")
	m.PolicyCommitsTotal.WithLabelValues("setup").Inc()
	srv := New(m, "")

	rr := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `seedguard_policy_commits_total{kind="setup"} 1`)
}

package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/seedguard/api"
	"github.com/ruteri/seedguard/api/clients"
	"github.com/ruteri/seedguard/api/ownerapi"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/metrics"
	"github.com/ruteri/seedguard/serverstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKey struct {
	key *cryptoutils.KeyPair
}

func (s staticKey) DeviceKey(context.Context) (*cryptoutils.KeyPair, error) {
	return s.key, nil
}

func newTestServer(t *testing.T, maintenance bool) (*Server, *httptest.Server, *common.ProcessState, *metrics.Metrics) {
	t.Helper()
	srv, ts, _, state, m := newTestServers(t, maintenance)
	return srv, ts, state, m
}

func newTestServers(t *testing.T, maintenance bool) (*Server, *httptest.Server, *httptest.Server, *common.ProcessState, *metrics.Metrics) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := common.NewProcessState(interfaces.DefaultFeatureFlags())
	m := metrics.NewMetrics("test")
	handler := ownerapi.NewHandler(serverstore.NewMemoryStore(), ownerapi.DigestBiometricVerifier{}, state, m, ownerapi.DefaultConfig(), log)

	srv, err := New(&api.HTTPServerConfig{Log: log, Maintenance: maintenance}, handler, state, m)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	internal := httptest.NewServer(srv.InternalHandler())
	t.Cleanup(internal.Close)
	return srv, ts, internal, state, m
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestServer_Probes(t *testing.T) {
	_, ts, _, _ := newTestServer(t, false)

	code, body := get(t, ts.URL+"/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)

	_, body = get(t, ts.URL+"/drain")
	assert.JSONEq(t, `{"status":"draining"}`, body)
	_, body = get(t, ts.URL+"/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, body)
	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, body = get(t, ts.URL+"/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, body)
	code, _ = get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_Maintenance(t *testing.T) {
	_, ts, internal, state, m := newTestServers(t, true)
	ctx := context.Background()
	device, err := cryptoutils.GenerateKeyPair()
	require.NoError(t, err)
	client := clients.NewClient(ts.URL, "alice", staticKey{device}, nil)

	assert.True(t, state.UnderMaintenance())
	_, err = client.GetUser(ctx)
	assert.ErrorIs(t, err, interfaces.ErrUnderMaintenance)

	// The public listener cannot lift maintenance.
	assert.NotEqual(t, http.StatusOK, post(t, ts.URL+"/maintenance/off"))
	assert.True(t, state.UnderMaintenance())

	assert.Equal(t, http.StatusOK, post(t, internal.URL+"/maintenance/off"))
	assert.False(t, state.UnderMaintenance())
	_, err = client.GetUser(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/user", http.StatusText(http.StatusOK))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MaintenanceRejectionTotal))

	assert.NotEqual(t, http.StatusOK, post(t, ts.URL+"/maintenance/on"))
	assert.False(t, state.UnderMaintenance())
	assert.Equal(t, http.StatusOK, post(t, internal.URL+"/maintenance/on"))
	assert.True(t, state.UnderMaintenance())
}

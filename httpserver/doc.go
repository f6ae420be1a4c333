/*
Package httpserver runs the account API of ownerapi.Handler behind the
operational endpoints a deployment needs.

# Endpoints

  - /v1/...            - the signed owner and approver API
  - /livez             - liveness probe
  - /readyz            - readiness probe, 503 while draining
  - /drain, /undrain   - toggle readiness ahead of a rollout
  - /debug             - pprof, when enabled

A separate listener configured by MetricsAddr serves the internal endpoints:

  - /metrics           - Prometheus registry
  - /maintenance/on    - answer every API request with 503 under_maintenance
  - /maintenance/off   - resume serving the API

Without MetricsAddr, maintenance is only set at startup.

# Example Usage

	server, err := httpserver.New(cfg, handler, state, m)
	if err != nil {
	    log.Fatalf("Failed to create server: %v", err)
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver

package api

import (
	"net/http"

	"executor/internal/health"
	"executor/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Executions    Executions
	Cluster       ClusterView
	Stats         StatsView
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Executions, cfg.Cluster, cfg.Stats, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Internal endpoints - no auth (network-isolated)
	mux.HandleFunc("POST /internal/executions/{id}/exit", handler.ReportExit)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/executions", auth(http.HandlerFunc(handler.CreateExecution)))
	mux.Handle("GET /v1/executions", auth(http.HandlerFunc(handler.ListExecutions)))
	mux.Handle("GET /v1/executions/{id}", auth(http.HandlerFunc(handler.GetExecution)))
	mux.Handle("DELETE /v1/executions/{id}", auth(http.HandlerFunc(handler.CancelExecution)))
	mux.Handle("GET /v1/cluster", auth(http.HandlerFunc(handler.GetCluster)))
	mux.Handle("GET /v1/stats", auth(http.HandlerFunc(handler.ListStats)))
	mux.Handle("GET /v1/stats/{key}", auth(http.HandlerFunc(handler.GetStat)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

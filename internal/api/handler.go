// Package api provides the HTTP API handlers and routing for the executor service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"executor/internal/apperrors"
	"executor/internal/cluster"
	"executor/internal/execution"
	"executor/internal/health"
	"executor/internal/stats"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultListLimit bounds list responses when no limit is given.
const defaultListLimit = 100

// Executions is the execution boundary the API exposes.
type Executions interface {
	Create(ctx context.Context, ownerRef string, spec execution.Spec) (*execution.Execution, error)
	Get(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, filter execution.Filter) ([]*execution.Execution, error)
	Cancel(ctx context.Context, id, requester string) (*execution.Execution, error)
	ReportExit(ctx context.Context, id string) (*execution.Execution, error)
}

// ClusterView serves cached cluster snapshots.
type ClusterView interface {
	Snapshot(ctx context.Context) (cluster.Result, error)
}

// StatsView serves precomputed statistics.
type StatsView interface {
	Definitions() []stats.Definition
	Get(ctx context.Context, key string) (*stats.Value, bool, error)
}

// Handler contains HTTP handlers for the executor API
type Handler struct {
	executions Executions
	cluster    ClusterView
	stats      StatsView
	health     *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(executions Executions, clusterView ClusterView, statsView StatsView, healthChecker *health.Checker) *Handler {
	return &Handler{
		executions: executions,
		cluster:    clusterView,
		stats:      statsView,
		health:     healthChecker,
	}
}

// CreateRequest is the body of POST /v1/executions.
type CreateRequest struct {
	OwnerRef string `json:"ownerRef"`
	execution.Spec
}

// CreateExecution handles POST /v1/executions
func (h *Handler) CreateExecution(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	exec, err := h.executions.Create(r.Context(), req.OwnerRef, req.Spec)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/executions/"+exec.ID)
	h.writeJSON(w, http.StatusAccepted, exec.Redacted())
}

// ListExecutions handles GET /v1/executions
// Query params: state (repeatable or comma separated), owner, createdAfter (RFC 3339), limit
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	execs, err := h.executions.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]*execution.Execution, len(execs))
	for i, exec := range execs {
		out[i] = exec.Redacted()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"executions": out, "count": len(out)})
}

func parseFilter(r *http.Request) (execution.Filter, error) {
	q := r.URL.Query()
	filter := execution.Filter{
		OwnerRef: q.Get("owner"),
		Limit:    defaultListLimit,
	}

	for _, raw := range q["state"] {
		for _, s := range strings.Split(raw, ",") {
			state, ok := execution.ParseState(strings.TrimSpace(s))
			if !ok {
				return filter, apperrors.Validation("state", "unknown state "+strconv.Quote(s))
			}
			filter.States = append(filter.States, state)
		}
	}
	if v := q.Get("createdAfter"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperrors.Validation("createdAfter", "must be an RFC 3339 timestamp")
		}
		filter.CreatedAfter = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return filter, apperrors.Validation("limit", "must be between 1 and 1000")
		}
		filter.Limit = n
	}
	return filter, nil
}

// GetExecution handles GET /v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.executions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, exec.Redacted())
}

// CancelExecution handles DELETE /v1/executions/{id}
// The requester is taken from the X-Requester header.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get("X-Requester")
	if requester == "" {
		requester = "api"
	}

	exec, err := h.executions.Cancel(r.Context(), r.PathValue("id"), requester)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, exec.Redacted())
}

// ReportExit handles POST /internal/executions/{id}/exit - completion
// reports sent from the container side.
func (h *Handler) ReportExit(w http.ResponseWriter, r *http.Request) {
	exec, err := h.executions.ReportExit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"id": exec.ID, "state": exec.State})
}

// GetCluster handles GET /v1/cluster
// The X-Cache header reports whether the snapshot was fresh (hit),
// refreshed for this request (miss) or served expired (stale).
func (h *Handler) GetCluster(w http.ResponseWriter, r *http.Request) {
	res, err := h.cluster.Snapshot(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("X-Cache", string(res.Source))
	h.writeJSON(w, http.StatusOK, res)
}

// ListStats handles GET /v1/stats
func (h *Handler) ListStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"statistics": h.stats.Definitions()})
}

// GetStat handles GET /v1/stats/{key}
// A statistic that has not been computed yet is reported as 404 with X-Cache: miss.
func (h *Handler) GetStat(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, ok, err := h.stats.Get(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		w.Header().Set("X-Cache", "miss")
		h.writeError(w, http.StatusNotFound, "statistic "+key+" has not been computed yet")
		return
	}

	if v.Stale {
		w.Header().Set("X-Cache", "stale")
	} else {
		w.Header().Set("X-Cache", "hit")
	}
	h.writeJSON(w, http.StatusOK, v)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the platform or the registry is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

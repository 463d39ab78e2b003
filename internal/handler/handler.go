// Package handler provides HTTP request handlers for the REST API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is the application version.
const Version = "1.0.0"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeHandler serves liveness and readiness probes.
type ProbeHandler struct {
	pinger Pinger
	logger *zap.Logger
}

// NewProbeHandler creates a new ProbeHandler instance.
func NewProbeHandler(pinger Pinger, logger *zap.Logger) *ProbeHandler {
	return &ProbeHandler{
		pinger: pinger,
		logger: logger,
	}
}

// RegisterRoutes registers the probe routes with the router.
func (h *ProbeHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.ReadyCheck).Methods(http.MethodGet)
}

// HealthCheck handles GET /health requests.
func (h *ProbeHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: Version,
	}, h.logger)
}

// ReadyCheck handles GET /ready requests by pinging the item store.
func (h *ProbeHandler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not ready",
			Error:  err.Error(),
		}, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"}, h.logger)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler serves the health probes.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger.With(zap.String("component", "health_http"))}
}

// RegisterRoutes registers the health endpoints on the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/health/live", h.handleLive)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

// handleHealth returns the overall status. 200 when healthy or
// degraded, 503 when unhealthy.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())

	code := http.StatusOK
	if overall.Status == StatusUnhealthy || overall.Status == StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, overall)
}

// handleReady is the readiness probe for load balancers.
func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())

	code := http.StatusOK
	if !overall.Ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"ready":     overall.Ready,
		"status":    overall.Status.String(),
		"timestamp": overall.Timestamp,
	})
}

// handleLive is the liveness probe. The process is live as long as it
// answers, even with failing dependencies.
func (h *HTTPHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	overall := h.manager.GetOverallHealth(r.Context())

	code := http.StatusOK
	if !overall.Live {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"live":      overall.Live,
		"status":    overall.Status.String(),
		"timestamp": overall.Timestamp,
	})
}

// handleDetailed returns per-component results. With ?cached=true it
// serves the last background sweep instead of probing again.
func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	var detailed DetailedHealth
	if r.URL.Query().Get("cached") == "true" {
		detailed = h.manager.CachedDetailedHealth()
	} else {
		detailed = h.manager.GetDetailedHealth(r.Context())
	}

	code := http.StatusOK
	if detailed.Overall.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, detailed)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

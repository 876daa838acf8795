// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dskow/cubewatch/internal/watcher"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// StatusProvider exposes the watcher state the readiness probe reports.
type StatusProvider interface {
	Status() watcher.Status
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	status StatusProvider
	logger *slog.Logger
}

// New creates a new health check Handler.
func New(status StatusProvider, logger *slog.Logger) *Handler {
	return &Handler{status: status, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports 200 once the baseline has been taken and the loop is
// polling, 503 while starting or stopping.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()

	httpStatus := http.StatusOK
	statusStr := "ready"
	if st.State != watcher.StateWatching.String() {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
		h.logger.Debug("readiness probe failed", "state", st.State)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":        statusStr,
		"state":         st.State,
		"path":          st.Path,
		"has_baseline":  st.HasBaseline,
		"read_failures": st.ReadFailures,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

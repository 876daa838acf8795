// Package admin provides the admin API of the watcher's HTTP side listener:
// a status snapshot and an on-demand reload trigger. Every endpoint is
// protected by the IP allowlist and, when a secret is configured, by JWT
// bearer auth. The reload trigger is additionally rate limited per client.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/dskow/cubewatch/internal/apierror"
	"github.com/dskow/cubewatch/internal/auth"
	"github.com/dskow/cubewatch/internal/config"
	"github.com/dskow/cubewatch/internal/notify"
	"github.com/dskow/cubewatch/internal/ratelimit"
	"github.com/dskow/cubewatch/internal/watcher"
)

// Target is the part of the watcher the admin API drives.
type Target interface {
	Status() watcher.Status
	ForceReload(ctx context.Context) (notify.Result, error)
}

// Handler provides admin API endpoints.
type Handler struct {
	target      Target
	cfg         config.AdminConfig
	limiter     *ratelimit.Limiter
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). limiter may be nil to disable rate
// limiting of the reload trigger.
func New(target Target, cfg config.AdminConfig, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(cfg.IPAllowlist))
	for _, cidr := range cfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		target:      target,
		cfg:         cfg,
		limiter:     limiter,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	authMW := auth.Middleware(h.cfg, h.logger)

	mux.Handle("/admin/status", h.guard(http.MethodGet, authMW(http.HandlerFunc(h.statusHandler))))

	var reload http.Handler = http.HandlerFunc(h.reloadHandler)
	if h.limiter != nil {
		reload = h.limiter.Middleware()(reload)
	}
	mux.Handle("/admin/reload", h.guard(http.MethodPost, authMW(reload)))
}

// guard enforces the allowed method and the IP allowlist before any token
// is looked at.
func (h *Handler) guard(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method "+r.Method+" not allowed")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// statusResponse is the watcher status plus the reload limiter's view.
type statusResponse struct {
	watcher.Status
	ReloadClients int `json:"reload_clients"`
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.target.Status()}
	if h.limiter != nil {
		resp.ReloadClients = h.limiter.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

// reloadResponse is the body of a successful POST /admin/reload.
type reloadResponse struct {
	Status string        `json:"status"`
	Result notify.Result `json:"result"`
}

func (h *Handler) reloadHandler(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		subject = claims.Subject
	}
	h.logger.Info("admin reload requested", "client_ip", extractIP(r.RemoteAddr), "subject", subject)

	res, err := h.target.ForceReload(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reloadResponse{Status: "sent", Result: res})
	case errors.Is(err, notify.ErrNoProcesses):
		writeJSON(w, http.StatusOK, reloadResponse{Status: "no_match", Result: res})
	default:
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.NotifyFailed, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

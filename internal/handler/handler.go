package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasew/dbregistry"
	"github.com/lucasew/dbregistry/internal/errutil"
)

// Registry is the part of dbregistry.EngineRegistry the handlers need.
type Registry interface {
	Snapshot() []dbregistry.EngineInfo
	Remove(rawURL string) bool
	PingAll(ctx context.Context) error
	Len() int
}

// EnginesHandler lists registered engines and evicts them on request.
//
//	GET    /engines            JSON snapshot, passwords redacted
//	DELETE /engines?url=<url>  evict through the removal strategy
type EnginesHandler struct {
	Registry Registry
}

func NewEnginesHandler(registry Registry) *EnginesHandler {
	return &EnginesHandler{Registry: registry}
}

func (h *EnginesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		infos := h.Registry.Snapshot()
		if infos == nil {
			infos = []dbregistry.EngineInfo{}
		}
		writeJSON(w, http.StatusOK, infos)
	case http.MethodDelete:
		raw := r.URL.Query().Get("url")
		if raw == "" {
			http.Error(w, "Missing url query parameter", http.StatusBadRequest)
			return
		}
		if !h.Registry.Remove(raw) {
			http.Error(w, "Engine is not registered or still has checked out connections", http.StatusConflict)
			return
		}
		slog.Info("Engine evicted over HTTP", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HealthHandler pings every engine and answers 503 if any of them fails.
type HealthHandler struct {
	Registry Registry
	Timeout  time.Duration
}

func NewHealthHandler(registry Registry, timeout time.Duration) *HealthHandler {
	return &HealthHandler{Registry: registry, Timeout: timeout}
}

type healthResponse struct {
	Status  string `json:"status"`
	Engines int    `json:"engines"`
	Error   string `json:"error,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	resp := healthResponse{Status: "ok", Engines: h.Registry.Len()}
	if err := h.Registry.PingAll(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errutil.LogMsg(json.NewEncoder(w).Encode(v), "Failed to write JSON response")
}

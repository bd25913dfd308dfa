package handlers

import (
	"context"
	"net/http"
	"time"

	"comfyworker/internal/httpkit"
)

// Health reports the service status. With ?deep=true it also probes the
// engine and every configured dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]any{
		"status":  "ok",
		"service": h.service,
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] == "error" {
				health["status"] = "degraded"
				h.log.FromContext(ctx).Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"storage": h.checkStorage(),
	}
	if h.engine != nil {
		checks["engine"] = probe(ctx, h.engine.Ready)
	}
	if h.queue != nil {
		checks["redis"] = probe(ctx, h.queue.Ping)
	}
	if h.db != nil {
		checks["postgres"] = probe(ctx, h.db.Ping)
	}
	return checks
}

func probe(ctx context.Context, fn func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := fn(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkStorage() map[string]any {
	if h.storage == nil || !h.storage.Enabled() {
		return map[string]any{"status": "disabled", "provider": "none"}
	}
	return map[string]any{"status": "ok", "provider": h.storage.Provider()}
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks connectivity to a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	logger   *slog.Logger
	postgres Pinger
	redis    Pinger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// WithPostgres enables a database connectivity check on the health endpoint.
func (h *HealthHandler) WithPostgres(p Pinger) *HealthHandler {
	h.postgres = p
	return h
}

// WithRedis enables a Redis connectivity check on the health endpoint.
func (h *HealthHandler) WithRedis(p Pinger) *HealthHandler {
	h.redis = p
	return h
}

// HealthCheck responds with the service status plus the reachability of each
// wired dependency. Any failing dependency degrades the overall status and
// the response code.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{}

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			return
		}
		deps[name] = "ok"
	}

	check("postgres", h.postgres)
	check("redis", h.redis)

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":       overall,
		"service":      "dcavault",
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

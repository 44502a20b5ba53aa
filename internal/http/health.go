package http

import (
	"context"
	"net/http"
	"time"

	"github.com/otpauth/otpauth-api/internal/httputil"
	"github.com/otpauth/otpauth-api/internal/logging"
)

// Check reports whether a dependency is reachable
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
}

func NewHealthHandler(checks map[string]Check, timeout time.Duration) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: timeout}
}

// ReadyResponse lists the state of every dependency
type ReadyResponse struct {
	Status string            `json:"status"`
	Code   string            `json:"code,omitempty"`
	Checks map[string]string `json:"checks"`
}

// Health is a simple liveness endpoint
// @Summary      Health check
// @Description  Check if the API is running
// @Tags         health
// @Produce      json
// @Success      200 {object} map[string]string
// @Router       /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, map[string]string{"status": "api is running"}, http.StatusOK)
}

// Ready pings Postgres and Redis
// @Summary      Readiness check
// @Description  Reports whether the database and cache are reachable
// @Tags         health
// @Produce      json
// @Success      200 {object} ReadyResponse
// @Failure      503 {object} ReadyResponse
// @Router       /ready [get]
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			logger.Error("readiness check failed", "check", name, "error", err.Error())
			resp.Checks[name] = "unavailable"
			resp.Status = "not ready"
			resp.Code = httputil.CodeServiceUnavailable
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	httputil.RespondJSON(w, resp, status)
}

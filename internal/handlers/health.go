package handlers

import (
	"net/http"
	"time"

	"github.com/orderfield/api/internal/platform/httpx"
	"github.com/orderfield/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes backed by the
// system service. Without a system service the probes degrade to a
// static ok response.
type HealthHandlers struct {
	system services.SystemService
}

// NewHealthHandlers constructs a new HealthHandlers instance.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{system: system}
}

type healthCheckPayload struct {
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime,omitempty"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
	GeneratedAt time.Time                     `json:"generated_at"`
}

// Healthz reports dependency status without failing the probe.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.system == nil {
		writeJSON(ctx, w, http.StatusOK, healthPayload{Status: "ok", GeneratedAt: time.Now().UTC()})
		return
	}

	report, err := h.system.Health(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]healthCheckPayload, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = healthCheckPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			CheckedAt: check.CheckedAt,
		}
	}

	writeJSON(ctx, w, http.StatusOK, healthPayload{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Uptime:      report.Uptime.String(),
		Checks:      checks,
		GeneratedAt: report.GeneratedAt,
	})
}

// Readyz fails with 503 while any critical dependency is unavailable.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.system == nil {
		writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	if err := h.system.Ready(ctx); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_ready", err.Error(), http.StatusServiceUnavailable))
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ready"})
}

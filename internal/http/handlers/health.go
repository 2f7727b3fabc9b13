package handlers

import (
	"context"
	"net/http"
	"time"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDetails reports dependency checks, the monitor's job metrics, and
// the effective non-secret configuration. Any failing probe degrades the
// response to 503 so orchestration platforms can react.
func (a *App) HealthDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := make(map[string]string, len(a.Probes))
	healthy := true
	for _, p := range a.Probes {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Check(probeCtx)
		cancel()
		if err != nil {
			checks[p.Name] = err.Error()
			healthy = false
			continue
		}
		checks[p.Name] = "ok"
	}

	payload := map[string]any{
		"status":  "ok",
		"checks":  checks,
		"runtime": a.Runtime,
	}
	if a.Metrics != nil {
		if m, err := a.Metrics.Metrics(ctx); err == nil {
			payload["jobs"] = m
		} else {
			a.Log.Warn().Err(err).Msg("api: job metrics unavailable")
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		payload["status"] = "degraded"
	}
	a.json(w, status, payload)
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"storybook/internal/admission"
	"storybook/internal/clock"
	"storybook/internal/domain"
	"storybook/internal/middleware"
	"storybook/internal/storage"
)

// MetricsSource exposes the monitor's job metrics to the health endpoint.
type MetricsSource interface {
	Metrics(ctx context.Context) (*domain.JobMetrics, error)
}

// Probe is one named dependency check reported by the health details
// endpoint.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// RuntimeInfo is the non-secret configuration snapshot reported by the
// health details endpoint.
type RuntimeInfo struct {
	Env                string `json:"env"`
	DispatchMode       string `json:"dispatch_mode"`
	LLMProvider        string `json:"llm_provider"`
	ImageProvider      string `json:"image_provider"`
	ModerationProvider string `json:"moderation_provider"`
	StorageBackend     string `json:"storage_backend"`
	PipelineWorkers    int    `json:"pipeline_workers"`
}

// App carries the handler dependencies.
type App struct {
	Admission  *admission.Service
	Jobs       domain.JobStore
	Books      domain.BookStore
	Characters domain.CharacterStore
	Credits    domain.CreditLedger
	Store      storage.ObjectStore
	Metrics    MetricsSource
	Probes     []Probe
	Runtime    RuntimeInfo
	Clock      clock.Clock
	Log        zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (a *App) userKey(r *http.Request) string {
	return middleware.UserKeyFromContext(r.Context())
}

// submitError maps admission failures onto the HTTP surface. Rejections
// before the debit carry no job row, so there is nothing to expose beyond
// the code.
func (a *App) submitError(w http.ResponseWriter, err error) {
	var rl *admission.RateLimitedError
	switch {
	case errors.Is(err, domain.ErrInvalidSpec):
		a.error(w, http.StatusBadRequest, "INVALID_SPEC", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, string(domain.CodeNoCredits), "not enough credits")
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.RetryAfter)))
		a.error(w, http.StatusTooManyRequests, string(domain.CodeRateLimited), err.Error())
	case errors.Is(err, domain.ErrDailyLimit):
		a.error(w, http.StatusTooManyRequests, string(domain.CodeDailyLimit), err.Error())
	case errors.Is(err, domain.ErrOverloaded):
		a.error(w, http.StatusServiceUnavailable, string(domain.CodeOverloaded), "too many jobs in flight, try again later")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "NOT_FOUND", "not found")
	default:
		a.Log.Error().Err(err).Msg("api: submission failed")
		a.error(w, http.StatusInternalServerError, "INTERNAL", "something went wrong")
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves the health-check and constants endpoints.
type HealthHandler struct {
	params domain.Params
	owner  string
	checks map[string]HealthCheck
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks are run on every
// health request; a failing check degrades the status to 503.
func NewHealthHandler(params domain.Params, owner string, checks map[string]HealthCheck, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{params: params, owner: owner, checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck responds with the status of the server and its dependencies.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

type constantsResponse struct {
	Owner                string     `json:"owner"`
	MinStake             amountJSON `json:"min_stake"`
	PredictWindowSeconds int64      `json:"predict_window_seconds"`
	RoundWindowSeconds   int64      `json:"round_window_seconds"`
	ClaimPeriodSeconds   int64      `json:"claim_period_seconds"`
}

// Constants returns the market parameters.
// GET /api/constants
func (h *HealthHandler) Constants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, constantsResponse{
		Owner:                h.owner,
		MinStake:             newAmount(h.params.MinStake),
		PredictWindowSeconds: int64(h.params.PredictWindow / time.Second),
		RoundWindowSeconds:   int64(h.params.RoundWindow / time.Second),
		ClaimPeriodSeconds:   int64(h.params.ClaimPeriod / time.Second),
	})
}

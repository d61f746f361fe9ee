package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ClaimService defines reward queries, claims and sweeps.
type ClaimService interface {
	Reward(ctx context.Context, roundID uint64, participant common.Address) (uint256.Int, error)
	CanClaim(ctx context.Context, roundID uint64, participant common.Address) (bool, error)
	Claim(ctx context.Context, roundID uint64, participant common.Address) (uint256.Int, error)
	Sweep(ctx context.Context, caller common.Address, roundID uint64) (uint256.Int, error)
}

// ClaimHandler serves the reward, claim and sweep endpoints.
type ClaimHandler struct {
	claims ClaimService
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(claims ClaimService, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{claims: claims, logger: logHandler(logger, "claims")}
}

// GetReward returns a participant's reward and whether it can be claimed now.
// GET /api/rounds/{id}/reward/{addr}
func (h *ClaimHandler) GetReward(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	addr, ok := addressParam(w, r, "addr")
	if !ok {
		return
	}
	reward, err := h.claims.Reward(r.Context(), id, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "reward", err)
		return
	}
	can, err := h.claims.CanClaim(r.Context(), id, addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "reward", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":    id,
		"participant": addr.Hex(),
		"reward":      newAmount(reward),
		"can_claim":   can,
	})
}

// Claim pays the caller's reward into their custody balance.
// POST /api/rounds/{id}/claim
func (h *ClaimHandler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	reward, err := h.claims.Claim(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":    id,
		"participant": caller.Hex(),
		"reward":      newAmount(reward),
	})
}

// Sweep moves the unclaimed pool to the owner. Owner only.
// POST /api/rounds/{id}/sweep
func (h *ClaimHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	swept, err := h.claims.Sweep(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id, "swept": newAmount(swept)})
}

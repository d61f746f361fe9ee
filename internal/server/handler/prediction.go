package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/units"
)

// StakeService defines the stake operations the prediction handler needs.
type StakeService interface {
	Submit(ctx context.Context, roundID uint64, participant common.Address, in domain.EncryptedInput, stake uint256.Int) (domain.Prediction, error)
	Update(ctx context.Context, roundID uint64, participant common.Address, in domain.EncryptedInput) (domain.Prediction, error)
	AddStake(ctx context.Context, roundID uint64, participant common.Address, amount uint256.Int) (domain.Prediction, error)
	Withdraw(ctx context.Context, roundID uint64, participant common.Address) (uint256.Int, error)
	Prediction(ctx context.Context, roundID uint64, participant common.Address) (domain.Prediction, error)
}

// PredictionHandler serves the caller's prediction and stake endpoints.
type PredictionHandler struct {
	stakes StakeService
	logger *slog.Logger
}

// NewPredictionHandler creates a PredictionHandler.
func NewPredictionHandler(stakes StakeService, logger *slog.Logger) *PredictionHandler {
	return &PredictionHandler{stakes: stakes, logger: logHandler(logger, "predictions")}
}

// GetMine returns the caller's own prediction, including its handle.
// GET /api/rounds/{id}/prediction
func (h *PredictionHandler) GetMine(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	h.writePrediction(w, r, id, caller)
}

// GetByAddress returns any participant's prediction record.
// GET /api/rounds/{id}/predictions/{addr}
func (h *PredictionHandler) GetByAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	addr, ok := addressParam(w, r, "addr")
	if !ok {
		return
	}
	h.writePrediction(w, r, id, addr)
}

func (h *PredictionHandler) writePrediction(w http.ResponseWriter, r *http.Request, id uint64, who common.Address) {
	p, err := h.stakes.Prediction(r.Context(), id, who)
	if err != nil {
		writeServiceError(w, r, h.logger, "get prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Submit places the caller's encrypted prediction with a stake.
// POST /api/rounds/{id}/prediction
func (h *PredictionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	var req submitPredictionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, ok := encryptedInput(w, req.Handle, req.InputProof)
	if !ok {
		return
	}
	stake, err := units.ParseEther(req.Stake)
	if err != nil {
		writeError(w, http.StatusBadRequest, "stake: "+err.Error())
		return
	}

	p, err := h.stakes.Submit(r.Context(), id, caller, in, stake)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit prediction", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Update replaces the caller's encrypted price.
// PUT /api/rounds/{id}/prediction
func (h *PredictionHandler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	var req updatePredictionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, ok := encryptedInput(w, req.Handle, req.InputProof)
	if !ok {
		return
	}

	p, err := h.stakes.Update(r.Context(), id, caller, in)
	if err != nil {
		writeServiceError(w, r, h.logger, "update prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Withdraw cancels the caller's prediction and refunds the stake.
// DELETE /api/rounds/{id}/prediction
func (h *PredictionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	refund, err := h.stakes.Withdraw(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id, "refund": newAmount(refund)})
}

// AddStake increases the caller's stake.
// POST /api/rounds/{id}/stake
func (h *PredictionHandler) AddStake(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := units.ParseEther(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: "+err.Error())
		return
	}

	p, err := h.stakes.AddStake(r.Context(), id, caller, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "add stake", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func encryptedInput(w http.ResponseWriter, handle, proof string) (domain.EncryptedInput, bool) {
	raw, err := hexutil.Decode(proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "input_proof: "+err.Error())
		return domain.EncryptedInput{}, false
	}
	return domain.EncryptedInput{Handle: common.HexToHash(handle), Proof: raw}, true
}

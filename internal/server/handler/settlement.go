package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// SettlementService defines the three-step settlement operations.
type SettlementService interface {
	Settle(ctx context.Context, caller common.Address, roundID uint64, price uint64) (domain.Round, error)
	RevealAll(ctx context.Context, caller common.Address, roundID uint64) (domain.RevealBatch, error)
	RevealedBatch(ctx context.Context, roundID uint64) (domain.RevealBatch, error)
	VerifyAll(ctx context.Context, caller common.Address, roundID uint64, handles []common.Hash, clearValuesEncoded, decryptionProof []byte) (domain.VerifyOutcome, error)
	Report(ctx context.Context, roundID uint64, kind string) (io.ReadCloser, error)
}

// SettlementHandler serves the settle, reveal and verify endpoints and the
// stored settlement reports.
type SettlementHandler struct {
	settlement SettlementService
	rounds     RoundService
	oracle     domain.PriceOracle
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler. oracle may be nil, in
// which case settle requests must carry a price.
func NewSettlementHandler(settlement SettlementService, rounds RoundService, oracle domain.PriceOracle, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{settlement: settlement, rounds: rounds, oracle: oracle, logger: logHandler(logger, "settlement")}
}

// Settle records the settlement price. Without a price in the body the
// configured oracle is asked for one.
// POST /api/rounds/{id}/settle
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var price uint64
	switch {
	case req.Price != nil:
		price = *req.Price
	case h.oracle != nil:
		round, err := h.rounds.Round(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, h.logger, "settle", err)
			return
		}
		if price, err = h.oracle.PriceAt(r.Context(), round); err != nil {
			h.logger.WarnContext(r.Context(), "handler: oracle price failed",
				slog.Uint64("round_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "price oracle unavailable")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "price: required")
		return
	}

	round, err := h.settlement.Settle(r.Context(), caller, id, price)
	if err != nil {
		writeServiceError(w, r, h.logger, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

type batchResponse struct {
	RoundID uint64        `json:"round_id"`
	Handles []common.Hash `json:"handles"`
}

func newBatch(b domain.RevealBatch) batchResponse {
	handles := b.Handles
	if handles == nil {
		handles = []common.Hash{}
	}
	return batchResponse{RoundID: b.RoundID, Handles: handles}
}

// Reveal makes every active prediction publicly decryptable and returns the
// ordered handle batch.
// POST /api/rounds/{id}/reveal
func (h *SettlementHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	batch, err := h.settlement.RevealAll(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "reveal", err)
		return
	}
	writeJSON(w, http.StatusOK, newBatch(batch))
}

// RevealedBatch returns the batch recorded by a previous reveal.
// GET /api/rounds/{id}/reveal
func (h *SettlementHandler) RevealedBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	batch, err := h.settlement.RevealedBatch(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "revealed batch", err)
		return
	}
	writeJSON(w, http.StatusOK, newBatch(batch))
}

type verifyResponse struct {
	RoundID           uint64           `json:"round_id"`
	SettlementPrice   uint64           `json:"settlement_price"`
	WinnerCount       uint64           `json:"winner_count"`
	WinningStakeTotal amountJSON       `json:"winning_stake_total"`
	Winners           []common.Address `json:"winners"`
}

// Verify checks the decryption proof for the revealed batch and selects
// the winners.
// POST /api/rounds/{id}/verify
func (h *SettlementHandler) Verify(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	clearValues, err := hexutil.Decode(req.ClearValues)
	if err != nil {
		writeError(w, http.StatusBadRequest, "clear_values: "+err.Error())
		return
	}
	proof, err := hexutil.Decode(req.DecryptionProof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "decryption_proof: "+err.Error())
		return
	}

	out, err := h.settlement.VerifyAll(r.Context(), caller, id, parseHandles(req.Handles), clearValues, proof)
	if err != nil {
		writeServiceError(w, r, h.logger, "verify", err)
		return
	}
	winners := out.Winners
	if winners == nil {
		winners = []common.Address{}
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		RoundID:           out.RoundID,
		SettlementPrice:   out.SettlementPrice,
		WinnerCount:       out.WinnerCount,
		WinningStakeTotal: newAmount(out.WinningStakeTotal),
		Winners:           winners,
	})
}

// Report streams a stored settlement report.
// GET /api/rounds/{id}/report/{kind}
func (h *SettlementHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	rc, err := h.settlement.Report(r.Context(), id, r.PathValue("kind"))
	if err != nil {
		writeServiceError(w, r, h.logger, "report", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.WarnContext(r.Context(), "handler: report copy interrupted",
			slog.Uint64("round_id", id),
			slog.String("error", err.Error()),
		)
	}
}

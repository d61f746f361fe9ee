package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// RoundService defines the round queries and creation the handler needs.
type RoundService interface {
	CreateRound(ctx context.Context, caller common.Address, name string, targetTime time.Time, tolerance uint64) (domain.Round, error)
	Round(ctx context.Context, id uint64) (domain.Round, error)
	Summary(ctx context.Context, id uint64) (domain.RoundSummary, error)
	Status(ctx context.Context, id uint64) (domain.RoundStatus, error)
	TimeRemaining(ctx context.Context, id uint64) (predicting, round time.Duration, err error)
	RoundCount(ctx context.Context) (uint64, error)
	ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.RoundSummary, error)
	Stakes(ctx context.Context, id uint64) ([]domain.StakeEntry, error)
	Participants(ctx context.Context, id uint64) ([]common.Address, error)
	Events(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Event, error)
}

// RoundHandler serves round endpoints.
type RoundHandler struct {
	rounds RoundService
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler.
func NewRoundHandler(rounds RoundService, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{rounds: rounds, logger: logHandler(logger, "rounds")}
}

type listRoundsResponse struct {
	Rounds []summaryJSON `json:"rounds"`
	Total  uint64        `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListRounds returns round summaries with pagination.
// GET /api/rounds?limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	summaries, err := h.rounds.ListRounds(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list rounds", err)
		return
	}
	total, err := h.rounds.RoundCount(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "count rounds", err)
		return
	}

	out := make([]summaryJSON, len(summaries))
	for i, s := range summaries {
		out[i] = newSummary(s)
	}
	writeJSON(w, http.StatusOK, listRoundsResponse{Rounds: out, Total: total, Limit: opts.Limit, Offset: opts.Offset})
}

// CreateRound opens a new round. Owner only.
// POST /api/rounds
func (h *RoundHandler) CreateRound(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createRoundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	round, err := h.rounds.CreateRound(r.Context(), caller, req.Name, req.TargetTime, req.Tolerance)
	if err != nil {
		writeServiceError(w, r, h.logger, "create round", err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

type roundResponse struct {
	Round   domain.Round `json:"round"`
	Summary summaryJSON  `json:"summary"`
}

// GetRound returns the full round record with its current summary.
// GET /api/rounds/{id}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	round, err := h.rounds.Round(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get round", err)
		return
	}
	summary, err := h.rounds.Summary(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, roundResponse{Round: round, Summary: newSummary(summary)})
}

// GetStatus returns the round's derived status.
// GET /api/rounds/{id}/status
func (h *RoundHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	status, err := h.rounds.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "round status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id, "status": status})
}

// GetTimeRemaining returns the seconds left in each window.
// GET /api/rounds/{id}/time
func (h *RoundHandler) GetTimeRemaining(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	predicting, round, err := h.rounds.TimeRemaining(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "time remaining", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":                   id,
		"predicting_ends_in_seconds": int64(predicting / time.Second),
		"round_ends_in_seconds":      int64(round / time.Second),
	})
}

// GetStakes returns every participant's stake in join order.
// GET /api/rounds/{id}/stakes
func (h *RoundHandler) GetStakes(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	stakes, err := h.rounds.Stakes(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "stakes", err)
		return
	}
	out := make([]stakeJSON, len(stakes))
	for i, s := range stakes {
		out[i] = stakeJSON{Participant: s.Participant.Hex(), Stake: newAmount(s.Stake)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id, "stakes": out})
}

// GetParticipants returns the participant list in join order.
// GET /api/rounds/{id}/participants
func (h *RoundHandler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	participants, err := h.rounds.Participants(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "participants", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":     id,
		"participants": participants,
		"count":        len(participants),
	})
}

// GetEvents returns the round's event log in sequence order.
// GET /api/rounds/{id}/events?limit=50&offset=0
func (h *RoundHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := roundID(w, r)
	if !ok {
		return
	}
	opts := parseListOpts(r)
	events, err := h.rounds.Events(r.Context(), id, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id, "events": events, "limit": opts.Limit, "offset": opts.Offset})
}

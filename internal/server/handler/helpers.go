package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},

	{domain.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{domain.ErrUnauthorized, http.StatusForbidden, "unauthorized"},

	{domain.ErrRoundNotPredicting, http.StatusConflict, "round_not_predicting"},
	{domain.ErrRoundNotEnded, http.StatusConflict, "round_not_ended"},
	{domain.ErrNotSettled, http.StatusConflict, "not_settled"},
	{domain.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{domain.ErrNotRevealed, http.StatusConflict, "not_revealed"},
	{domain.ErrAlreadyRevealed, http.StatusConflict, "already_revealed"},
	{domain.ErrAlreadyVerified, http.StatusConflict, "already_verified"},
	{domain.ErrLockHeld, http.StatusConflict, "busy"},

	{domain.ErrAlreadyPredicted, http.StatusUnprocessableEntity, "already_predicted"},
	{domain.ErrNoPrediction, http.StatusUnprocessableEntity, "no_prediction"},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{domain.ErrInvalidTolerance, http.StatusUnprocessableEntity, "invalid_tolerance"},
	{domain.ErrInvalidTargetTime, http.StatusUnprocessableEntity, "invalid_target_time"},
	{domain.ErrInvalidName, http.StatusUnprocessableEntity, "invalid_name"},
	{domain.ErrInvalidHandle, http.StatusUnprocessableEntity, "invalid_handle"},
	{domain.ErrInvalidInputProof, http.StatusUnprocessableEntity, "invalid_input_proof"},
	{domain.ErrHandleInUse, http.StatusConflict, "handle_in_use"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{domain.ErrNotWinner, http.StatusUnprocessableEntity, "not_winner"},
	{domain.ErrAlreadyClaimed, http.StatusUnprocessableEntity, "already_claimed"},
	{domain.ErrClaimExpired, http.StatusUnprocessableEntity, "claim_expired"},
	{domain.ErrSweepNotAllowed, http.StatusUnprocessableEntity, "sweep_not_allowed"},
	{domain.ErrAlreadySwept, http.StatusUnprocessableEntity, "already_swept"},

	{domain.ErrInvalidProof, http.StatusBadRequest, "invalid_proof"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
}

// writeServiceError maps a service error onto an HTTP status. Unknown errors
// are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, action string, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			writeJSON(w, m.status, errorResponse{Error: m.err.Error(), Code: m.code})
			return
		}
	}
	logger.ErrorContext(r.Context(), "handler: "+action+" failed",
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, action+" failed")
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// roundID parses the {id} path value. Round ids start at 1.
func roundID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid round id")
		return 0, false
	}
	return id, true
}

// addressParam parses an address path value.
func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// requireCaller returns the signed caller or answers 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "signed request required")
		return common.Address{}, false
	}
	return caller, true
}

// decodeBody decodes a JSON body into dst and validates it. Failures are
// answered with 400.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}

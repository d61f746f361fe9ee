package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/units"
)

// AccountService defines custody balance operations.
type AccountService interface {
	Balance(ctx context.Context, account common.Address) (uint256.Int, error)
	Deposit(ctx context.Context, caller, account common.Address, amount uint256.Int) (uint256.Int, error)
}

// AccountHandler serves custody balance endpoints.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "accounts")}
}

// GetBalance returns an account's custody balance.
// GET /api/accounts/{addr}
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r, "addr")
	if !ok {
		return
	}
	bal, err := h.accounts.Balance(r.Context(), addr)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": addr.Hex(), "balance": newAmount(bal)})
}

// Deposit credits an account. Owner only.
// POST /api/accounts/{addr}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	addr, ok := addressParam(w, r, "addr")
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
	bal, err := h.accounts.Deposit(r.Context(), caller, addr, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": addr.Hex(), "balance": newAmount(bal)})
}

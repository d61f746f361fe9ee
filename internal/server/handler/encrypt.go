package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// Encryptor produces confidential inputs bound to an owner.
type Encryptor interface {
	Encrypt(owner common.Address, price uint64) (domain.EncryptedInput, error)
}

// EncryptHandler exposes an in-process encryptor for dev deployments that
// have no client-side confidential-compute SDK.
type EncryptHandler struct {
	enc    Encryptor
	logger *slog.Logger
}

// NewEncryptHandler creates an EncryptHandler.
func NewEncryptHandler(enc Encryptor, logger *slog.Logger) *EncryptHandler {
	return &EncryptHandler{enc: enc, logger: logHandler(logger, "encrypt")}
}

type encryptRequest struct {
	Price *uint64 `json:"price" validate:"required"`
}

// Encrypt returns a handle and input proof for the caller's price.
// POST /api/encrypt
func (h *EncryptHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req encryptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := h.enc.Encrypt(caller, *req.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "encrypt", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"handle":      in.Handle.Hex(),
		"input_proof": hexutil.Encode(in.Proof),
	})
}

package handler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/units"
)

// amountJSON renders an amount in wei and ether.
type amountJSON struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func newAmount(v uint256.Int) amountJSON {
	return amountJSON{Wei: v.Dec(), Ether: units.FormatEther(v)}
}

type summaryJSON struct {
	ID                      uint64             `json:"id"`
	Name                    string             `json:"name"`
	Creator                 string             `json:"creator"`
	TargetTime              time.Time          `json:"target_time"`
	Status                  domain.RoundStatus `json:"status"`
	Tolerance               uint64             `json:"tolerance"`
	SettlementPrice         uint64             `json:"settlement_price"`
	TotalPool               amountJSON         `json:"total_pool"`
	ParticipantCount        uint64             `json:"participant_count"`
	WinnerCount             uint64             `json:"winner_count"`
	PredictingEndsInSeconds int64              `json:"predicting_ends_in_seconds"`
	RoundEndsInSeconds      int64              `json:"round_ends_in_seconds"`
}

func newSummary(s domain.RoundSummary) summaryJSON {
	return summaryJSON{
		ID:                      s.ID,
		Name:                    s.Name,
		Creator:                 s.Creator.Hex(),
		TargetTime:              s.TargetTime,
		Status:                  s.Status,
		Tolerance:               s.Tolerance,
		SettlementPrice:         s.SettlementPrice,
		TotalPool:               newAmount(s.TotalPool),
		ParticipantCount:        s.ParticipantCount,
		WinnerCount:             s.WinnerCount,
		PredictingEndsInSeconds: int64(s.PredictingEndsIn / time.Second),
		RoundEndsInSeconds:      int64(s.RoundEndsIn / time.Second),
	}
}

type stakeJSON struct {
	Participant string     `json:"participant"`
	Stake       amountJSON `json:"stake"`
}

// Request bodies.

type createRoundRequest struct {
	Name       string    `json:"name" validate:"required,max=128"`
	TargetTime time.Time `json:"target_time" validate:"required"`
	Tolerance  uint64    `json:"tolerance"`
}

type submitPredictionRequest struct {
	Handle     string `json:"handle" validate:"required,handle"`
	InputProof string `json:"input_proof" validate:"required,hexbytes,gt=2"`
	Stake      string `json:"stake" validate:"required,ether"`
}

type updatePredictionRequest struct {
	Handle     string `json:"handle" validate:"required,handle"`
	InputProof string `json:"input_proof" validate:"required,hexbytes,gt=2"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,ether"`
}

type settleRequest struct {
	Price *uint64 `json:"price"`
}

type verifyRequest struct {
	Handles         []string `json:"handles" validate:"dive,handle"`
	ClearValues     string   `json:"clear_values" validate:"required,hexbytes"`
	DecryptionProof string   `json:"decryption_proof" validate:"required,hexbytes,gt=2"`
}

func parseHandles(in []string) []common.Hash {
	out := make([]common.Hash, len(in))
	for i, h := range in {
		out[i] = common.HexToHash(h)
	}
	return out
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type roundJSON struct {
	ID                uint64        `json:"id"`
	Name              string        `json:"name"`
	Creator           string        `json:"creator"`
	TargetTime        time.Time     `json:"target_time"`
	Tolerance         uint64        `json:"tolerance"`
	CreatedAt         time.Time     `json:"created_at"`
	TotalPool         string        `json:"total_pool_wei"`
	ParticipantCount  uint64        `json:"participant_count"`
	WinnerCount       uint64        `json:"winner_count"`
	WinningStakeTotal string        `json:"winning_stake_total_wei"`
	ClaimedTotal      string        `json:"claimed_total_wei"`
	SettlementPrice   uint64        `json:"settlement_price"`
	Settled           bool          `json:"settled"`
	Revealed          bool          `json:"revealed"`
	Verified          bool          `json:"verified"`
	Swept             bool          `json:"swept"`
	SettledAt         *time.Time    `json:"settled_at,omitempty"`
	RevealedAt        *time.Time    `json:"revealed_at,omitempty"`
	VerifiedAt        *time.Time    `json:"verified_at,omitempty"`
	RevealedHandles   []common.Hash `json:"revealed_handles,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromOptTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func parseWei(field, s string) (uint256.Int, error) {
	if s == "" {
		return uint256.Int{}, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return *v, nil
}

// MarshalJSON renders amounts as decimal wei strings and omits unset
// timestamps.
func (r Round) MarshalJSON() ([]byte, error) {
	return json.Marshal(roundJSON{
		ID:                r.ID,
		Name:              r.Name,
		Creator:           r.Creator.Hex(),
		TargetTime:        r.TargetTime,
		Tolerance:         r.Tolerance,
		CreatedAt:         r.CreatedAt,
		TotalPool:         r.TotalPool.Dec(),
		ParticipantCount:  r.ParticipantCount,
		WinnerCount:       r.WinnerCount,
		WinningStakeTotal: r.WinningStakeTotal.Dec(),
		ClaimedTotal:      r.ClaimedTotal.Dec(),
		SettlementPrice:   r.SettlementPrice,
		Settled:           r.Settled,
		Revealed:          r.Revealed,
		Verified:          r.Verified,
		Swept:             r.Swept,
		SettledAt:         optTime(r.SettledAt),
		RevealedAt:        optTime(r.RevealedAt),
		VerifiedAt:        optTime(r.VerifiedAt),
		RevealedHandles:   r.RevealedHandles,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Round) UnmarshalJSON(data []byte) error {
	var raw roundJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pool, err := parseWei("total pool", raw.TotalPool)
	if err != nil {
		return err
	}
	winning, err := parseWei("winning stake total", raw.WinningStakeTotal)
	if err != nil {
		return err
	}
	claimed, err := parseWei("claimed total", raw.ClaimedTotal)
	if err != nil {
		return err
	}
	*r = Round{
		ID:                raw.ID,
		Name:              raw.Name,
		Creator:           common.HexToAddress(raw.Creator),
		TargetTime:        raw.TargetTime,
		Tolerance:         raw.Tolerance,
		CreatedAt:         raw.CreatedAt,
		TotalPool:         pool,
		ParticipantCount:  raw.ParticipantCount,
		WinnerCount:       raw.WinnerCount,
		WinningStakeTotal: winning,
		ClaimedTotal:      claimed,
		SettlementPrice:   raw.SettlementPrice,
		Settled:           raw.Settled,
		Revealed:          raw.Revealed,
		Verified:          raw.Verified,
		Swept:             raw.Swept,
		SettledAt:         fromOptTime(raw.SettledAt),
		RevealedAt:        fromOptTime(raw.RevealedAt),
		VerifiedAt:        fromOptTime(raw.VerifiedAt),
		RevealedHandles:   raw.RevealedHandles,
	}
	return nil
}

type predictionJSON struct {
	RoundID     uint64      `json:"round_id"`
	Participant string      `json:"participant"`
	Stake       string      `json:"stake_wei"`
	Active      bool        `json:"active"`
	Revealed    bool        `json:"revealed"`
	Verified    bool        `json:"verified"`
	Claimed     bool        `json:"claimed"`
	PriceHandle common.Hash `json:"price_handle"`
	JoinIndex   uint64      `json:"join_index"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
}

// MarshalJSON renders the prediction without its input proof. The price
// handle is opaque and safe to publish.
func (p Prediction) MarshalJSON() ([]byte, error) {
	return json.Marshal(predictionJSON{
		RoundID:     p.RoundID,
		Participant: p.Participant.Hex(),
		Stake:       p.Stake.Dec(),
		Active:      p.Active,
		Revealed:    p.Revealed,
		Verified:    p.Verified,
		Claimed:     p.Claimed,
		PriceHandle: p.PriceHandle,
		JoinIndex:   p.JoinIndex,
		SubmittedAt: optTime(p.SubmittedAt),
		UpdatedAt:   optTime(p.UpdatedAt),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Prediction) UnmarshalJSON(data []byte) error {
	var raw predictionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	stake, err := parseWei("stake", raw.Stake)
	if err != nil {
		return err
	}
	*p = Prediction{
		RoundID:     raw.RoundID,
		Participant: common.HexToAddress(raw.Participant),
		Stake:       stake,
		Active:      raw.Active,
		Revealed:    raw.Revealed,
		Verified:    raw.Verified,
		Claimed:     raw.Claimed,
		PriceHandle: raw.PriceHandle,
		JoinIndex:   raw.JoinIndex,
		SubmittedAt: fromOptTime(raw.SubmittedAt),
		UpdatedAt:   fromOptTime(raw.UpdatedAt),
	}
	return nil
}

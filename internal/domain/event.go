package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType names a ledger event.
type EventType string

const (
	EventRoundCreated        EventType = "RoundCreated"
	EventPredictionSubmitted EventType = "PredictionSubmitted"
	EventPredictionUpdated   EventType = "PredictionUpdated"
	EventStakeAdded          EventType = "StakeAdded"
	EventPredictionWithdrawn EventType = "PredictionWithdrawn"
	EventRoundSettled        EventType = "RoundSettled"
	EventBatchRevealed       EventType = "BatchRevealed"
	EventRoundVerified       EventType = "RoundVerified"
	EventRewardClaimed       EventType = "RewardClaimed"
	EventRoundSwept          EventType = "RoundSwept"
	EventDeposited           EventType = "Deposited"
)

// Event is an append-only ledger record emitted in the same atomic unit as
// the state change it describes. Seq is assigned by the ledger.
type Event struct {
	Seq         uint64
	ID          string
	Type        EventType
	RoundID     uint64
	Account     common.Address
	Amount      uint256.Int
	Price       uint64
	WinnerCount uint64
	Handles     []common.Hash
	CreatedAt   time.Time
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	if e.Handles != nil {
		handles := make([]common.Hash, len(e.Handles))
		copy(handles, e.Handles)
		e.Handles = handles
	}
	return e
}

type eventJSON struct {
	Seq         uint64        `json:"seq"`
	ID          string        `json:"id"`
	Type        EventType     `json:"type"`
	RoundID     uint64        `json:"round_id"`
	Account     string        `json:"account"`
	Amount      string        `json:"amount_wei"`
	Price       uint64        `json:"price,omitempty"`
	WinnerCount uint64        `json:"winner_count,omitempty"`
	Handles     []common.Hash `json:"handles,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// MarshalJSON renders amounts as decimal wei strings.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Seq:         e.Seq,
		ID:          e.ID,
		Type:        e.Type,
		RoundID:     e.RoundID,
		Account:     e.Account.Hex(),
		Amount:      e.Amount.Dec(),
		Price:       e.Price,
		WinnerCount: e.WinnerCount,
		Handles:     e.Handles,
		CreatedAt:   e.CreatedAt,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, err := uint256.FromDecimal(raw.Amount)
	if err != nil {
		return fmt.Errorf("event amount %q: %w", raw.Amount, err)
	}
	*e = Event{
		Seq:         raw.Seq,
		ID:          raw.ID,
		Type:        raw.Type,
		RoundID:     raw.RoundID,
		Account:     common.HexToAddress(raw.Account),
		Amount:      *amount,
		Price:       raw.Price,
		WinnerCount: raw.WinnerCount,
		Handles:     raw.Handles,
		CreatedAt:   raw.CreatedAt,
	}
	return nil
}

package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RoundStatus is the derived lifecycle phase of a round. It is never stored;
// see Params.StatusAt.
type RoundStatus uint8

const (
	RoundStatusPredicting RoundStatus = iota
	RoundStatusLocked
	RoundStatusSettling
	RoundStatusRevealed
	RoundStatusDistributing
	RoundStatusFinished
)

var roundStatusNames = [...]string{
	RoundStatusPredicting:   "predicting",
	RoundStatusLocked:       "locked",
	RoundStatusSettling:     "settling",
	RoundStatusRevealed:     "revealed",
	RoundStatusDistributing: "distributing",
	RoundStatusFinished:     "finished",
}

func (s RoundStatus) String() string {
	if int(s) < len(roundStatusNames) {
		return roundStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText renders the status by name in JSON payloads.
func (s RoundStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Round is one instance of the prediction market.
//
// Settled, Revealed and Verified are monotone one-shot flags: each can only
// be set once the previous one is set, and none is ever cleared.
type Round struct {
	ID         uint64
	Name       string
	Creator    common.Address
	TargetTime time.Time
	Tolerance  uint64
	CreatedAt  time.Time

	TotalPool         uint256.Int
	ParticipantCount  uint64
	WinnerCount       uint64
	WinningStakeTotal uint256.Int
	ClaimedTotal      uint256.Int

	SettlementPrice uint64
	Settled         bool
	Revealed        bool
	Verified        bool
	Swept           bool
	SettledAt       time.Time
	RevealedAt      time.Time
	VerifiedAt      time.Time

	// RevealedHandles is the ordered batch submitted for public decryption.
	// VerifyAll only accepts a proof over exactly this batch.
	RevealedHandles []common.Hash
}

// Clone returns a deep copy of r.
func (r Round) Clone() Round {
	if r.RevealedHandles != nil {
		handles := make([]common.Hash, len(r.RevealedHandles))
		copy(handles, r.RevealedHandles)
		r.RevealedHandles = handles
	}
	return r
}

// Prediction is a participant's confidential price guess and its backing
// stake within a round. At most one exists per (round, participant).
type Prediction struct {
	RoundID     uint64
	Participant common.Address
	Stake       uint256.Int
	Active      bool
	Revealed    bool
	Verified    bool
	Claimed     bool
	PriceHandle common.Hash
	InputProof  []byte

	// JoinIndex is the position of the participant in the round's
	// append-only participant list.
	JoinIndex   uint64
	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// HasCiphertext reports whether the prediction carries a real handle rather
// than the all-zero sentinel.
func (p Prediction) HasCiphertext() bool {
	return p.PriceHandle != (common.Hash{})
}

// Clone returns a deep copy of p.
func (p Prediction) Clone() Prediction {
	if p.InputProof != nil {
		proof := make([]byte, len(p.InputProof))
		copy(proof, p.InputProof)
		p.InputProof = proof
	}
	return p
}

// RoundSummary is the read model served to clients.
type RoundSummary struct {
	ID               uint64
	Name             string
	Creator          common.Address
	TargetTime       time.Time
	Status           RoundStatus
	Tolerance        uint64
	SettlementPrice  uint64
	TotalPool        uint256.Int
	ParticipantCount uint64
	WinnerCount      uint64
	PredictingEndsIn time.Duration
	RoundEndsIn      time.Duration
}

// StakeEntry pairs a participant with its current stake, in join order.
type StakeEntry struct {
	Participant common.Address
	Stake       uint256.Int
}

// RevealBatch is the auditable record produced by RevealAll.
type RevealBatch struct {
	RoundID uint64
	Handles []common.Hash
	At      time.Time
}

// VerifyOutcome is the result of a successful VerifyAll.
type VerifyOutcome struct {
	RoundID           uint64
	SettlementPrice   uint64
	WinnerCount       uint64
	WinningStakeTotal uint256.Int
	Winners           []common.Address
	At                time.Time
}

package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// Protocol constants.
const (
	PredictWindow = 48 * time.Hour
	RoundWindow   = 72 * time.Hour
	ClaimPeriod   = 7 * 24 * time.Hour
)

// MinStakeWei is the default minimum stake: 0.001 ether.
const MinStakeWei uint64 = 1_000_000_000_000_000

// Params carries the timing and stake parameters of a deployment. The zero
// value is not usable; start from DefaultParams.
type Params struct {
	MinStake      uint256.Int
	PredictWindow time.Duration
	RoundWindow   time.Duration
	ClaimPeriod   time.Duration
}

// DefaultParams returns the protocol constants.
func DefaultParams() Params {
	return Params{
		MinStake:      *uint256.NewInt(MinStakeWei),
		PredictWindow: PredictWindow,
		RoundWindow:   RoundWindow,
		ClaimPeriod:   ClaimPeriod,
	}
}

// PredictingEndsAt is the instant the predicting window closes.
func (p Params) PredictingEndsAt(r Round) time.Time {
	return r.CreatedAt.Add(p.PredictWindow)
}

// RoundEndsAt is the instant the round becomes eligible for settlement.
func (p Params) RoundEndsAt(r Round) time.Time {
	return r.CreatedAt.Add(p.RoundWindow)
}

// ClaimDeadline is the first instant at which claims are rejected. It is the
// zero time for unverified rounds.
func (p Params) ClaimDeadline(r Round) time.Time {
	if !r.Verified {
		return time.Time{}
	}
	return r.VerifiedAt.Add(p.ClaimPeriod)
}

// StatusAt derives the round's phase from its flags and the elapsed time. A
// settled round that has not been revealed still reports Settling.
func (p Params) StatusAt(r Round, now time.Time) RoundStatus {
	switch {
	case r.Verified:
		if now.Before(p.ClaimDeadline(r)) {
			return RoundStatusDistributing
		}
		return RoundStatusFinished
	case r.Revealed:
		return RoundStatusRevealed
	case r.Settled:
		return RoundStatusSettling
	case now.Before(p.PredictingEndsAt(r)):
		return RoundStatusPredicting
	case now.Before(p.RoundEndsAt(r)):
		return RoundStatusLocked
	default:
		return RoundStatusSettling
	}
}

// PredictingEndsIn returns the time left in the predicting window, or zero.
func (p Params) PredictingEndsIn(r Round, now time.Time) time.Duration {
	return remaining(p.PredictingEndsAt(r), now)
}

// RoundEndsIn returns the time left until settlement is allowed, or zero.
func (p Params) RoundEndsIn(r Round, now time.Time) time.Duration {
	return remaining(p.RoundEndsAt(r), now)
}

// Summarize builds the client read model for r at now.
func (p Params) Summarize(r Round, now time.Time) RoundSummary {
	return RoundSummary{
		ID:               r.ID,
		Name:             r.Name,
		Creator:          r.Creator,
		TargetTime:       r.TargetTime,
		Status:           p.StatusAt(r, now),
		Tolerance:        r.Tolerance,
		SettlementPrice:  r.SettlementPrice,
		TotalPool:        r.TotalPool,
		ParticipantCount: r.ParticipantCount,
		WinnerCount:      r.WinnerCount,
		PredictingEndsIn: p.PredictingEndsIn(r, now),
		RoundEndsIn:      p.RoundEndsIn(r, now),
	}
}

func remaining(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// ClaimService computes rewards, pays winners and sweeps unclaimed pools.
type ClaimService struct {
	env    *Env
	logger *slog.Logger
}

// NewClaimService creates a ClaimService.
func NewClaimService(env *Env) *ClaimService {
	return &ClaimService{
		env:    env,
		logger: env.logger().With(slog.String("component", "claim_service")),
	}
}

// Reward returns what participant would receive from the round's pool. It is
// zero for losers, inactive predictions and unverified rounds.
func (s *ClaimService) Reward(ctx context.Context, roundID uint64, participant common.Address) (uint256.Int, error) {
	var reward uint256.Int
	err := s.env.view(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		reward = domain.Reward(r, p)
		return nil
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("claim_service: reward: %w", err)
	}
	return reward, nil
}

// CanClaim reports whether Claim would currently succeed for participant.
func (s *ClaimService) CanClaim(ctx context.Context, roundID uint64, participant common.Address) (bool, error) {
	var ok bool
	err := s.env.view(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		ok = s.checkClaim(r, p, u) == nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim_service: can claim: %w", err)
	}
	return ok, nil
}

func (s *ClaimService) checkClaim(r domain.Round, p domain.Prediction, u *unit) error {
	if !r.Verified {
		return fmt.Errorf("%w: round %d is not verified", domain.ErrNotWinner, r.ID)
	}
	if !p.Active || !p.Verified {
		return domain.ErrNotWinner
	}
	if p.Claimed {
		return domain.ErrAlreadyClaimed
	}
	if !u.now.Before(s.env.Params.ClaimDeadline(r)) {
		return domain.ErrClaimExpired
	}
	return nil
}

// Claim pays participant's reward into their custody balance. The claimed
// flag is set before the payout is credited, and a claim succeeds at most
// once.
func (s *ClaimService) Claim(ctx context.Context, roundID uint64, participant common.Address) (uint256.Int, error) {
	var reward uint256.Int
	err := s.env.update(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		if err := s.checkClaim(r, p, u); err != nil {
			return err
		}

		reward = domain.Reward(r, p)
		p.Claimed = true
		p.UpdatedAt = u.now
		if _, err := u.tx.PutPrediction(u.ctx, p); err != nil {
			return err
		}
		r.ClaimedTotal.Add(&r.ClaimedTotal, &reward)
		if r.ClaimedTotal.Gt(&r.TotalPool) {
			return fmt.Errorf("claim_service: payouts %s exceed pool %s", r.ClaimedTotal.Dec(), r.TotalPool.Dec())
		}
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}

		if err := u.credit(participant, reward); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventRewardClaimed, RoundID: roundID, Account: participant, Amount: reward})
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("claim_service: claim: %w", err)
	}

	s.logger.InfoContext(ctx, "claim_service: reward claimed",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
		slog.String("reward_wei", reward.Dec()),
	)
	return reward, nil
}

// Sweep moves the unclaimed part of a pool to the owner's balance. It is
// allowed once the claim period is over, or right after verification when
// the round has no winners. Owner only; at most once per round.
func (s *ClaimService) Sweep(ctx context.Context, caller common.Address, roundID uint64) (uint256.Int, error) {
	if caller != s.env.Owner {
		return uint256.Int{}, fmt.Errorf("claim_service: sweep: %w", domain.ErrNotOwner)
	}

	var amount uint256.Int
	err := s.env.update(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		if r.Swept {
			return domain.ErrAlreadySwept
		}
		if !s.Sweepable(r, u.now) {
			return fmt.Errorf("%w: round %d is %s", domain.ErrSweepNotAllowed, roundID, s.env.Params.StatusAt(r, u.now))
		}

		amount = domain.Unclaimed(r)
		r.Swept = true
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}
		if err := u.credit(caller, amount); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventRoundSwept, RoundID: roundID, Account: caller, Amount: amount})
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("claim_service: sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "claim_service: pool swept",
		slog.Uint64("round_id", roundID),
		slog.String("amount_wei", amount.Dec()),
	)
	return amount, nil
}

// Sweepable reports whether r's pool may be swept at now.
func (s *ClaimService) Sweepable(r domain.Round, now time.Time) bool {
	if !r.Verified || r.Swept {
		return false
	}
	return r.WinnerCount == 0 || s.env.Params.StatusAt(r, now) == domain.RoundStatusFinished
}

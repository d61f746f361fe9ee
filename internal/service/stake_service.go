package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// StakeService is the stake manager: it opens, changes and withdraws
// predictions while a round is in its predicting window, and keeps
// Round.TotalPool equal to the sum of active stakes.
type StakeService struct {
	env    *Env
	inputs domain.InputVerifier
	logger *slog.Logger
}

// NewStakeService creates a StakeService. inputs checks that every submitted
// ciphertext was encrypted by the participant submitting it.
func NewStakeService(env *Env, inputs domain.InputVerifier) *StakeService {
	return &StakeService{
		env:    env,
		inputs: inputs,
		logger: env.logger().With(slog.String("component", "stake_service")),
	}
}

// predictingRound loads the round and requires the predicting phase.
func (s *StakeService) predictingRound(u *unit, roundID uint64) (domain.Round, error) {
	r, err := u.round(roundID)
	if err != nil {
		return domain.Round{}, err
	}
	if st := s.env.Params.StatusAt(r, u.now); st != domain.RoundStatusPredicting {
		return domain.Round{}, fmt.Errorf("%w: round %d is %s", domain.ErrRoundNotPredicting, roundID, st)
	}
	return r, nil
}

// checkInput rejects malformed inputs and inputs whose proof is not bound to
// participant. It runs before the ledger unit opens.
func (s *StakeService) checkInput(participant common.Address, in domain.EncryptedInput) error {
	if in.Handle == (common.Hash{}) {
		return fmt.Errorf("%w: zero handle", domain.ErrInvalidHandle)
	}
	if len(in.Proof) == 0 {
		return fmt.Errorf("%w: empty input proof", domain.ErrInvalidHandle)
	}
	if err := s.inputs.VerifyInput(participant, in); err != nil {
		if errors.Is(err, domain.ErrInvalidInputProof) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidInputProof, err)
	}
	return nil
}

// Submit opens a prediction backed by stake, moving the stake from the
// participant's custody balance into the pool.
func (s *StakeService) Submit(ctx context.Context, roundID uint64, participant common.Address, in domain.EncryptedInput, stake uint256.Int) (domain.Prediction, error) {
	if err := s.checkInput(participant, in); err != nil {
		return domain.Prediction{}, fmt.Errorf("stake_service: submit: %w", err)
	}
	var out domain.Prediction
	err := s.env.update(ctx, func(u *unit) error {
		r, err := s.predictingRound(u, roundID)
		if err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		if p.Active {
			return domain.ErrAlreadyPredicted
		}
		if stake.Lt(&s.env.Params.MinStake) {
			return fmt.Errorf("%w: stake %s below minimum %s", domain.ErrInvalidAmount, stake.Dec(), s.env.Params.MinStake.Dec())
		}
		if err := u.debit(participant, stake); err != nil {
			return err
		}

		p.Active = true
		p.Stake = stake
		p.PriceHandle = in.Handle
		p.InputProof = append([]byte(nil), in.Proof...)
		p.Revealed, p.Verified, p.Claimed = false, false, false
		p.SubmittedAt = u.now
		p.UpdatedAt = u.now
		if out, err = u.tx.PutPrediction(u.ctx, p); err != nil {
			return err
		}

		r.TotalPool.Add(&r.TotalPool, &stake)
		r.ParticipantCount++
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventPredictionSubmitted, RoundID: roundID, Account: participant, Amount: stake})
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("stake_service: submit: %w", err)
	}

	s.logger.InfoContext(ctx, "stake_service: prediction submitted",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
		slog.String("stake_wei", stake.Dec()),
	)
	return out, nil
}

// Update replaces the encrypted price of an active prediction. The stake is
// untouched.
func (s *StakeService) Update(ctx context.Context, roundID uint64, participant common.Address, in domain.EncryptedInput) (domain.Prediction, error) {
	if err := s.checkInput(participant, in); err != nil {
		return domain.Prediction{}, fmt.Errorf("stake_service: update: %w", err)
	}
	var out domain.Prediction
	err := s.env.update(ctx, func(u *unit) error {
		if _, err := s.predictingRound(u, roundID); err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		if !p.Active {
			return domain.ErrNoPrediction
		}
		p.PriceHandle = in.Handle
		p.InputProof = append([]byte(nil), in.Proof...)
		p.UpdatedAt = u.now
		if out, err = u.tx.PutPrediction(u.ctx, p); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventPredictionUpdated, RoundID: roundID, Account: participant})
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("stake_service: update: %w", err)
	}

	s.logger.InfoContext(ctx, "stake_service: prediction updated",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
	)
	return out, nil
}

// AddStake increases the stake of an active prediction.
func (s *StakeService) AddStake(ctx context.Context, roundID uint64, participant common.Address, amount uint256.Int) (domain.Prediction, error) {
	var out domain.Prediction
	err := s.env.update(ctx, func(u *unit) error {
		r, err := s.predictingRound(u, roundID)
		if err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		if !p.Active {
			return domain.ErrNoPrediction
		}
		if amount.IsZero() {
			return fmt.Errorf("%w: zero amount", domain.ErrInvalidAmount)
		}
		if err := u.debit(participant, amount); err != nil {
			return err
		}

		p.Stake.Add(&p.Stake, &amount)
		p.UpdatedAt = u.now
		if out, err = u.tx.PutPrediction(u.ctx, p); err != nil {
			return err
		}
		r.TotalPool.Add(&r.TotalPool, &amount)
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventStakeAdded, RoundID: roundID, Account: participant, Amount: amount})
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("stake_service: add stake: %w", err)
	}

	s.logger.InfoContext(ctx, "stake_service: stake added",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
		slog.String("amount_wei", amount.Dec()),
	)
	return out, nil
}

// Withdraw retracts an active prediction and refunds its full stake. The
// prediction is deactivated and the pool reduced before the refund is
// credited.
func (s *StakeService) Withdraw(ctx context.Context, roundID uint64, participant common.Address) (uint256.Int, error) {
	var refund uint256.Int
	err := s.env.update(ctx, func(u *unit) error {
		r, err := s.predictingRound(u, roundID)
		if err != nil {
			return err
		}
		p, _, err := u.prediction(roundID, participant)
		if err != nil {
			return err
		}
		if !p.Active {
			return domain.ErrNoPrediction
		}

		refund = p.Stake
		p.Active = false
		p.Stake.Clear()
		p.PriceHandle = common.Hash{}
		p.InputProof = nil
		p.UpdatedAt = u.now
		if _, err := u.tx.PutPrediction(u.ctx, p); err != nil {
			return err
		}
		r.TotalPool.Sub(&r.TotalPool, &refund)
		r.ParticipantCount--
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}

		if err := u.credit(participant, refund); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventPredictionWithdrawn, RoundID: roundID, Account: participant, Amount: refund})
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("stake_service: withdraw: %w", err)
	}

	s.logger.InfoContext(ctx, "stake_service: prediction withdrawn",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
		slog.String("refund_wei", refund.Dec()),
	)
	return refund, nil
}

// Prediction returns the participant's prediction. A participant who never
// predicted gets an inactive zero-valued prediction.
func (s *StakeService) Prediction(ctx context.Context, roundID uint64, participant common.Address) (domain.Prediction, error) {
	var p domain.Prediction
	err := s.env.view(ctx, func(u *unit) error {
		if _, err := u.round(roundID); err != nil {
			return err
		}
		var err error
		p, _, err = u.prediction(roundID, participant)
		return err
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("stake_service: get prediction: %w", err)
	}
	return p, nil
}

// Handle returns the caller's own ciphertext handle.
func (s *StakeService) Handle(ctx context.Context, roundID uint64, caller common.Address) (common.Hash, error) {
	p, err := s.Prediction(ctx, roundID, caller)
	if err != nil {
		return common.Hash{}, err
	}
	if !p.Active {
		return common.Hash{}, fmt.Errorf("stake_service: handle: %w", domain.ErrNoPrediction)
	}
	return p.PriceHandle, nil
}

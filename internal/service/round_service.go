package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// RoundService creates rounds and answers round, account and event queries.
type RoundService struct {
	env    *Env
	cache  domain.RoundCache
	logger *slog.Logger
}

// NewRoundService creates a RoundService. cache may be nil.
func NewRoundService(env *Env, cache domain.RoundCache) *RoundService {
	return &RoundService{
		env:    env,
		cache:  cache,
		logger: env.logger().With(slog.String("component", "round_service")),
	}
}

// Params returns the timing and stake constants.
func (s *RoundService) Params() domain.Params {
	return s.env.Params
}

// CreateRound opens a new round. Only the owner may create rounds, and the
// target time must fall between the end of the predicting window and the end
// of the round.
func (s *RoundService) CreateRound(ctx context.Context, caller common.Address, name string, targetTime time.Time, tolerance uint64) (domain.Round, error) {
	if caller != s.env.Owner {
		return domain.Round{}, fmt.Errorf("round_service: create round: %w", domain.ErrNotOwner)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Round{}, fmt.Errorf("round_service: create round: %w", domain.ErrInvalidName)
	}
	if tolerance == 0 {
		return domain.Round{}, fmt.Errorf("round_service: create round: %w", domain.ErrInvalidTolerance)
	}

	var created domain.Round
	err := s.env.update(ctx, func(u *unit) error {
		earliest := u.now.Add(s.env.Params.PredictWindow)
		latest := u.now.Add(s.env.Params.RoundWindow)
		if targetTime.Before(earliest) || targetTime.After(latest) {
			return fmt.Errorf("%w: %s not in [%s, %s]", domain.ErrInvalidTargetTime,
				targetTime.UTC().Format(time.RFC3339), earliest.UTC().Format(time.RFC3339), latest.UTC().Format(time.RFC3339))
		}
		r, err := u.tx.InsertRound(u.ctx, domain.Round{
			Name:       name,
			Creator:    caller,
			TargetTime: targetTime,
			Tolerance:  tolerance,
			CreatedAt:  u.now,
		})
		if err != nil {
			return err
		}
		created = r
		return u.emit(domain.Event{Type: domain.EventRoundCreated, RoundID: r.ID, Account: caller})
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: create round: %w", err)
	}

	s.logger.InfoContext(ctx, "round_service: round created",
		slog.Uint64("round_id", created.ID),
		slog.String("name", created.Name),
		slog.Uint64("tolerance", created.Tolerance),
		slog.Time("target_time", created.TargetTime),
	)
	return created, nil
}

// Round returns the stored round, preferring the cache.
func (s *RoundService) Round(ctx context.Context, id uint64) (domain.Round, error) {
	if s.cache == nil {
		return s.LoadRound(ctx, id)
	}
	if r, err := s.cache.Get(ctx, id); err == nil {
		return r, nil
	}

	// The generation is read before the ledger so that a commit landing in
	// between makes Set a no-op instead of caching the older round.
	gen, genErr := s.cache.Generation(ctx, id)
	r, err := s.LoadRound(ctx, id)
	if err != nil {
		return domain.Round{}, err
	}
	if genErr == nil {
		genErr = s.cache.Set(ctx, r, gen)
	}
	if genErr != nil {
		s.logger.WarnContext(ctx, "round_service: cache set failed",
			slog.Uint64("round_id", id),
			slog.String("error", genErr.Error()),
		)
	}
	return r, nil
}

// LoadRound reads the round from the ledger, bypassing the cache.
func (s *RoundService) LoadRound(ctx context.Context, id uint64) (domain.Round, error) {
	var r domain.Round
	err := s.env.view(ctx, func(u *unit) error {
		var err error
		r, err = u.round(id)
		return err
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round_service: get round %d: %w", id, err)
	}
	return r, nil
}

// Summary returns the client read model with status derived at call time.
func (s *RoundService) Summary(ctx context.Context, id uint64) (domain.RoundSummary, error) {
	r, err := s.Round(ctx, id)
	if err != nil {
		return domain.RoundSummary{}, err
	}
	return s.env.Params.Summarize(r, s.env.now()), nil
}

// Status returns the round's current phase.
func (s *RoundService) Status(ctx context.Context, id uint64) (domain.RoundStatus, error) {
	r, err := s.Round(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.env.Params.StatusAt(r, s.env.now()), nil
}

// TimeRemaining returns the time left in the predicting window and until the
// round ends, both clamped at zero.
func (s *RoundService) TimeRemaining(ctx context.Context, id uint64) (predicting, round time.Duration, err error) {
	r, err := s.Round(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	now := s.env.now()
	return s.env.Params.PredictingEndsIn(r, now), s.env.Params.RoundEndsIn(r, now), nil
}

// RoundCount returns the number of rounds ever created.
func (s *RoundService) RoundCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.env.view(ctx, func(u *unit) error {
		var err error
		n, err = u.tx.RoundCount(u.ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("round_service: round count: %w", err)
	}
	return n, nil
}

// ListRounds returns round summaries in id order.
func (s *RoundService) ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.RoundSummary, error) {
	var rounds []domain.Round
	err := s.env.view(ctx, func(u *unit) error {
		var err error
		rounds, err = u.tx.ListRounds(u.ctx, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("round_service: list rounds: %w", err)
	}
	now := s.env.now()
	out := make([]domain.RoundSummary, len(rounds))
	for i, r := range rounds {
		out[i] = s.env.Params.Summarize(r, now)
	}
	return out, nil
}

// Stakes returns every participant who ever joined the round with their
// current stake, in join order. Withdrawn participants report zero.
func (s *RoundService) Stakes(ctx context.Context, id uint64) ([]domain.StakeEntry, error) {
	var preds []domain.Prediction
	err := s.env.view(ctx, func(u *unit) error {
		if _, err := u.round(id); err != nil {
			return err
		}
		var err error
		preds, err = u.tx.ListPredictions(u.ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("round_service: stakes %d: %w", id, err)
	}
	out := make([]domain.StakeEntry, len(preds))
	for i, p := range preds {
		out[i] = domain.StakeEntry{Participant: p.Participant, Stake: p.Stake}
	}
	return out, nil
}

// Participants returns the round's participant list in join order.
func (s *RoundService) Participants(ctx context.Context, id uint64) ([]common.Address, error) {
	stakes, err := s.Stakes(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, len(stakes))
	for i, e := range stakes {
		out[i] = e.Participant
	}
	return out, nil
}

// Events returns the round's events in sequence order. A zero id lists the
// events of every round.
func (s *RoundService) Events(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Event, error) {
	var events []domain.Event
	err := s.env.view(ctx, func(u *unit) error {
		if id != 0 {
			if _, err := u.round(id); err != nil {
				return err
			}
		}
		var err error
		events, err = u.tx.ListEvents(u.ctx, id, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("round_service: events %d: %w", id, err)
	}
	return events, nil
}

// Deposit credits amount to account's custody balance. Owner only.
func (s *RoundService) Deposit(ctx context.Context, caller, account common.Address, amount uint256.Int) (uint256.Int, error) {
	if caller != s.env.Owner {
		return uint256.Int{}, fmt.Errorf("round_service: deposit: %w", domain.ErrNotOwner)
	}
	if amount.IsZero() {
		return uint256.Int{}, fmt.Errorf("round_service: deposit: %w", domain.ErrInvalidAmount)
	}

	var balance uint256.Int
	err := s.env.update(ctx, func(u *unit) error {
		if err := u.credit(account, amount); err != nil {
			return err
		}
		var err error
		if balance, err = u.tx.Balance(u.ctx, account); err != nil {
			return err
		}
		return u.emit(domain.Event{Type: domain.EventDeposited, Account: account, Amount: amount})
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("round_service: deposit: %w", err)
	}

	s.logger.InfoContext(ctx, "round_service: deposit credited",
		slog.String("account", account.Hex()),
		slog.String("amount_wei", amount.Dec()),
	)
	return balance, nil
}

// Balance returns account's custody balance.
func (s *RoundService) Balance(ctx context.Context, account common.Address) (uint256.Int, error) {
	var bal uint256.Int
	err := s.env.view(ctx, func(u *unit) error {
		var err error
		bal, err = u.tx.Balance(u.ctx, account)
		return err
	})
	if err != nil {
		return uint256.Int{}, fmt.Errorf("round_service: balance: %w", err)
	}
	return bal, nil
}

// Package keeper drives rounds through settlement on behalf of the owner:
// it settles ended rounds at the oracle price, reveals the batch, fetches
// the public decryption, verifies it, and optionally sweeps finished pools.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/service"
)

// Config controls the keeper's schedule.
type Config struct {
	Interval        time.Duration
	ArchiveInterval time.Duration
	// LockTTL bounds how long one replica may hold a round.
	LockTTL   time.Duration
	AutoSweep bool
}

// Alerter receives keeper failures.
type Alerter interface {
	Notify(ctx context.Context, kind, title, message string) error
}

// Deps are the keeper's collaborators. Oracle, Locks, Archiver and Alerter
// may be nil: without an oracle rounds are never settled automatically,
// without locks the keeper assumes it is the only replica.
type Deps struct {
	Owner      common.Address
	Rounds     *service.RoundService
	Settlement *service.SettlementService
	Claims     *service.ClaimService
	Decryptor  domain.Decryptor
	Oracle     domain.PriceOracle
	Locks      domain.LockManager
	Archiver   domain.Archiver
	Alerter    Alerter
	Clock      func() time.Time
}

// Action names one settlement step taken by the keeper.
type Action string

const (
	ActionSettle Action = "settle"
	ActionReveal Action = "reveal"
	ActionVerify Action = "verify"
	ActionSweep  Action = "sweep"
)

// alertKind matches notify.KindKeeperError.
const alertKind = "keeper_error"

// Keeper runs the settlement loop.
type Keeper struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	// done holds rounds that need no further work.
	done map[uint64]bool
}

// New creates a Keeper.
func New(cfg Config, deps Deps, logger *slog.Logger) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "keeper")),
		done:   make(map[uint64]bool),
	}
}

// LockKey is the distributed lock guarding one round.
func LockKey(roundID uint64) string {
	return "keeper:round:" + strconv.FormatUint(roundID, 10)
}

// Run ticks until ctx is done. Archival runs on its own schedule when an
// archiver is configured.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Info("keeper: starting",
		slog.Duration("interval", k.cfg.Interval),
		slog.Duration("archive_interval", k.cfg.ArchiveInterval),
		slog.Bool("auto_sweep", k.cfg.AutoSweep),
		slog.Bool("oracle", k.deps.Oracle != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, k.cfg.Interval, func() { k.Tick(ctx) })
	})
	if k.deps.Archiver != nil && k.cfg.ArchiveInterval > 0 {
		g.Go(func() error {
			return every(ctx, k.cfg.ArchiveInterval, func() { k.archive(ctx) })
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		k.logger.Info("keeper: stopped")
		return nil
	}
	return err
}

// every runs fn immediately and then on each tick of interval.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	fn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Tick advances every unfinished round as far as it can go and returns the
// actions taken. A failing round is reported and skipped.
func (k *Keeper) Tick(ctx context.Context) []Action {
	count, err := k.deps.Rounds.RoundCount(ctx)
	if err != nil {
		k.fail(ctx, 0, "list rounds", err)
		return nil
	}

	var actions []Action
	for id := uint64(1); id <= count; id++ {
		if ctx.Err() != nil {
			break
		}
		if k.done[id] {
			continue
		}
		taken, err := k.advanceLocked(ctx, id)
		actions = append(actions, taken...)
		if err != nil {
			k.fail(ctx, id, "advance round", err)
		}
	}
	return actions
}

func (k *Keeper) advanceLocked(ctx context.Context, id uint64) ([]Action, error) {
	if k.deps.Locks != nil {
		unlock, err := k.deps.Locks.Acquire(ctx, LockKey(id), k.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.DebugContext(ctx, "keeper: round held by another replica", slog.Uint64("round_id", id))
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		defer unlock()
	}
	return k.Advance(ctx, id)
}

// Advance performs every settlement step currently possible for the round.
func (k *Keeper) Advance(ctx context.Context, id uint64) ([]Action, error) {
	var actions []Action
	for {
		r, err := k.deps.Rounds.LoadRound(ctx, id)
		if err != nil {
			return actions, err
		}
		action, err := k.step(ctx, r)
		if err != nil {
			return actions, fmt.Errorf("%s: %w", action, err)
		}
		if action == "" {
			return actions, nil
		}
		actions = append(actions, action)
		k.logger.InfoContext(ctx, "keeper: step done",
			slog.Uint64("round_id", id),
			slog.String("action", string(action)),
		)
	}
}

// step takes the next settlement step for r, or returns an empty action when
// nothing is due.
func (k *Keeper) step(ctx context.Context, r domain.Round) (Action, error) {
	now := k.deps.Clock()
	params := k.deps.Rounds.Params()
	owner := k.deps.Owner

	switch {
	case !r.Settled:
		if k.deps.Oracle == nil || now.Before(params.RoundEndsAt(r)) {
			return "", nil
		}
		price, err := k.deps.Oracle.PriceAt(ctx, r)
		if err != nil {
			return ActionSettle, fmt.Errorf("oracle: %w", err)
		}
		_, err = k.deps.Settlement.Settle(ctx, owner, r.ID, price)
		return ActionSettle, err

	case !r.Revealed:
		_, err := k.deps.Settlement.RevealAll(ctx, owner, r.ID)
		return ActionReveal, err

	case !r.Verified:
		return ActionVerify, k.verify(ctx, r)

	case r.Swept:
		k.done[r.ID] = true
		return "", nil

	case k.deps.Claims.Sweepable(r, now):
		if !k.cfg.AutoSweep {
			k.done[r.ID] = true
			return "", nil
		}
		_, err := k.deps.Claims.Sweep(ctx, owner, r.ID)
		return ActionSweep, err
	}
	return "", nil
}

func (k *Keeper) verify(ctx context.Context, r domain.Round) error {
	handles := r.RevealedHandles
	var res domain.DecryptionResult
	if len(handles) > 0 {
		if k.deps.Decryptor == nil {
			return errors.New("no decryptor configured")
		}
		var err error
		res, err = k.deps.Decryptor.PublicDecrypt(ctx, handles)
		if err != nil {
			// The earlier request may have been lost; ask again for the next tick.
			if reqErr := k.deps.Settlement.RequestDecryption(ctx, r.ID); reqErr != nil {
				err = errors.Join(err, reqErr)
			}
			return fmt.Errorf("public decrypt: %w", err)
		}
	}
	_, err := k.deps.Settlement.VerifyAll(ctx, k.deps.Owner, r.ID, handles, res.ClearValuesEncoded, res.DecryptionProof)
	return err
}

func (k *Keeper) archive(ctx context.Context) {
	n, err := k.deps.Archiver.ArchiveRounds(ctx, k.deps.Clock())
	if err != nil {
		k.fail(ctx, 0, "archive rounds", err)
		return
	}
	if n > 0 {
		k.logger.InfoContext(ctx, "keeper: rounds archived", slog.Int64("count", n))
	}
}

func (k *Keeper) fail(ctx context.Context, roundID uint64, what string, err error) {
	if ctx.Err() != nil {
		return
	}
	k.logger.ErrorContext(ctx, "keeper: "+what+" failed",
		slog.Uint64("round_id", roundID),
		slog.String("error", err.Error()),
	)
	if k.deps.Alerter == nil {
		return
	}
	title := "Keeper error"
	if roundID != 0 {
		title = fmt.Sprintf("Keeper error on round %d", roundID)
	}
	if nerr := k.deps.Alerter.Notify(ctx, alertKind, title, what+": "+err.Error()); nerr != nil {
		k.logger.WarnContext(ctx, "keeper: alert failed", slog.String("error", nerr.Error()))
	}
}

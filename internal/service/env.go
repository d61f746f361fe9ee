// Package service implements the prediction market: rounds, the stake
// manager, the three-step settlement engine and reward claims. Every
// mutation is one atomic ledger unit; events appended inside the unit are
// broadcast only after it commits.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// Clock returns the current time.
type Clock func() time.Time

// Env bundles what every ledger-backed service needs.
type Env struct {
	Ledger domain.Ledger
	Params domain.Params
	// Owner may create rounds, settle any round, fund accounts and sweep.
	Owner  common.Address
	Clock  Clock
	Events *Broadcaster
	Logger *slog.Logger
}

func (e *Env) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock()
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// update runs fn as one atomic ledger unit and broadcasts the events it
// appended once the unit has committed.
func (e *Env) update(ctx context.Context, fn func(u *unit) error) error {
	now := e.now()
	var committed []domain.Event
	err := e.Ledger.Update(ctx, func(tx domain.LedgerTx) error {
		u := &unit{ctx: ctx, tx: tx, now: now}
		if err := fn(u); err != nil {
			return err
		}
		committed = u.events
		return nil
	})
	if err != nil {
		return err
	}
	e.Events.Publish(ctx, committed)
	return nil
}

// view runs fn against a read-only snapshot.
func (e *Env) view(ctx context.Context, fn func(u *unit) error) error {
	now := e.now()
	return e.Ledger.View(ctx, func(tx domain.LedgerTx) error {
		return fn(&unit{ctx: ctx, tx: tx, now: now})
	})
}

// unit is the working context of one ledger unit.
type unit struct {
	ctx    context.Context
	tx     domain.LedgerTx
	now    time.Time
	events []domain.Event
}

func (u *unit) round(id uint64) (domain.Round, error) {
	return u.tx.GetRound(u.ctx, id)
}

// prediction returns the participant's prediction, or a zero-valued inactive
// one if none was ever stored.
func (u *unit) prediction(roundID uint64, participant common.Address) (domain.Prediction, bool, error) {
	p, err := u.tx.GetPrediction(u.ctx, roundID, participant)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Prediction{RoundID: roundID, Participant: participant}, false, nil
		}
		return domain.Prediction{}, false, err
	}
	return p, true, nil
}

func (u *unit) emit(e domain.Event) error {
	e.CreatedAt = u.now
	stored, err := u.tx.AppendEvent(u.ctx, e)
	if err != nil {
		return err
	}
	u.events = append(u.events, stored)
	return nil
}

func (u *unit) debit(account common.Address, amount uint256.Int) error {
	bal, err := u.tx.Balance(u.ctx, account)
	if err != nil {
		return err
	}
	if bal.Lt(&amount) {
		return fmt.Errorf("%w: have %s wei, need %s wei", domain.ErrInsufficientBalance, bal.Dec(), amount.Dec())
	}
	bal.Sub(&bal, &amount)
	return u.tx.SetBalance(u.ctx, account, bal)
}

func (u *unit) credit(account common.Address, amount uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	bal, err := u.tx.Balance(u.ctx, account)
	if err != nil {
		return err
	}
	if _, overflow := bal.AddOverflow(&bal, &amount); overflow {
		return fmt.Errorf("%w: balance overflow", domain.ErrInvalidAmount)
	}
	return u.tx.SetBalance(u.ctx, account, bal)
}

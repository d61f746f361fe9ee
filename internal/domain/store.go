package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Ledger is the durable store of rounds, predictions, custody balances and
// events. Every mutation runs inside Update, which commits the whole unit or
// nothing, and units are applied in a single total order.
type Ledger interface {
	// Update runs fn in a read-write unit. A non-nil error from fn discards
	// every change fn made.
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the set of operations available inside a ledger unit.
type LedgerTx interface {
	RoundCount(ctx context.Context) (uint64, error)
	// InsertRound stores r under the next sequential id and returns it.
	InsertRound(ctx context.Context, r Round) (Round, error)
	GetRound(ctx context.Context, id uint64) (Round, error)
	UpdateRound(ctx context.Context, r Round) error
	ListRounds(ctx context.Context, opts ListOpts) ([]Round, error)

	GetPrediction(ctx context.Context, roundID uint64, participant common.Address) (Prediction, error)
	// PutPrediction inserts or replaces a prediction. The first insert for a
	// participant appends it to the round's participant list and assigns
	// JoinIndex.
	PutPrediction(ctx context.Context, p Prediction) (Prediction, error)
	// ListPredictions returns every prediction of the round in join order.
	ListPredictions(ctx context.Context, roundID uint64) ([]Prediction, error)

	Balance(ctx context.Context, account common.Address) (uint256.Int, error)
	SetBalance(ctx context.Context, account common.Address, amount uint256.Int) error

	AppendEvent(ctx context.Context, e Event) (Event, error)
	ListEvents(ctx context.Context, roundID uint64, opts ListOpts) ([]Event, error)
}

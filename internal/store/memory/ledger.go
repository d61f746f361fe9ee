// Package memory implements domain.Ledger in process memory. Each Update
// mutates the live state in place under the write lock and journals an undo
// step per change; a unit that fails is rolled back from the journal, so a
// unit costs time proportional to what it touches.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

var errReadOnly = errors.New("memory: write in read-only unit")

type predKey struct {
	round       uint64
	participant common.Address
}

type state struct {
	rounds       []domain.Round
	predictions  map[predKey]domain.Prediction
	participants map[uint64][]common.Address
	// handles maps every bound ciphertext handle to its prediction.
	handles  map[common.Hash]predKey
	balances map[common.Address]uint256.Int
	events   []domain.Event
}

func newState() *state {
	return &state{
		predictions:  make(map[predKey]domain.Prediction),
		participants: make(map[uint64][]common.Address),
		handles:      make(map[common.Hash]predKey),
		balances:     make(map[common.Address]uint256.Int),
	}
}

// Ledger is an in-memory domain.Ledger. Units are serialized by a single
// mutex, which gives the total order the service layer relies on.
type Ledger struct {
	mu    sync.RWMutex
	state *state
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{state: newState()}
}

// Update runs fn against the live state. If fn returns an error or panics,
// every change it made is undone before the lock is released.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &ledgerTx{s: l.state}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// View runs fn against the current state without copying it.
func (l *Ledger) View(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&ledgerTx{s: l.state, readOnly: true})
}

type ledgerTx struct {
	s        *state
	readOnly bool
	undo     []func()
}

var _ domain.LedgerTx = (*ledgerTx)(nil)

func (tx *ledgerTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// put sets m[k] = v and journals the previous entry.
func put[K comparable, V any](tx *ledgerTx, m map[K]V, k K, v V) {
	old, existed := m[k]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// del removes m[k] and journals the previous entry.
func del[K comparable, V any](tx *ledgerTx, m map[K]V, k K) {
	old, existed := m[k]
	if !existed {
		return
	}
	tx.undo = append(tx.undo, func() { m[k] = old })
	delete(m, k)
}

func (tx *ledgerTx) RoundCount(_ context.Context) (uint64, error) {
	return uint64(len(tx.s.rounds)), nil
}

func (tx *ledgerTx) InsertRound(_ context.Context, r domain.Round) (domain.Round, error) {
	if tx.readOnly {
		return domain.Round{}, errReadOnly
	}
	n := len(tx.s.rounds)
	r.ID = uint64(n) + 1
	tx.s.rounds = append(tx.s.rounds, r.Clone())
	tx.undo = append(tx.undo, func() { tx.s.rounds = tx.s.rounds[:n] })
	return r, nil
}

func (tx *ledgerTx) GetRound(_ context.Context, id uint64) (domain.Round, error) {
	if id == 0 || id > uint64(len(tx.s.rounds)) {
		return domain.Round{}, fmt.Errorf("memory: round %d: %w", id, domain.ErrNotFound)
	}
	return tx.s.rounds[id-1].Clone(), nil
}

func (tx *ledgerTx) UpdateRound(_ context.Context, r domain.Round) error {
	if tx.readOnly {
		return errReadOnly
	}
	if r.ID == 0 || r.ID > uint64(len(tx.s.rounds)) {
		return fmt.Errorf("memory: update round %d: %w", r.ID, domain.ErrNotFound)
	}
	i := r.ID - 1
	old := tx.s.rounds[i]
	tx.undo = append(tx.undo, func() { tx.s.rounds[i] = old })
	tx.s.rounds[i] = r.Clone()
	return nil
}

func (tx *ledgerTx) ListRounds(_ context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	var out []domain.Round
	for _, r := range tx.s.rounds {
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, r.Clone())
	}
	return paginate(out, opts), nil
}

func (tx *ledgerTx) GetPrediction(_ context.Context, roundID uint64, participant common.Address) (domain.Prediction, error) {
	p, ok := tx.s.predictions[predKey{roundID, participant}]
	if !ok {
		return domain.Prediction{}, fmt.Errorf("memory: prediction %d/%s: %w", roundID, participant.Hex(), domain.ErrNotFound)
	}
	return p.Clone(), nil
}

func (tx *ledgerTx) PutPrediction(_ context.Context, p domain.Prediction) (domain.Prediction, error) {
	if tx.readOnly {
		return domain.Prediction{}, errReadOnly
	}
	if p.RoundID == 0 || p.RoundID > uint64(len(tx.s.rounds)) {
		return domain.Prediction{}, fmt.Errorf("memory: put prediction round %d: %w", p.RoundID, domain.ErrNotFound)
	}
	key := predKey{p.RoundID, p.Participant}
	if p.PriceHandle != (common.Hash{}) {
		if holder, ok := tx.s.handles[p.PriceHandle]; ok && holder != key {
			return domain.Prediction{}, fmt.Errorf("memory: handle %s: %w", p.PriceHandle.Hex(), domain.ErrHandleInUse)
		}
	}

	prev, existed := tx.s.predictions[key]
	if existed {
		p.JoinIndex = prev.JoinIndex
		if prev.PriceHandle != p.PriceHandle {
			del(tx, tx.s.handles, prev.PriceHandle)
		}
	} else {
		list := tx.s.participants[p.RoundID]
		p.JoinIndex = uint64(len(list))
		put(tx, tx.s.participants, p.RoundID, append(list, p.Participant))
	}
	if p.PriceHandle != (common.Hash{}) {
		put(tx, tx.s.handles, p.PriceHandle, key)
	}
	put(tx, tx.s.predictions, key, p.Clone())
	return p, nil
}

func (tx *ledgerTx) ListPredictions(_ context.Context, roundID uint64) ([]domain.Prediction, error) {
	list := tx.s.participants[roundID]
	out := make([]domain.Prediction, 0, len(list))
	for _, addr := range list {
		out = append(out, tx.s.predictions[predKey{roundID, addr}].Clone())
	}
	return out, nil
}

func (tx *ledgerTx) Balance(_ context.Context, account common.Address) (uint256.Int, error) {
	return tx.s.balances[account], nil
}

func (tx *ledgerTx) SetBalance(_ context.Context, account common.Address, amount uint256.Int) error {
	if tx.readOnly {
		return errReadOnly
	}
	if amount.IsZero() {
		del(tx, tx.s.balances, account)
		return nil
	}
	put(tx, tx.s.balances, account, amount)
	return nil
}

func (tx *ledgerTx) AppendEvent(_ context.Context, e domain.Event) (domain.Event, error) {
	if tx.readOnly {
		return domain.Event{}, errReadOnly
	}
	n := len(tx.s.events)
	e.Seq = uint64(n) + 1
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tx.s.events = append(tx.s.events, e.Clone())
	tx.undo = append(tx.undo, func() { tx.s.events = tx.s.events[:n] })
	return e, nil
}

// ListEvents returns events of roundID in append order. A zero roundID lists
// events of every round.
func (tx *ledgerTx) ListEvents(_ context.Context, roundID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range tx.s.events {
		if roundID != 0 && e.RoundID != roundID {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e.Clone())
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// priceHandleIndex enforces one prediction per ciphertext handle.
const priceHandleIndex = "idx_predictions_price_handle"

// ledgerLockKey is the advisory lock every read-write unit takes first, so
// units are applied in a single total order.
const ledgerLockKey int64 = 0x70726564

// Ledger implements domain.Ledger using PostgreSQL transactions.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Update runs fn in a read-write transaction holding the ledger lock.
func (l *Ledger) Update(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("postgres: ledger lock: %w", err)
	}
	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// View runs fn in a read-only repeatable-read transaction.
func (l *Ledger) View(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("postgres: begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&ledgerTx{tx: tx})
}

type ledgerTx struct {
	tx pgx.Tx
}

var _ domain.LedgerTx = (*ledgerTx)(nil)

const roundCols = `id, name, creator, target_time, tolerance::text, created_at,
	total_pool::text, winning_stake_total::text, claimed_total::text,
	participant_count, winner_count, settlement_price::text,
	settled, revealed, verified, swept,
	settled_at, revealed_at, verified_at, revealed_handles`

func (t *ledgerTx) RoundCount(ctx context.Context) (uint64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM rounds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count rounds: %w", err)
	}
	return uint64(n), nil
}

func (t *ledgerTx) InsertRound(ctx context.Context, r domain.Round) (domain.Round, error) {
	var next int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM rounds`).Scan(&next); err != nil {
		return domain.Round{}, fmt.Errorf("postgres: next round id: %w", err)
	}
	r.ID = uint64(next)

	_, err := t.tx.Exec(ctx, `
		INSERT INTO rounds (
			id, name, creator, target_time, tolerance, created_at,
			total_pool, winning_stake_total, claimed_total,
			participant_count, winner_count, settlement_price,
			settled, revealed, verified, swept,
			settled_at, revealed_at, verified_at, revealed_handles
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6,
			$7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12::numeric,
			$13, $14, $15, $16,
			$17, $18, $19, $20
		)`, roundArgs(r)...)
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: insert round %d: %w", r.ID, err)
	}
	return r, nil
}

func (t *ledgerTx) GetRound(ctx context.Context, id uint64) (domain.Round, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+roundCols+` FROM rounds WHERE id = $1`, int64(id))
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Round{}, fmt.Errorf("postgres: round %d: %w", id, domain.ErrNotFound)
		}
		return domain.Round{}, fmt.Errorf("postgres: get round %d: %w", id, err)
	}
	return r, nil
}

func (t *ledgerTx) UpdateRound(ctx context.Context, r domain.Round) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE rounds SET
			name = $2, creator = $3, target_time = $4, tolerance = $5::numeric, created_at = $6,
			total_pool = $7::numeric, winning_stake_total = $8::numeric, claimed_total = $9::numeric,
			participant_count = $10, winner_count = $11, settlement_price = $12::numeric,
			settled = $13, revealed = $14, verified = $15, swept = $16,
			settled_at = $17, revealed_at = $18, verified_at = $19, revealed_handles = $20
		WHERE id = $1`, roundArgs(r)...)
	if err != nil {
		return fmt.Errorf("postgres: update round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update round %d: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	query := `SELECT ` + roundCols + ` FROM rounds
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY id` + pageClause(opts)
	rows, err := t.tx.Query(ctx, query, opts.Since, opts.Until)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const predictionCols = `round_id, participant, stake::text, active, revealed, verified, claimed,
	price_handle, input_proof, join_index, submitted_at, updated_at`

func (t *ledgerTx) GetPrediction(ctx context.Context, roundID uint64, participant common.Address) (domain.Prediction, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+predictionCols+` FROM predictions WHERE round_id = $1 AND participant = $2`,
		int64(roundID), participant.Hex())
	p, err := scanPrediction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Prediction{}, fmt.Errorf("postgres: prediction %d/%s: %w", roundID, participant.Hex(), domain.ErrNotFound)
		}
		return domain.Prediction{}, fmt.Errorf("postgres: get prediction %d/%s: %w", roundID, participant.Hex(), err)
	}
	return p, nil
}

func (t *ledgerTx) PutPrediction(ctx context.Context, p domain.Prediction) (domain.Prediction, error) {
	var roundExists bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rounds WHERE id = $1)`, int64(p.RoundID),
	).Scan(&roundExists); err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: check round %d: %w", p.RoundID, err)
	}
	if !roundExists {
		return domain.Prediction{}, fmt.Errorf("postgres: put prediction round %d: %w", p.RoundID, domain.ErrNotFound)
	}

	// Predictions are never deleted, so the row count is the next join slot.
	var joinIndex int64
	err := t.tx.QueryRow(ctx,
		`SELECT join_index FROM predictions WHERE round_id = $1 AND participant = $2`,
		int64(p.RoundID), p.Participant.Hex(),
	).Scan(&joinIndex)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := t.tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM predictions WHERE round_id = $1`, int64(p.RoundID),
		).Scan(&joinIndex); err != nil {
			return domain.Prediction{}, fmt.Errorf("postgres: count participants %d: %w", p.RoundID, err)
		}
	case err != nil:
		return domain.Prediction{}, fmt.Errorf("postgres: lookup prediction %d/%s: %w", p.RoundID, p.Participant.Hex(), err)
	}
	p.JoinIndex = uint64(joinIndex)

	if p.PriceHandle != (common.Hash{}) {
		var taken bool
		if err := t.tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM predictions
			WHERE price_handle = $1 AND NOT (round_id = $2 AND participant = $3))`,
			p.PriceHandle.Hex(), int64(p.RoundID), p.Participant.Hex(),
		).Scan(&taken); err != nil {
			return domain.Prediction{}, fmt.Errorf("postgres: check handle %s: %w", p.PriceHandle.Hex(), err)
		}
		if taken {
			return domain.Prediction{}, fmt.Errorf("postgres: handle %s: %w", p.PriceHandle.Hex(), domain.ErrHandleInUse)
		}
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO predictions (
			round_id, participant, stake, active, revealed, verified, claimed,
			price_handle, input_proof, join_index, submitted_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (round_id, participant) DO UPDATE SET
			stake        = EXCLUDED.stake,
			active       = EXCLUDED.active,
			revealed     = EXCLUDED.revealed,
			verified     = EXCLUDED.verified,
			claimed      = EXCLUDED.claimed,
			price_handle = EXCLUDED.price_handle,
			input_proof  = EXCLUDED.input_proof,
			submitted_at = EXCLUDED.submitted_at,
			updated_at   = EXCLUDED.updated_at`,
		int64(p.RoundID), p.Participant.Hex(), p.Stake.Dec(),
		p.Active, p.Revealed, p.Verified, p.Claimed,
		p.PriceHandle.Hex(), p.InputProof, joinIndex, p.SubmittedAt, p.UpdatedAt,
	)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("postgres: put prediction %d/%s: %w", p.RoundID, p.Participant.Hex(), mapConstraintError(err))
	}
	return p, nil
}

// mapConstraintError turns a violation of the handle index into
// domain.ErrHandleInUse.
func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == priceHandleIndex {
		return fmt.Errorf("%w: %s", domain.ErrHandleInUse, pgErr.Detail)
	}
	return err
}

func (t *ledgerTx) ListPredictions(ctx context.Context, roundID uint64) ([]domain.Prediction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+predictionCols+` FROM predictions WHERE round_id = $1 ORDER BY join_index`,
		int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list predictions %d: %w", roundID, err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *ledgerTx) Balance(ctx context.Context, account common.Address) (uint256.Int, error) {
	var amount string
	err := t.tx.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE account = $1`, account.Hex(),
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uint256.Int{}, nil
		}
		return uint256.Int{}, fmt.Errorf("postgres: balance %s: %w", account.Hex(), err)
	}
	return parseU256(amount)
}

func (t *ledgerTx) SetBalance(ctx context.Context, account common.Address, amount uint256.Int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (account, amount) VALUES ($1, $2::numeric)
		ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
		account.Hex(), amount.Dec())
	if err != nil {
		return fmt.Errorf("postgres: set balance %s: %w", account.Hex(), err)
	}
	return nil
}

const eventCols = `seq, id, type, round_id, account, amount::text, price::text,
	winner_count, handles, created_at`

func (t *ledgerTx) AppendEvent(ctx context.Context, e domain.Event) (domain.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var seq int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO events (id, type, round_id, account, amount, price, winner_count, handles, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		RETURNING seq`,
		e.ID, string(e.Type), int64(e.RoundID), e.Account.Hex(), e.Amount.Dec(),
		strconv.FormatUint(e.Price, 10), int64(e.WinnerCount), hashStrings(e.Handles), e.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return domain.Event{}, fmt.Errorf("postgres: append event %s: %w", e.Type, err)
	}
	e.Seq = uint64(seq)
	return e, nil
}

// ListEvents returns events of roundID in append order. A zero roundID lists
// events of every round.
func (t *ledgerTx) ListEvents(ctx context.Context, roundID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events
		WHERE ($1 = 0 OR round_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY seq` + pageClause(opts)
	rows, err := t.tx.Query(ctx, query, int64(roundID), opts.Since, opts.Until)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e                   domain.Event
			seq, round, winners int64
			typ, account        string
			amount, price       string
			handles             []string
		)
		if err := rows.Scan(&seq, &e.ID, &typ, &round, &account, &amount, &price, &winners, &handles, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Type = domain.EventType(typ)
		e.RoundID = uint64(round)
		e.Account = common.HexToAddress(account)
		if e.Amount, err = parseU256(amount); err != nil {
			return nil, err
		}
		if e.Price, err = strconv.ParseUint(price, 10, 64); err != nil {
			return nil, fmt.Errorf("postgres: parse event price %q: %w", price, err)
		}
		e.WinnerCount = uint64(winners)
		e.Handles = parseHashes(handles)
		out = append(out, e)
	}
	return out, rows.Err()
}

func roundArgs(r domain.Round) []any {
	return []any{
		int64(r.ID), r.Name, r.Creator.Hex(), r.TargetTime,
		strconv.FormatUint(r.Tolerance, 10), r.CreatedAt,
		r.TotalPool.Dec(), r.WinningStakeTotal.Dec(), r.ClaimedTotal.Dec(),
		int64(r.ParticipantCount), int64(r.WinnerCount),
		strconv.FormatUint(r.SettlementPrice, 10),
		r.Settled, r.Revealed, r.Verified, r.Swept,
		nullTime(r.SettledAt), nullTime(r.RevealedAt), nullTime(r.VerifiedAt),
		hashStrings(r.RevealedHandles),
	}
}

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r                                 domain.Round
		id, participants, winners         int64
		creator, tolerance, price         string
		pool, winning, claimed            string
		settledAt, revealedAt, verifiedAt *time.Time
		handles                           []string
	)
	err := row.Scan(
		&id, &r.Name, &creator, &r.TargetTime, &tolerance, &r.CreatedAt,
		&pool, &winning, &claimed,
		&participants, &winners, &price,
		&r.Settled, &r.Revealed, &r.Verified, &r.Swept,
		&settledAt, &revealedAt, &verifiedAt, &handles,
	)
	if err != nil {
		return domain.Round{}, err
	}
	r.ID = uint64(id)
	r.Creator = common.HexToAddress(creator)
	r.ParticipantCount = uint64(participants)
	r.WinnerCount = uint64(winners)
	if r.Tolerance, err = strconv.ParseUint(tolerance, 10, 64); err != nil {
		return domain.Round{}, fmt.Errorf("postgres: parse tolerance %q: %w", tolerance, err)
	}
	if r.SettlementPrice, err = strconv.ParseUint(price, 10, 64); err != nil {
		return domain.Round{}, fmt.Errorf("postgres: parse settlement price %q: %w", price, err)
	}
	if r.TotalPool, err = parseU256(pool); err != nil {
		return domain.Round{}, err
	}
	if r.WinningStakeTotal, err = parseU256(winning); err != nil {
		return domain.Round{}, err
	}
	if r.ClaimedTotal, err = parseU256(claimed); err != nil {
		return domain.Round{}, err
	}
	r.SettledAt = derefTime(settledAt)
	r.RevealedAt = derefTime(revealedAt)
	r.VerifiedAt = derefTime(verifiedAt)
	r.RevealedHandles = parseHashes(handles)
	return r, nil
}

func scanPrediction(row pgx.Row) (domain.Prediction, error) {
	var (
		p                          domain.Prediction
		round, joinIndex           int64
		participant, stake, handle string
	)
	err := row.Scan(
		&round, &participant, &stake, &p.Active, &p.Revealed, &p.Verified, &p.Claimed,
		&handle, &p.InputProof, &joinIndex, &p.SubmittedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Prediction{}, err
	}
	p.RoundID = uint64(round)
	p.Participant = common.HexToAddress(participant)
	p.PriceHandle = common.HexToHash(handle)
	p.JoinIndex = uint64(joinIndex)
	if p.Stake, err = parseU256(stake); err != nil {
		return domain.Prediction{}, err
	}
	return p, nil
}

func pageClause(opts domain.ListOpts) string {
	var clause string
	if opts.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}
	return clause
}

func parseU256(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: parse amount %q: %w", s, err)
	}
	return *v, nil
}

func hashStrings(hs []common.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

func parseHashes(ss []string) []common.Hash {
	if len(ss) == 0 {
		return nil
	}
	out := make([]common.Hash, len(ss))
	for i, s := range ss {
		out[i] = common.HexToHash(s)
	}
	return out
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

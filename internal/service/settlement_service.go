package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// SettlementService runs the three-step settlement protocol: settle records
// the oracle price, RevealAll submits every active ciphertext for public
// decryption, and VerifyAll checks the decryption proof and marks winners.
// Each step is a one-shot transition guarded by the previous step's flag.
type SettlementService struct {
	env       *Env
	verifier  domain.ProofVerifier
	codec     domain.ClearValueCodec
	decryptor domain.Decryptor
	reports   domain.BlobWriter
	reader    domain.BlobReader
	logger    *slog.Logger
}

// NewSettlementService creates a SettlementService. decryptor, reports and
// reader may be nil.
func NewSettlementService(
	env *Env,
	verifier domain.ProofVerifier,
	codec domain.ClearValueCodec,
	decryptor domain.Decryptor,
	reports domain.BlobWriter,
	reader domain.BlobReader,
) *SettlementService {
	return &SettlementService{
		env:       env,
		verifier:  verifier,
		codec:     codec,
		decryptor: decryptor,
		reports:   reports,
		reader:    reader,
		logger:    env.logger().With(slog.String("component", "settlement_service")),
	}
}

// authorize allows the owner and the round's creator.
func (s *SettlementService) authorize(caller common.Address, r domain.Round) error {
	if caller != s.env.Owner && caller != r.Creator {
		return domain.ErrNotOwner
	}
	return nil
}

// Settle records the settlement price once the round has ended.
func (s *SettlementService) Settle(ctx context.Context, caller common.Address, roundID uint64, price uint64) (domain.Round, error) {
	var out domain.Round
	err := s.env.update(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		if err := s.authorize(caller, r); err != nil {
			return err
		}
		if r.Settled {
			return domain.ErrAlreadySettled
		}
		if u.now.Before(s.env.Params.RoundEndsAt(r)) {
			return fmt.Errorf("%w: round %d ends at %s", domain.ErrRoundNotEnded, roundID,
				s.env.Params.RoundEndsAt(r).UTC().Format(time.RFC3339))
		}

		r.SettlementPrice = price
		r.Settled = true
		r.SettledAt = u.now
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}
		out = r
		return u.emit(domain.Event{Type: domain.EventRoundSettled, RoundID: roundID, Account: caller, Price: price})
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement_service: settle: %w", err)
	}

	s.logger.InfoContext(ctx, "settlement_service: round settled",
		slog.Uint64("round_id", roundID),
		slog.Uint64("price", price),
	)
	return out, nil
}

// RevealAll marks every active prediction revealed and records the ordered
// batch of their handles, skipping zero handles. The decryption request is
// sent after the unit commits; a failed request is logged and can be
// repeated with RequestDecryption.
func (s *SettlementService) RevealAll(ctx context.Context, caller common.Address, roundID uint64) (domain.RevealBatch, error) {
	var batch domain.RevealBatch
	err := s.env.update(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		if err := s.authorize(caller, r); err != nil {
			return err
		}
		if !r.Settled {
			return domain.ErrNotSettled
		}
		if r.Revealed {
			return domain.ErrAlreadyRevealed
		}

		preds, err := u.tx.ListPredictions(u.ctx, roundID)
		if err != nil {
			return err
		}
		handles := make([]common.Hash, 0, len(preds))
		for _, p := range preds {
			if !p.Active || !p.HasCiphertext() {
				continue
			}
			p.Revealed = true
			p.UpdatedAt = u.now
			if _, err := u.tx.PutPrediction(u.ctx, p); err != nil {
				return err
			}
			handles = append(handles, p.PriceHandle)
		}

		r.Revealed = true
		r.RevealedAt = u.now
		r.RevealedHandles = handles
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}
		batch = domain.RevealBatch{RoundID: roundID, Handles: handles, At: u.now}
		return u.emit(domain.Event{Type: domain.EventBatchRevealed, RoundID: roundID, Account: caller, Handles: handles})
	})
	if err != nil {
		return domain.RevealBatch{}, fmt.Errorf("settlement_service: reveal: %w", err)
	}

	s.logger.InfoContext(ctx, "settlement_service: batch revealed",
		slog.Uint64("round_id", roundID),
		slog.Int("handles", len(batch.Handles)),
	)
	if err := s.requestDecryption(ctx, batch.Handles); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: decryption request failed",
			slog.Uint64("round_id", roundID),
			slog.String("error", err.Error()),
		)
	}
	s.writeReport(ctx, roundID, domain.ReportReveal, revealReport{
		RoundID: roundID,
		Handles: batch.Handles,
		At:      batch.At,
	})
	return batch, nil
}

// RequestDecryption re-sends the decryption request for a revealed round's
// batch.
func (s *SettlementService) RequestDecryption(ctx context.Context, roundID uint64) error {
	batch, err := s.RevealedBatch(ctx, roundID)
	if err != nil {
		return err
	}
	if err := s.requestDecryption(ctx, batch.Handles); err != nil {
		return fmt.Errorf("settlement_service: request decryption %d: %w", roundID, err)
	}
	return nil
}

func (s *SettlementService) requestDecryption(ctx context.Context, handles []common.Hash) error {
	if s.decryptor == nil || len(handles) == 0 {
		return nil
	}
	return s.decryptor.MakeDecryptable(ctx, handles)
}

// RevealedBatch returns the batch recorded by RevealAll.
func (s *SettlementService) RevealedBatch(ctx context.Context, roundID uint64) (domain.RevealBatch, error) {
	var batch domain.RevealBatch
	err := s.env.view(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		if !r.Revealed {
			return domain.ErrNotRevealed
		}
		batch = domain.RevealBatch{RoundID: roundID, Handles: r.RevealedHandles, At: r.RevealedAt}
		return nil
	})
	if err != nil {
		return domain.RevealBatch{}, fmt.Errorf("settlement_service: revealed batch %d: %w", roundID, err)
	}
	return batch, nil
}

// VerifyAll checks that clearValuesEncoded is the proven decryption of
// exactly the revealed batch, then marks every prediction whose price lies
// within tolerance of the settlement price as a winner. It cannot run twice.
//
// An empty batch has nothing to decrypt; it is accepted only with empty
// clear values and needs no proof.
func (s *SettlementService) VerifyAll(ctx context.Context, caller common.Address, roundID uint64, handles []common.Hash, clearValuesEncoded, decryptionProof []byte) (domain.VerifyOutcome, error) {
	var out domain.VerifyOutcome
	err := s.env.update(ctx, func(u *unit) error {
		r, err := u.round(roundID)
		if err != nil {
			return err
		}
		if err := s.authorize(caller, r); err != nil {
			return err
		}
		if r.Verified {
			return domain.ErrAlreadyVerified
		}
		if !r.Revealed {
			return domain.ErrNotRevealed
		}
		if !slices.Equal(handles, r.RevealedHandles) {
			return fmt.Errorf("%w: handles do not match the revealed batch", domain.ErrInvalidProof)
		}

		prices, err := s.checkDecryption(handles, clearValuesEncoded, decryptionProof)
		if err != nil {
			return err
		}

		preds, err := u.tx.ListPredictions(u.ctx, roundID)
		if err != nil {
			return err
		}
		revealed := make([]domain.Prediction, 0, len(preds))
		for _, p := range preds {
			if p.Revealed && p.Active && p.HasCiphertext() {
				revealed = append(revealed, p)
			}
		}
		if len(revealed) != len(handles) {
			return fmt.Errorf("%w: %d revealed predictions for %d handles", domain.ErrInvalidProof, len(revealed), len(handles))
		}

		out = domain.VerifyOutcome{RoundID: roundID, SettlementPrice: r.SettlementPrice, At: u.now}
		for i, p := range revealed {
			if p.PriceHandle != handles[i] {
				return fmt.Errorf("%w: handle %d out of order", domain.ErrInvalidProof, i)
			}
			if !domain.WithinTolerance(prices[i], r.SettlementPrice, r.Tolerance) {
				continue
			}
			p.Verified = true
			p.UpdatedAt = u.now
			if _, err := u.tx.PutPrediction(u.ctx, p); err != nil {
				return err
			}
			out.WinningStakeTotal.Add(&out.WinningStakeTotal, &p.Stake)
			out.WinnerCount++
			out.Winners = append(out.Winners, p.Participant)
		}

		r.WinningStakeTotal = out.WinningStakeTotal
		r.WinnerCount = out.WinnerCount
		r.Verified = true
		r.VerifiedAt = u.now
		if err := u.tx.UpdateRound(u.ctx, r); err != nil {
			return err
		}
		return u.emit(domain.Event{
			Type:        domain.EventRoundVerified,
			RoundID:     roundID,
			Account:     caller,
			Amount:      out.WinningStakeTotal,
			WinnerCount: out.WinnerCount,
		})
	})
	if err != nil {
		return domain.VerifyOutcome{}, fmt.Errorf("settlement_service: verify: %w", err)
	}

	s.logger.InfoContext(ctx, "settlement_service: round verified",
		slog.Uint64("round_id", roundID),
		slog.Uint64("winners", out.WinnerCount),
		slog.String("winning_stake_wei", out.WinningStakeTotal.Dec()),
	)
	winners := make([]string, len(out.Winners))
	for i, w := range out.Winners {
		winners[i] = w.Hex()
	}
	s.writeReport(ctx, roundID, domain.ReportVerify, verifyReport{
		RoundID:           roundID,
		SettlementPrice:   out.SettlementPrice,
		WinnerCount:       out.WinnerCount,
		WinningStakeTotal: out.WinningStakeTotal.Dec(),
		Winners:           winners,
		At:                out.At,
	})
	return out, nil
}

// checkDecryption verifies the proof and decodes one price per handle.
func (s *SettlementService) checkDecryption(handles []common.Hash, encoded, proof []byte) ([]uint64, error) {
	if len(handles) == 0 {
		if len(encoded) != 0 {
			return nil, fmt.Errorf("%w: clear values for an empty batch", domain.ErrInvalidProof)
		}
		return nil, nil
	}
	ok, err := s.verifier.VerifyDecryptionProof(handles, encoded, proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidProof, err)
	}
	if !ok {
		return nil, domain.ErrInvalidProof
	}
	prices, err := s.codec.Decode(encoded, len(handles))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidProof, err)
	}
	return prices, nil
}

type revealReport struct {
	RoundID uint64        `json:"round_id"`
	Handles []common.Hash `json:"handles"`
	At      time.Time     `json:"at"`
}

type verifyReport struct {
	RoundID           uint64    `json:"round_id"`
	SettlementPrice   uint64    `json:"settlement_price"`
	WinnerCount       uint64    `json:"winner_count"`
	WinningStakeTotal string    `json:"winning_stake_total_wei"`
	Winners           []string  `json:"winners"`
	At                time.Time `json:"at"`
}

// writeReport stores a settlement report. Failures are logged only.
func (s *SettlementService) writeReport(ctx context.Context, roundID uint64, kind string, report any) {
	if s.reports == nil {
		return
	}
	data, err := json.Marshal(report)
	if err == nil {
		err = s.reports.Put(ctx, domain.ReportPath(roundID, kind), bytes.NewReader(data), "application/json")
	}
	if err != nil {
		s.logger.WarnContext(ctx, "settlement_service: report write failed",
			slog.Uint64("round_id", roundID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

// Report opens a stored settlement report.
func (s *SettlementService) Report(ctx context.Context, roundID uint64, kind string) (io.ReadCloser, error) {
	if !domain.ValidReportKind(kind) {
		return nil, fmt.Errorf("settlement_service: report kind %q: %w", kind, domain.ErrNotFound)
	}
	if s.reader == nil {
		return nil, fmt.Errorf("settlement_service: reports not configured: %w", domain.ErrNotFound)
	}
	rc, err := s.reader.Get(ctx, domain.ReportPath(roundID, kind))
	if err != nil {
		return nil, fmt.Errorf("settlement_service: report %d/%s: %w", roundID, kind, err)
	}
	return rc, nil
}

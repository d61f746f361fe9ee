package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

const archiveContentType = "application/x-ndjson"

// archiveRecord is one JSONL line. The first line of each archive is the
// round, followed by its predictions in join order and then its events.
type archiveRecord struct {
	Kind       string             `json:"kind"`
	Round      *domain.Round      `json:"round,omitempty"`
	Prediction *domain.Prediction `json:"prediction,omitempty"`
	Event      *domain.Event      `json:"event,omitempty"`
}

// Archiver implements domain.Archiver. It exports every round whose claim
// period ended before the cutoff, one JSONL object per round. Rounds already
// present in the store are skipped, so repeated runs are cheap. Nothing is
// deleted from the ledger.
type Archiver struct {
	ledger domain.Ledger
	params domain.Params
	writer domain.BlobWriter
	reader domain.BlobReader
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(ledger domain.Ledger, params domain.Params, writer domain.BlobWriter, reader domain.BlobReader, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		ledger: ledger,
		params: params,
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveRounds uploads the rounds finished before the cutoff and returns how
// many were written.
func (a *Archiver) ArchiveRounds(ctx context.Context, before time.Time) (int64, error) {
	var rounds []domain.Round
	err := a.ledger.View(ctx, func(tx domain.LedgerTx) error {
		all, err := tx.ListRounds(ctx, domain.ListOpts{})
		if err != nil {
			return err
		}
		for _, r := range all {
			if a.params.StatusAt(r, before) == domain.RoundStatusFinished {
				rounds = append(rounds, r)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds: %w", err)
	}

	var written int64
	for _, r := range rounds {
		path := domain.ArchivePath(r.ID)
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return written, fmt.Errorf("s3blob: archive round %d: %w", r.ID, err)
		}
		if exists {
			continue
		}
		if err := a.archiveRound(ctx, r, path); err != nil {
			return written, err
		}
		written++
		a.logger.InfoContext(ctx, "archiver: round archived",
			slog.Uint64("round_id", r.ID),
			slog.String("path", path),
		)
	}
	return written, nil
}

func (a *Archiver) archiveRound(ctx context.Context, r domain.Round, path string) error {
	var (
		preds  []domain.Prediction
		events []domain.Event
	)
	err := a.ledger.View(ctx, func(tx domain.LedgerTx) error {
		var err error
		if preds, err = tx.ListPredictions(ctx, r.ID); err != nil {
			return err
		}
		events, err = tx.ListEvents(ctx, r.ID, domain.ListOpts{})
		return err
	})
	if err != nil {
		return fmt.Errorf("s3blob: archive round %d: %w", r.ID, err)
	}

	records := make([]archiveRecord, 0, 1+len(preds)+len(events))
	records = append(records, archiveRecord{Kind: "round", Round: &r})
	for i := range preds {
		records = append(records, archiveRecord{Kind: "prediction", Prediction: &preds[i]})
	}
	for i := range events {
		records = append(records, archiveRecord{Kind: "event", Event: &events[i]})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive round %d: %w", r.ID, err)
	}
	if int64(len(buf)) > MinPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive round %d: %w", r.ID, err)
	}
	return nil
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)

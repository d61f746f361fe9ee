package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Settlement report kinds. A reveal report is written when a batch is
// submitted for decryption, a verify report once the outcome is recorded.
const (
	ReportReveal = "reveal"
	ReportVerify = "verify"
)

// ValidReportKind reports whether kind names a settlement report.
func ValidReportKind(kind string) bool {
	return kind == ReportReveal || kind == ReportVerify
}

// ReportPath is the object key of a round's settlement report.
func ReportPath(roundID uint64, kind string) string {
	return fmt.Sprintf("rounds/%d/%s.json", roundID, kind)
}

// ArchivePath is the object key of a finished round's JSONL archive.
func ArchivePath(roundID uint64) string {
	return fmt.Sprintf("archive/rounds/%d.jsonl", roundID)
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter stores settlement reports and archives.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart uploads large archives in parts of at least partSize.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader serves stored reports back to the API and lets the archiver
// skip rounds it already exported.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver exports finished rounds to cold storage and returns how many
// rounds it wrote.
type Archiver interface {
	ArchiveRounds(ctx context.Context, before time.Time) (int64, error)
}

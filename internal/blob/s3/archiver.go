package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query methods it actually calls, not the
// full domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// PositionArchiveStore provides read access to closed positions for archival.
type PositionArchiveStore interface {
	// ListClosedBefore returns all positions closed strictly before the
	// given cutoff time.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// AuditArchiveStore provides read access to audit entries for archival.
type AuditArchiveStore interface {
	// ListBefore returns all audit entries created strictly before the given
	// cutoff time.
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the domain stores for
// old records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveStore
	entries   AuditArchiveStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	positions PositionArchiveStore,
	entries AuditArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		entries:   entries,
		audit:     audit,
	}
}

// ArchiveClosedPositions queries all positions closed before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/positions/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	records := make([]archivedPosition, len(positions))
	for i, p := range positions {
		records[i] = toArchivedPosition(p)
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries all audit entries created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/audit/YYYY-MM.jsonl. The archival event is recorded in the audit
// log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.entries.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit audit log: %w", err)
	}

	return count, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivedPosition is the JSONL record for a closed position. Amounts are
// serialized as decimal strings so the archive stays exact.
type archivedPosition struct {
	ID                 int64      `json:"id"`
	Owner              string     `json:"owner"`
	SrcAsset           string     `json:"src_asset"`
	DstAsset           string     `json:"dst_asset"`
	InstallmentAmount  string     `json:"installment_amount"`
	TotalInstallments  int        `json:"total_installments"`
	FilledInstallments int        `json:"filled_installments"`
	AccruedOutput      string     `json:"accrued_output"`
	FeePaid            string     `json:"fee_paid"`
	Cadence            string     `json:"cadence"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	LastFillAt         *time.Time `json:"last_fill_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

func toArchivedPosition(p domain.Position) archivedPosition {
	return archivedPosition{
		ID:                 p.ID,
		Owner:              p.Owner,
		SrcAsset:           string(p.SrcAsset),
		DstAsset:           string(p.DstAsset),
		InstallmentAmount:  p.InstallmentAmount.String(),
		TotalInstallments:  p.TotalInstallments,
		FilledInstallments: p.FilledInstallments,
		AccruedOutput:      p.AccruedOutput.String(),
		FeePaid:            p.FeePaid.String(),
		Cadence:            string(p.Cadence),
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		LastFillAt:         p.LastFillAt,
		ClosedAt:           p.ClosedAt,
	}
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2026-01.jsonl
//	archive/audit/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)

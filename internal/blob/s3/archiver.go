package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hedgesystem/closebot/internal/domain"
)

// CloseRecordSource provides read access to close records for archival. The
// Postgres close record store satisfies it implicitly.
type CloseRecordSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.CloseOutcome, error)
}

// Archiver implements domain.Archiver by querying the record stores for aged
// entries, serializing them to JSONL, and uploading the result to blob
// storage.
//
// Deletion of archived records from the primary store is intentionally not
// performed here; that is a separate, explicit step to run after the archive
// has been verified.
type Archiver struct {
	writer  domain.BlobWriter
	records CloseRecordSource
	audit   domain.AuditStore
}

// NewArchiver creates an Archiver. The audit store may be nil.
func NewArchiver(writer domain.BlobWriter, records CloseRecordSource, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:  writer,
		records: records,
		audit:   audit,
	}
}

// ArchiveCloseRecords exports all close records executed before the cutoff
// to archive/close_records/YYYY-MM.jsonl and returns the exported count.
func (a *Archiver) ArchiveCloseRecords(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.records.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive close records query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive close records marshal: %w", err)
	}

	path := archivePath("close_records", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive close records upload: %w", err)
	}

	count := int64(len(records))
	a.logArchive(ctx, "archive.close_records", path, count, before)
	return count, nil
}

// ArchiveFailures exports a failure history snapshot to
// archive/failures/<timestamp>.jsonl. Empty histories are skipped.
func (a *Archiver) ArchiveFailures(ctx context.Context, records []domain.FailureRecord) error {
	if len(records) == 0 {
		return nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive failures marshal: %w", err)
	}

	now := time.Now().UTC()
	path := fmt.Sprintf("archive/failures/%s.jsonl", now.Format("2006-01-02T15-04-05"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive failures upload: %w", err)
	}

	a.logArchive(ctx, "archive.failures", path, int64(len(records)), now)
	return nil
}

func (a *Archiver) logArchive(ctx context.Context, event, path string, count int64, before time.Time) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	})
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON, one
// compact line per record.
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

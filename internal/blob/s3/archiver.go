package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	// archiveBatch is the most entries written to one object.
	archiveBatch = 5000

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// Compile-time interface check.
var _ domain.Archiver = (*LedgerArchiver)(nil)

// LedgerArchiver implements domain.Archiver. It copies ledger entries older
// than a cutoff to JSONL objects and records how far it got as a
// ledger_archived audit row. The ledger itself is never truncated.
//
// The cursor is the number of entries already archived, which is stable
// because the ledger is append-only and listed in insertion order.
type LedgerArchiver struct {
	ledger domain.LedgerStore
	audit  domain.AuditStore
	writer domain.BlobWriter
	reader domain.BlobReader
	logger *slog.Logger
}

// NewLedgerArchiver creates a LedgerArchiver. reader may be nil, in which
// case objects are always rewritten.
func NewLedgerArchiver(
	ledger domain.LedgerStore,
	audit domain.AuditStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	logger *slog.Logger,
) *LedgerArchiver {
	return &LedgerArchiver{
		ledger: ledger,
		audit:  audit,
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveLedger uploads every not-yet-archived entry created before the
// cutoff and returns how many were written.
func (a *LedgerArchiver) ArchiveLedger(ctx context.Context, before time.Time) (int64, error) {
	offset, err := a.cursor(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for {
		entries, err := a.ledger.List(ctx, domain.ListOpts{Offset: int(offset), Limit: archiveBatch, Until: &before})
		if err != nil {
			return total, fmt.Errorf("s3blob: list ledger from %d: %w", offset, err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		path := archivePath(entries)
		if err := a.upload(ctx, path, entries); err != nil {
			return total, err
		}

		offset += int64(len(entries))
		total += int64(len(entries))
		if err := a.audit.Log(ctx, domain.EventLedgerArchived, map[string]any{
			"path":   path,
			"count":  len(entries),
			"offset": offset,
			"from":   entries[0].ID,
			"to":     entries[len(entries)-1].ID,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: record archive cursor: %w", err)
		}
		a.logger.Info("ledger archived",
			slog.String("path", path),
			slog.Int("count", len(entries)),
			slog.Int64("offset", offset),
		)

		if len(entries) < archiveBatch {
			return total, nil
		}
	}
}

// cursor returns the offset recorded by the newest ledger_archived row.
func (a *LedgerArchiver) cursor(ctx context.Context) (int64, error) {
	rows, err := a.audit.List(ctx, domain.ListOpts{Event: domain.EventLedgerArchived, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("s3blob: read archive cursor: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	// Detail round-trips through JSON in the SQL stores.
	switch v := rows[0].Detail["offset"].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("s3blob: archive cursor row %d has no offset", rows[0].ID)
}

func (a *LedgerArchiver) upload(ctx context.Context, path string, entries []domain.LedgerEntry) error {
	if a.reader != nil {
		// A previous run may have uploaded the object and died before
		// recording the cursor.
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("s3blob: check %s: %w", path, err)
		}
		if exists {
			a.logger.Warn("archive object already present, advancing cursor", slog.String("path", path))
			return nil
		}
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return fmt.Errorf("s3blob: encode %s: %w", path, err)
	}
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// archivePath partitions objects by the day of their first entry:
//
//	ledger/2026/03/01/<first id>-<last id>.jsonl
func archivePath(entries []domain.LedgerEntry) string {
	first, last := entries[0], entries[len(entries)-1]
	return fmt.Sprintf("ledger/%s/%s-%s.jsonl", first.CreatedAt.UTC().Format("2006/01/02"), first.ID, last.ID)
}

// marshalJSONL encodes one compact JSON document per line.
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

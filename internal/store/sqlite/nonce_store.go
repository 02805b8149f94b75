package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// NonceStore implements domain.NonceStore.
type NonceStore struct {
	db *sql.DB
}

// NewNonceStore creates a NonceStore on d.
func NewNonceStore(d *DB) *NonceStore {
	return &NonceStore{db: d.db}
}

// Save upserts the journal row for (account, nonce).
func (s *NonceStore) Save(ctx context.Context, rec domain.NonceRecord) error {
	const query = `
		INSERT INTO nonce_journal (account, nonce, status, tx_hash, raw_tx, opportunity_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, nonce) DO UPDATE SET
			status = excluded.status,
			tx_hash = excluded.tx_hash,
			raw_tx = COALESCE(excluded.raw_tx, nonce_journal.raw_tx),
			opportunity_id = excluded.opportunity_id,
			updated_at = excluded.updated_at`

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.Account, int64(rec.Nonce), string(rec.Status), rec.TxHash, rawOrNull(rec.RawTx), rec.OpportunityID, formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save nonce %s/%d: %w", rec.Account, rec.Nonce, err)
	}
	return nil
}

// Latest returns the highest journalled nonce for account.
func (s *NonceStore) Latest(ctx context.Context, account string) (domain.NonceRecord, error) {
	const query = `
		SELECT account, nonce, status, tx_hash, raw_tx, opportunity_id, updated_at
		FROM nonce_journal WHERE account = ? ORDER BY nonce DESC LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, account)
	if err != nil {
		return domain.NonceRecord{}, fmt.Errorf("sqlite: latest nonce for %s: %w", account, err)
	}
	recs, err := collectNonces(rows)
	if err != nil {
		return domain.NonceRecord{}, err
	}
	if len(recs) == 0 {
		return domain.NonceRecord{}, fmt.Errorf("sqlite: nonce for %s: %w", account, domain.ErrNotFound)
	}
	return recs[0], nil
}

// Outstanding returns every record that may still be mined, lowest first.
func (s *NonceStore) Outstanding(ctx context.Context, account string) ([]domain.NonceRecord, error) {
	const query = `
		SELECT account, nonce, status, tx_hash, raw_tx, opportunity_id, updated_at
		FROM nonce_journal WHERE account = ? AND status IN (?, ?, ?)
		ORDER BY nonce ASC`

	rows, err := s.db.QueryContext(ctx, query, account,
		string(domain.NonceReserved), string(domain.NonceBroadcast), string(domain.NonceFailed))
	if err != nil {
		return nil, fmt.Errorf("sqlite: outstanding nonces for %s: %w", account, err)
	}
	return collectNonces(rows)
}

func collectNonces(rows *sql.Rows) ([]domain.NonceRecord, error) {
	defer rows.Close()

	var out []domain.NonceRecord
	for rows.Next() {
		var (
			rec               domain.NonceRecord
			nonce             int64
			status, updatedAt string
		)
		if err := rows.Scan(&rec.Account, &nonce, &status, &rec.TxHash, &rec.RawTx, &rec.OpportunityID, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan nonce: %w", err)
		}
		rec.Nonce = uint64(nonce)
		rec.Status = domain.NonceStatus(status)
		t, err := parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite: nonce %s/%d: %w", rec.Account, rec.Nonce, err)
		}
		rec.UpdatedAt = t
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: nonce rows: %w", err)
	}
	return out, nil
}

// rawOrNull stores an absent payload as NULL so an upsert keeps the one
// already journalled.
func rawOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

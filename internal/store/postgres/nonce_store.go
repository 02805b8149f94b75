package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// NonceStore implements domain.NonceStore using PostgreSQL.
type NonceStore struct {
	pool *pgxpool.Pool
}

// NewNonceStore creates a new NonceStore backed by the given connection pool.
func NewNonceStore(pool *pgxpool.Pool) *NonceStore {
	return &NonceStore{pool: pool}
}

// Save upserts the journal row for (account, nonce).
func (s *NonceStore) Save(ctx context.Context, rec domain.NonceRecord) error {
	const query = `
		INSERT INTO nonce_journal (account, nonce, status, tx_hash, raw_tx, opportunity_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account, nonce) DO UPDATE SET
			status         = EXCLUDED.status,
			tx_hash        = EXCLUDED.tx_hash,
			raw_tx         = COALESCE(EXCLUDED.raw_tx, nonce_journal.raw_tx),
			opportunity_id = EXCLUDED.opportunity_id,
			updated_at     = EXCLUDED.updated_at`

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		rec.Account, int64(rec.Nonce), string(rec.Status), rec.TxHash, rawOrNull(rec.RawTx), rec.OpportunityID, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save nonce %s/%d: %w", rec.Account, rec.Nonce, err)
	}
	return nil
}

// Latest returns the highest journalled nonce for account.
func (s *NonceStore) Latest(ctx context.Context, account string) (domain.NonceRecord, error) {
	const query = `
		SELECT account, nonce, status, tx_hash, raw_tx, opportunity_id, updated_at
		FROM nonce_journal WHERE account = $1
		ORDER BY nonce DESC LIMIT 1`

	rec, err := scanNonce(s.pool.QueryRow(ctx, query, account))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NonceRecord{}, fmt.Errorf("postgres: nonce for %s: %w", account, domain.ErrNotFound)
		}
		return domain.NonceRecord{}, fmt.Errorf("postgres: latest nonce for %s: %w", account, err)
	}
	return rec, nil
}

// Outstanding returns every record that may still be mined, lowest first.
func (s *NonceStore) Outstanding(ctx context.Context, account string) ([]domain.NonceRecord, error) {
	const query = `
		SELECT account, nonce, status, tx_hash, raw_tx, opportunity_id, updated_at
		FROM nonce_journal WHERE account = $1 AND status = ANY($2)
		ORDER BY nonce ASC`

	statuses := []string{
		string(domain.NonceReserved),
		string(domain.NonceBroadcast),
		string(domain.NonceFailed),
	}
	rows, err := s.pool.Query(ctx, query, account, statuses)
	if err != nil {
		return nil, fmt.Errorf("postgres: outstanding nonces for %s: %w", account, err)
	}
	defer rows.Close()

	var out []domain.NonceRecord
	for rows.Next() {
		rec, err := scanNonce(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan nonce: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: outstanding nonces rows: %w", err)
	}
	return out, nil
}

func scanNonce(row pgx.Row) (domain.NonceRecord, error) {
	var (
		rec    domain.NonceRecord
		nonce  int64
		status string
	)
	if err := row.Scan(&rec.Account, &nonce, &status, &rec.TxHash, &rec.RawTx, &rec.OpportunityID, &rec.UpdatedAt); err != nil {
		return domain.NonceRecord{}, err
	}
	rec.Nonce = uint64(nonce)
	rec.Status = domain.NonceStatus(status)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// rawOrNull stores an absent payload as NULL so an upsert keeps the one
// already journalled.
func rawOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

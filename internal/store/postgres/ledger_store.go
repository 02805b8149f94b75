package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.NonceStore  = (*NonceStore)(nil)
	_ domain.AuditStore  = (*AuditStore)(nil)
)

const uniqueViolation = "23505"

// ledgerColumns is shared by every ledger SELECT. Decimal columns are read
// as text so no precision is lost on the way to decimal.Decimal.
const ledgerColumns = `id, opportunity_id, kind, reason, cycle, pair, buy_pool, sell_pool,
	borrow_asset, amount_in::text, expected_net::text, gross::text, fee::text, net::text,
	tx_hash, nonce, block, late, created_at`

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Append inserts one entry. A repeated entry id yields domain.ErrAlreadyExists.
func (s *LedgerStore) Append(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
		INSERT INTO ledger_entries (
			id, opportunity_id, kind, reason, cycle, pair, buy_pool, sell_pool,
			borrow_asset, amount_in, expected_net, gross, fee, net,
			tx_hash, nonce, block, late, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric,
			$15, $16, $17, $18, $19
		)`

	var nonce *int64
	if e.Nonce != nil {
		n := int64(*e.Nonce)
		nonce = &n
	}
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.OpportunityID, string(e.Kind), e.Reason, int64(e.Cycle), e.Pair, e.BuyPool, e.SellPool,
		e.BorrowAsset, e.AmountIn.String(), e.ExpectedNet.String(), e.Gross.String(), e.Fee.String(), e.Net.String(),
		e.TxHash, nonce, int64(e.Block), e.Late, e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: ledger entry %s: %w", e.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: append ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// List returns entries in insertion order with optional time filtering.
func (s *LedgerStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	q := newListQuery(`SELECT ` + ledgerColumns + ` FROM ledger_entries`)
	q.window(opts)
	q.page("seq ASC", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries: %w", err)
	}
	return collectLedger(rows)
}

// Recent returns up to limit entries, newest first.
func (s *LedgerStore) Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	q := newListQuery(`SELECT ` + ledgerColumns + ` FROM ledger_entries`)
	q.page("seq DESC", domain.ListOpts{Limit: limit})
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent ledger entries: %w", err)
	}
	return collectLedger(rows)
}

func collectLedger(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: ledger rows: %w", err)
	}
	return entries, nil
}

func scanLedger(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e                                   domain.LedgerEntry
		kind                                string
		cycle, block                        int64
		nonce                               *int64
		amountIn, expected, gross, fee, net string
	)
	err := row.Scan(
		&e.ID, &e.OpportunityID, &kind, &e.Reason, &cycle, &e.Pair, &e.BuyPool, &e.SellPool,
		&e.BorrowAsset, &amountIn, &expected, &gross, &fee, &net,
		&e.TxHash, &nonce, &block, &e.Late, &e.CreatedAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: scan ledger entry: %w", err)
	}
	e.Kind = domain.OutcomeKind(kind)
	e.Cycle = uint64(cycle)
	e.Block = uint64(block)
	if nonce != nil {
		n := uint64(*nonce)
		e.Nonce = &n
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.AmountIn, amountIn},
		{&e.ExpectedNet, expected},
		{&e.Gross, gross},
		{&e.Fee, fee},
		{&e.Net, net},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.LedgerEntry{}, fmt.Errorf("postgres: ledger entry %s: parse %q: %w", e.ID, f.src, err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

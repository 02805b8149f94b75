package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.NonceStore  = (*NonceStore)(nil)
	_ domain.AuditStore  = (*AuditStore)(nil)
)

const ledgerColumns = `id, opportunity_id, kind, reason, cycle, pair, buy_pool, sell_pool,
	borrow_asset, amount_in, expected_net, gross, fee, net,
	tx_hash, nonce, block, late, created_at`

// LedgerStore implements domain.LedgerStore.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore creates a LedgerStore on d.
func NewLedgerStore(d *DB) *LedgerStore {
	return &LedgerStore{db: d.db}
}

// Append inserts one entry. A repeated entry id yields domain.ErrAlreadyExists.
func (s *LedgerStore) Append(ctx context.Context, e domain.LedgerEntry) error {
	const query = `INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var nonce sql.NullInt64
	if e.Nonce != nil {
		nonce = sql.NullInt64{Int64: int64(*e.Nonce), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.OpportunityID, string(e.Kind), e.Reason, int64(e.Cycle), e.Pair, e.BuyPool, e.SellPool,
		e.BorrowAsset, e.AmountIn.String(), e.ExpectedNet.String(), e.Gross.String(), e.Fee.String(), e.Net.String(),
		e.TxHash, nonce, int64(e.Block), e.Late, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: ledger entry %s: %w", e.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: append ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// List returns entries in insertion order.
func (s *LedgerStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*opts.Until))
	}
	query += " ORDER BY seq ASC"
	query, args = paginate(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ledger entries: %w", err)
	}
	return collectLedger(rows)
}

// Recent returns up to limit entries, newest first.
func (s *LedgerStore) Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	query, args := paginate(`SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY seq DESC`, nil, domain.ListOpts{Limit: limit})
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent ledger entries: %w", err)
	}
	return collectLedger(rows)
}

// paginate appends LIMIT/OFFSET. SQLite needs a LIMIT for OFFSET, and -1
// means unbounded.
func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit <= 0 && opts.Offset <= 0 {
		return query, args
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	return query, append(args, limit, opts.Offset)
}

func collectLedger(rows *sql.Rows) ([]domain.LedgerEntry, error) {
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
		return nil, fmt.Errorf("sqlite: ledger rows: %w", err)
	}
	return entries, nil
}

func scanLedger(rows *sql.Rows) (domain.LedgerEntry, error) {
	var (
		e                                   domain.LedgerEntry
		kind, createdAt                     string
		cycle, block                        int64
		nonce                               sql.NullInt64
		amountIn, expected, gross, fee, net string
	)
	err := rows.Scan(
		&e.ID, &e.OpportunityID, &kind, &e.Reason, &cycle, &e.Pair, &e.BuyPool, &e.SellPool,
		&e.BorrowAsset, &amountIn, &expected, &gross, &fee, &net,
		&e.TxHash, &nonce, &block, &e.Late, &createdAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: scan ledger entry: %w", err)
	}
	e.Kind = domain.OutcomeKind(kind)
	e.Cycle = uint64(cycle)
	e.Block = uint64(block)
	if nonce.Valid {
		n := uint64(nonce.Int64)
		e.Nonce = &n
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: ledger entry %s: %w", e.ID, err)
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
			return domain.LedgerEntry{}, fmt.Errorf("sqlite: ledger entry %s: parse %q: %w", e.ID, f.src, err)
		}
	}
	return e, nil
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Event  string // audit rows only
}

// LedgerStore persists the append-only execution ledger.
type LedgerStore interface {
	Append(ctx context.Context, entry LedgerEntry) error
	// List returns entries in insertion order.
	List(ctx context.Context, opts ListOpts) ([]LedgerEntry, error)
	// Recent returns the newest entries first.
	Recent(ctx context.Context, limit int) ([]LedgerEntry, error)
}

// NonceStore persists the per-account nonce journal.
type NonceStore interface {
	Save(ctx context.Context, rec NonceRecord) error
	// Latest returns the highest journalled nonce for account, or ErrNotFound.
	Latest(ctx context.Context, account string) (NonceRecord, error)
	// Outstanding returns every journalled nonce that may still be mined.
	Outstanding(ctx context.Context, account string) ([]NonceRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

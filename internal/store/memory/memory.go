// Package memory implements the domain store interfaces in process memory.
// Nothing survives a restart; it backs the observe and simulate modes and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.NonceStore  = (*NonceStore)(nil)
	_ domain.AuditStore  = (*AuditStore)(nil)
)

// LedgerStore implements domain.LedgerStore.
type LedgerStore struct {
	mu      sync.RWMutex
	entries []domain.LedgerEntry
	ids     map[string]struct{}
}

// NewLedgerStore creates an empty ledger.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{ids: make(map[string]struct{})}
}

// Append adds an entry. Entry ids are unique.
func (s *LedgerStore) Append(_ context.Context, e domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[e.ID]; dup {
		return fmt.Errorf("memory: ledger entry %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	s.ids[e.ID] = struct{}{}
	s.entries = append(s.entries, e)
	return nil
}

// List returns entries in insertion order.
func (s *LedgerStore) List(_ context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LedgerEntry
	skipped := 0
	for _, e := range s.entries {
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Recent returns up to limit entries, newest first.
func (s *LedgerStore) Recent(_ context.Context, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]domain.LedgerEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// NonceStore implements domain.NonceStore.
type NonceStore struct {
	mu     sync.RWMutex
	byAcct map[string]map[uint64]domain.NonceRecord
}

// NewNonceStore creates an empty journal.
func NewNonceStore() *NonceStore {
	return &NonceStore{byAcct: make(map[string]map[uint64]domain.NonceRecord)}
}

// Save upserts a record keyed by account and nonce.
func (s *NonceStore) Save(_ context.Context, rec domain.NonceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNonce, ok := s.byAcct[rec.Account]
	if !ok {
		byNonce = make(map[uint64]domain.NonceRecord)
		s.byAcct[rec.Account] = byNonce
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if prev, ok := byNonce[rec.Nonce]; ok && len(rec.RawTx) == 0 {
		rec.RawTx = prev.RawTx
	}
	byNonce[rec.Nonce] = rec
	return nil
}

// Latest returns the highest journalled nonce for account.
func (s *NonceStore) Latest(_ context.Context, account string) (domain.NonceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  domain.NonceRecord
		found bool
	)
	for n, rec := range s.byAcct[account] {
		if !found || n > best.Nonce {
			best, found = rec, true
		}
	}
	if !found {
		return domain.NonceRecord{}, fmt.Errorf("memory: nonce for %s: %w", account, domain.ErrNotFound)
	}
	return best, nil
}

// Outstanding returns every record that may still be mined, lowest first.
func (s *NonceStore) Outstanding(_ context.Context, account string) ([]domain.NonceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.NonceRecord
	for _, rec := range s.byAcct[account] {
		if rec.Status.Outstanding() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out, nil
}

// All returns every record for account, lowest nonce first.
func (s *NonceStore) All(account string) []domain.NonceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NonceRecord, 0, len(s.byAcct[account]))
	for _, rec := range s.byAcct[account] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends an audit row.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit rows, newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Event != "" && e.Event != opts.Event {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// nonceSource is the slice of the chain client the nonce manager reads.
type nonceSource interface {
	ConfirmedNonce(ctx context.Context, account string) (uint64, error)
	PendingNonce(ctx context.Context, account string) (uint64, error)
}

// NonceManager owns the next sequence number of one signing account. Every
// transition is journalled before the caller acts on it, so a restart can
// tell what was in flight.
type NonceManager struct {
	account string
	store   domain.NonceStore
	chain   nonceSource
	logger  *slog.Logger

	mu          sync.Mutex
	next        uint64
	synced      bool
	outstanding *domain.NonceRecord
}

// NewNonceManager creates an unsynced manager. Sync must succeed before the
// first Reserve.
func NewNonceManager(account string, store domain.NonceStore, chain nonceSource, logger *slog.Logger) *NonceManager {
	return &NonceManager{
		account: account,
		store:   store,
		chain:   chain,
		logger:  logger.With(slog.String("component", "nonce"), slog.String("account", account)),
	}
}

// SyncResult lists the journal entries Sync could not settle on its own.
type SyncResult struct {
	// Included were mined; the caller fetches their receipts and settles
	// them.
	Included []domain.NonceRecord
	// Dropped carry a hash but the node has no transaction pending for
	// the account. The caller re-broadcasts the journalled payload.
	Dropped []domain.NonceRecord
}

// Empty reports whether nothing is left for the caller to do.
func (r SyncResult) Empty() bool {
	return len(r.Included) == 0 && len(r.Dropped) == 0
}

// Sync reconciles the journal with the chain. Outstanding entries below the
// chain's confirmed nonce were mined and are returned as included. A
// reserved entry without a hash that the chain never saw is released. A
// signed entry the node no longer holds is returned as dropped. Any
// outstanding entry keeps the manager blocked and Sync returns
// domain.ErrNonceUnresolved.
func (m *NonceManager) Sync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	confirmed, err := m.chain.ConfirmedNonce(ctx, m.account)
	if err != nil {
		return res, fmt.Errorf("nonce: confirmed nonce: %w", err)
	}
	pending, err := m.chain.PendingNonce(ctx, m.account)
	if err != nil {
		return res, fmt.Errorf("nonce: pending nonce: %w", err)
	}
	open, err := m.store.Outstanding(ctx, m.account)
	if err != nil {
		return res, fmt.Errorf("nonce: load journal: %w", err)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Nonce < open[j].Nonce })

	var blocking *domain.NonceRecord
	for i := range open {
		rec := open[i]
		switch {
		case rec.Nonce < confirmed:
			if rec.TxHash == "" {
				// Mined, but not by anything this journal signed.
				m.logger.Warn("journalled nonce consumed by an unknown transaction",
					slog.Uint64("nonce", rec.Nonce))
				if err := m.save(ctx, rec, domain.NonceReleased, ""); err != nil {
					return res, err
				}
				continue
			}
			res.Included = append(res.Included, rec)
		case rec.TxHash == "" && pending == confirmed:
			m.logger.Info("releasing reserved nonce that never left the process",
				slog.Uint64("nonce", rec.Nonce))
			if err := m.save(ctx, rec, domain.NonceReleased, ""); err != nil {
				return res, err
			}
		default:
			if rec.TxHash != "" && pending == confirmed && rec.Nonce == confirmed {
				res.Dropped = append(res.Dropped, rec)
			}
			if blocking == nil {
				r := rec
				blocking = &r
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = confirmed
	if pending > m.next && blocking == nil && len(res.Included) == 0 {
		// Another sender's transactions are queued ahead of us.
		m.next = pending
	}
	m.outstanding = blocking
	m.synced = blocking == nil && len(res.Included) == 0

	if blocking != nil {
		m.logger.Warn("nonce journal unresolved",
			slog.Uint64("nonce", blocking.Nonce),
			slog.String("status", string(blocking.Status)),
			slog.String("tx", blocking.TxHash),
			slog.Uint64("chain_confirmed", confirmed),
			slog.Uint64("chain_pending", pending),
			slog.Int("dropped", len(res.Dropped)),
		)
		return res, fmt.Errorf("nonce: %d %s: %w", blocking.Nonce, blocking.Status, domain.ErrNonceUnresolved)
	}
	m.logger.Debug("nonce synced",
		slog.Uint64("next", m.next),
		slog.Uint64("chain_confirmed", confirmed),
		slog.Uint64("chain_pending", pending),
		slog.Int("included", len(res.Included)),
	)
	return res, nil
}

// Reserve journals and returns the next nonce. Only one nonce may be
// outstanding at a time.
func (m *NonceManager) Reserve(ctx context.Context, opportunityID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.synced {
		return 0, domain.ErrNonceNotSynced
	}
	if m.outstanding != nil {
		return 0, fmt.Errorf("nonce: %d still %s: %w", m.outstanding.Nonce, m.outstanding.Status, domain.ErrNonceUnresolved)
	}
	rec := domain.NonceRecord{
		Account:       m.account,
		Nonce:         m.next,
		Status:        domain.NonceReserved,
		OpportunityID: opportunityID,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return 0, fmt.Errorf("nonce: journal reserve %d: %w", rec.Nonce, err)
	}
	m.outstanding = &rec
	return rec.Nonce, nil
}

// MarkBroadcast journals the signed hash and payload. Call it before the
// payload is sent.
func (m *NonceManager) MarkBroadcast(ctx context.Context, signed domain.SignedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := domain.NonceRecord{Account: m.account, Nonce: signed.Nonce}
	if m.outstanding != nil && m.outstanding.Nonce == signed.Nonce {
		rec = *m.outstanding
	}
	rec.TxHash = signed.Hash
	rec.RawTx = signed.Raw
	return m.applyLocked(ctx, rec, domain.NonceBroadcast)
}

// Resolve journals the terminal state of the outstanding nonce.
//   - confirmed, reverted: the nonce is consumed and the next one is free.
//   - released: the payload never reached the network; the nonce is reused.
//   - failed: fate unknown; the manager blocks until Sync resolves it.
func (m *NonceManager) Resolve(ctx context.Context, nonce uint64, status domain.NonceStatus, hash string) error {
	return m.transition(ctx, nonce, status, hash)
}

func (m *NonceManager) transition(ctx context.Context, nonce uint64, status domain.NonceStatus, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := domain.NonceRecord{Account: m.account, Nonce: nonce}
	if m.outstanding != nil && m.outstanding.Nonce == nonce {
		rec = *m.outstanding
	}
	if hash != "" {
		rec.TxHash = hash
	}
	return m.applyLocked(ctx, rec, status)
}

// Settle journals a new state for a record returned by Sync as included or
// dropped.
func (m *NonceManager) Settle(ctx context.Context, rec domain.NonceRecord, status domain.NonceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ctx, rec, status)
}

func (m *NonceManager) applyLocked(ctx context.Context, rec domain.NonceRecord, status domain.NonceStatus) error {
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("nonce: journal %s %d: %w", status, rec.Nonce, err)
	}

	mine := m.outstanding != nil && m.outstanding.Nonce == rec.Nonce
	switch {
	case status.Consumed():
		if rec.Nonce+1 > m.next {
			m.next = rec.Nonce + 1
		}
		if mine {
			m.outstanding = nil
		}
	case status == domain.NonceReleased:
		if mine {
			m.outstanding = nil
		}
	case status == domain.NonceFailed:
		m.outstanding = &rec
		m.synced = false
	default:
		m.outstanding = &rec
	}
	return nil
}

// save journals a new status for a record found during Sync.
func (m *NonceManager) save(ctx context.Context, rec domain.NonceRecord, status domain.NonceStatus, hash string) error {
	rec.Status = status
	if hash != "" {
		rec.TxHash = hash
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("nonce: journal %s %d: %w", status, rec.Nonce, err)
	}
	return nil
}

// Synced reports whether Reserve may be called.
func (m *NonceManager) Synced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced && m.outstanding == nil
}

// Outstanding returns the journal entry currently blocking Reserve, if any.
func (m *NonceManager) Outstanding() (domain.NonceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding == nil {
		return domain.NonceRecord{}, false
	}
	return *m.outstanding, true
}

// Next returns the nonce the next Reserve would hand out, if synced.
func (m *NonceManager) Next() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, m.synced
}

// IsUnresolved reports whether err means the journal blocks submission.
func IsUnresolved(err error) bool {
	return errors.Is(err, domain.ErrNonceUnresolved) || errors.Is(err, domain.ErrNonceNotSynced)
}

// Package ledger keeps the append-only record of every execution attempt and
// the running profit and loss derived from it.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// loadPage is the page size used when replaying the store on startup.
const loadPage = 500

// originScan bounds how far back a late inclusion looks for its original
// entry.
const originScan = 1_000

var weiPerNative = decimal.New(1, 18)

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Option configures optional Ledger side effects.
type Option func(*Ledger)

// WithAudit writes an audit row per recorded entry.
func WithAudit(audit domain.AuditStore) Option {
	return func(l *Ledger) { l.audit = audit }
}

// WithBus publishes each entry on the outcomes channel and appends it to the
// ledger stream.
func WithBus(bus domain.SignalBus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithPublisher forwards each entry to an external outcome stream.
func WithPublisher(p domain.OutcomePublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithNotifier sends a notification on confirmed and late entries.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// Ledger records outcomes and keeps running totals. It is safe for concurrent
// use.
type Ledger struct {
	store     domain.LedgerStore
	registry  *venue.Registry
	audit     domain.AuditStore
	bus       domain.SignalBus
	publisher domain.OutcomePublisher
	notifier  Notifier
	logger    *slog.Logger

	mu      sync.Mutex
	totals  totals
	origins map[string]domain.ArbitrageOpportunity // broadcast-and-failed, by opportunity id
}

// New creates a Ledger on top of store.
func New(store domain.LedgerStore, registry *venue.Registry, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		registry: registry,
		logger:   logger.With(slog.String("component", "ledger")),
		totals:   newTotals(),
		origins:  make(map[string]domain.ArbitrageOpportunity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one entry for the outcome and updates the running totals.
// Every terminal outcome is recorded, including skips.
func (l *Ledger) Record(ctx context.Context, o domain.ExecutionOutcome, opp domain.ArbitrageOpportunity) error {
	if o.Late {
		opp = l.origin(ctx, o, opp)
	}
	entry, err := l.entry(o, opp)
	if err != nil {
		l.logger.Warn("cost attribution incomplete",
			slog.String("opp_id", o.OpportunityID),
			slog.String("error", err.Error()),
		)
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}

	l.mu.Lock()
	l.totals.apply(entry)
	if o.Kind == domain.OutcomeFailed && o.TxHash != "" {
		l.origins[opp.ID] = opp
	} else if o.Late {
		delete(l.origins, opp.ID)
	}
	l.mu.Unlock()

	l.logEntry(entry, opp)
	l.fanOut(ctx, entry)
	return nil
}

// entry builds the ledger row. The returned error reports a conversion that
// could not be performed; the entry is still usable with zero buckets.
func (l *Ledger) entry(o domain.ExecutionOutcome, opp domain.ArbitrageOpportunity) (domain.LedgerEntry, error) {
	created := o.CompletedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	e := domain.LedgerEntry{
		ID:            uuid.New().String(),
		OpportunityID: o.OpportunityID,
		Kind:          o.Kind,
		Reason:        o.Reason,
		Cycle:         opp.Cycle,
		Pair:          opp.Pair,
		BuyPool:       opp.Legs[0].Pool,
		SellPool:      opp.Legs[1].Pool,
		BorrowAsset:   opp.BorrowAsset,
		AmountIn:      decimal.NewFromFloat(opp.AmountIn),
		ExpectedNet:   decimal.NewFromFloat(opp.Costs.Net),
		Gross:         decimal.Zero,
		Fee:           decimal.Zero,
		Net:           decimal.Zero,
		TxHash:        o.TxHash,
		Nonce:         o.Nonce,
		Late:          o.Late,
		CreatedAt:     created,
	}
	if e.OpportunityID == "" {
		e.OpportunityID = opp.ID
	}
	if o.Receipt == nil {
		return e, nil
	}
	e.Block = o.Receipt.Block

	asset, err := l.registry.Asset(opp.BorrowAsset)
	if err != nil {
		return e, fmt.Errorf("borrow asset %q: %w", opp.BorrowAsset, err)
	}
	if o.Kind == domain.OutcomeConfirmed && o.RealizedProfit != nil {
		e.Gross = decimal.NewFromBigInt(o.RealizedProfit, -int32(asset.Decimals))
	}
	e.Fee = decimal.NewFromBigInt(o.Receipt.FeePaid(), 0).
		Div(weiPerNative).
		Mul(decimal.NewFromFloat(asset.NativePrice))
	e.Net = e.Gross.Sub(e.Fee)
	return e, nil
}

// origin recovers the route of a transaction that was given up on and later
// included. It checks the in-process map first, then recent store history.
func (l *Ledger) origin(ctx context.Context, o domain.ExecutionOutcome, opp domain.ArbitrageOpportunity) domain.ArbitrageOpportunity {
	l.mu.Lock()
	orig, ok := l.origins[o.OpportunityID]
	l.mu.Unlock()
	if ok {
		return orig
	}

	recent, err := l.store.Recent(ctx, originScan)
	if err != nil {
		l.logger.Warn("late inclusion origin lookup failed",
			slog.String("opp_id", o.OpportunityID),
			slog.String("error", err.Error()),
		)
		return opp
	}
	for _, e := range recent {
		if e.OpportunityID != o.OpportunityID || e.TxHash != o.TxHash || e.Late {
			continue
		}
		opp.ID = e.OpportunityID
		opp.Cycle = e.Cycle
		opp.Pair = e.Pair
		opp.BorrowAsset = e.BorrowAsset
		opp.Legs[0].Pool = e.BuyPool
		opp.Legs[1].Pool = e.SellPool
		opp.AmountIn = e.AmountIn.InexactFloat64()
		return opp
	}
	l.logger.Warn("late inclusion without original entry",
		slog.String("opp_id", o.OpportunityID),
		slog.String("tx", o.TxHash),
	)
	return opp
}

func (l *Ledger) logEntry(e domain.LedgerEntry, opp domain.ArbitrageOpportunity) {
	attrs := []any{
		slog.String("entry_id", e.ID),
		slog.String("opp_id", e.OpportunityID),
		slog.String("kind", string(e.Kind)),
		slog.String("pair", e.Pair),
		slog.Uint64("cycle", e.Cycle),
		slog.String("amount_in", e.AmountIn.String()),
		slog.Float64("expected_gross", opp.Costs.Gross),
		slog.Float64("borrow_fee", opp.Costs.BorrowFee),
		slog.Float64("leg1_fee", opp.Costs.Leg1Fee),
		slog.Float64("leg2_fee", opp.Costs.Leg2Fee),
		slog.Float64("impact", opp.Costs.Impact),
		slog.Float64("execution_cost", opp.Costs.ExecutionCost),
		slog.String("expected_net", e.ExpectedNet.String()),
		slog.String("gross", e.Gross.String()),
		slog.String("fee", e.Fee.String()),
		slog.String("net", e.Net.String()),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.TxHash != "" {
		attrs = append(attrs, slog.String("tx", e.TxHash))
	}
	if e.Late {
		attrs = append(attrs, slog.Bool("late", true))
	}
	l.logger.Info("ledger entry", attrs...)
}

// fanOut runs the best-effort side effects of a recorded entry. Failures are
// logged and never undo the append.
func (l *Ledger) fanOut(ctx context.Context, e domain.LedgerEntry) {
	payload, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("marshal ledger entry", slog.String("error", err.Error()))
		return
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, domain.ChannelOutcomes, payload); err != nil {
			l.logger.Warn("publish outcome failed", slog.String("error", err.Error()))
		}
		if err := l.bus.StreamAppend(ctx, domain.StreamLedger, payload); err != nil {
			l.logger.Warn("append ledger stream failed", slog.String("error", err.Error()))
		}
	}
	if l.publisher != nil {
		if err := l.publisher.PublishEntry(ctx, e); err != nil {
			l.logger.Warn("outcome stream publish failed", slog.String("error", err.Error()))
		}
	}
	if l.audit != nil {
		detail := map[string]any{
			"entry_id":       e.ID,
			"opportunity_id": e.OpportunityID,
			"kind":           string(e.Kind),
			"net":            e.Net.String(),
		}
		if e.TxHash != "" {
			detail["tx_hash"] = e.TxHash
		}
		if err := l.audit.Log(ctx, "ledger_entry", detail); err != nil {
			l.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	if l.notifier == nil {
		return
	}
	switch {
	case e.Late:
		l.notify(ctx, domain.EventLateInclusion, "Late inclusion",
			fmt.Sprintf("%s resolved %s after timeout (nonce %s, net %s %s)", e.TxHash, e.Kind, nonceString(e.Nonce), e.Net.StringFixed(4), e.BorrowAsset))
	case e.Kind == domain.OutcomeConfirmed:
		l.notify(ctx, domain.EventConfirmed, "Arbitrage confirmed",
			fmt.Sprintf("%s %s>%s net %s %s (expected %s) tx %s",
				e.Pair, e.BuyPool, e.SellPool, e.Net.StringFixed(4), e.BorrowAsset, e.ExpectedNet.StringFixed(4), e.TxHash))
	}
}

func (l *Ledger) notify(ctx context.Context, event, title, msg string) {
	if err := l.notifier.Notify(ctx, event, title, msg); err != nil {
		l.logger.Warn("notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Load rebuilds the running totals from the store. Call it once on startup,
// before the first Record.
func (l *Ledger) Load(ctx context.Context) error {
	t := newTotals()
	var n int
	for offset := 0; ; offset += loadPage {
		page, err := l.store.List(ctx, domain.ListOpts{Limit: loadPage, Offset: offset})
		if err != nil {
			return fmt.Errorf("ledger: load: %w", err)
		}
		for _, e := range page {
			t.apply(e)
		}
		n += len(page)
		if len(page) < loadPage {
			break
		}
	}

	l.mu.Lock()
	l.totals = t
	l.mu.Unlock()

	s := t.summary()
	l.logger.Info("ledger loaded",
		slog.Int("entries", n),
		slog.Int64("attempts", s.Attempts),
		slog.String("total_net", s.TotalNet.String()),
	)
	return nil
}

// Summary returns the aggregate view of the ledger.
func (l *Ledger) Summary() domain.LedgerSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals.summary()
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	entries, err := l.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	return entries, nil
}

// Reconcile compares the ledger's total net with an independently observed
// balance change. It returns ErrReconcileDrift when they differ by more than
// tolerance.
func (l *Ledger) Reconcile(observed, tolerance decimal.Decimal) error {
	net := l.Summary().TotalNet
	drift := net.Sub(observed).Abs()
	if drift.GreaterThan(tolerance) {
		return fmt.Errorf("%w: ledger net %s, observed %s, drift %s exceeds %s",
			domain.ErrReconcileDrift, net, observed, drift, tolerance)
	}
	l.logger.Debug("ledger reconciled",
		slog.String("net", net.String()),
		slog.String("observed", observed.String()),
	)
	return nil
}

func nonceString(n *uint64) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *n)
}

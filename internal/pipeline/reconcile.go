package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

var weiPerNative = decimal.New(1, 18)

// BalanceReader reads on-chain balances.
type BalanceReader interface {
	TokenBalance(ctx context.Context, token, account string) (*big.Int, error)
	NativeBalance(ctx context.Context, account string) (*big.Int, error)
}

// LedgerReconciler is the ledger side of a reconciliation.
type LedgerReconciler interface {
	Summary() domain.LedgerSummary
	Reconcile(observed, tolerance decimal.Decimal) error
}

// ReconcileTarget names the balances that move with the ledger: profit in
// the borrow asset lands on Receiver, gas is paid by Signer.
type ReconcileTarget struct {
	Asset    domain.Asset
	Receiver string
	Signer   string
}

type balances struct {
	token  *big.Int
	native *big.Int
	net    decimal.Decimal
}

// Reconciler compares the ledger's net since startup with the observed
// balance change: receiver token delta minus signer gas spend, converted at
// the asset's native price.
type Reconciler struct {
	chain     BalanceReader
	ledger    LedgerReconciler
	target    ReconcileTarget
	tolerance decimal.Decimal
	notifier  Notifier
	audit     domain.AuditStore
	logger    *slog.Logger

	mu       sync.Mutex
	baseline *balances
}

// NewReconciler creates a Reconciler. notifier and audit may be nil.
func NewReconciler(
	chain BalanceReader,
	ledger LedgerReconciler,
	target ReconcileTarget,
	tolerance decimal.Decimal,
	notifier Notifier,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		chain:     chain,
		ledger:    ledger,
		target:    target,
		tolerance: tolerance,
		notifier:  notifier,
		audit:     audit,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Name implements Job.
func (r *Reconciler) Name() string { return "reconcile" }

// Baseline records the starting balances. Run calls it if it has not been
// called yet.
func (r *Reconciler) Baseline(ctx context.Context) error {
	b, err := r.read(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.baseline = &b
	r.mu.Unlock()
	r.logger.Info("reconciliation baseline",
		slog.String("asset", r.target.Asset.ID),
		slog.String("token_balance", b.token.String()),
		slog.String("native_balance", b.native.String()),
		slog.String("ledger_net", b.net.String()),
	)
	return nil
}

// Run compares the current balances with the baseline.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	base := r.baseline
	r.mu.Unlock()
	if base == nil {
		return r.Baseline(ctx)
	}

	cur, err := r.read(ctx)
	if err != nil {
		return err
	}
	observed := r.observedDelta(*base, cur)

	// Reconcile compares totals; shifting by the baseline net makes it a
	// comparison of deltas since startup.
	err = r.ledger.Reconcile(observed.Add(base.net), r.tolerance)
	if err == nil {
		r.logger.Debug("reconciled",
			slog.String("observed", observed.String()),
			slog.String("ledger_delta", cur.net.Sub(base.net).String()),
		)
		return nil
	}
	if !errors.Is(err, domain.ErrReconcileDrift) {
		return fmt.Errorf("pipeline: reconcile: %w", err)
	}

	ledgerDelta := cur.net.Sub(base.net)
	r.logger.Warn("ledger drift",
		slog.String("asset", r.target.Asset.ID),
		slog.String("observed", observed.String()),
		slog.String("ledger_delta", ledgerDelta.String()),
		slog.String("tolerance", r.tolerance.String()),
	)
	if r.audit != nil {
		if aerr := r.audit.Log(ctx, domain.EventReconcileDrift, map[string]any{
			"asset":        r.target.Asset.ID,
			"observed":     observed.String(),
			"ledger_delta": ledgerDelta.String(),
			"tolerance":    r.tolerance.String(),
		}); aerr != nil {
			r.logger.Warn("audit log failed", slog.String("error", aerr.Error()))
		}
	}
	if r.notifier != nil {
		msg := fmt.Sprintf("%s: ledger net %s vs observed %s (tolerance %s)",
			r.target.Asset.ID, ledgerDelta.StringFixed(6), observed.StringFixed(6), r.tolerance)
		if nerr := r.notifier.Notify(ctx, domain.EventReconcileDrift, "Ledger drift", msg); nerr != nil {
			r.logger.Warn("drift notification failed", slog.String("error", nerr.Error()))
		}
	}
	return nil
}

func (r *Reconciler) observedDelta(base, cur balances) decimal.Decimal {
	decimals := -int32(r.target.Asset.Decimals)
	token := decimal.NewFromBigInt(new(big.Int).Sub(cur.token, base.token), decimals)
	gas := decimal.NewFromBigInt(new(big.Int).Sub(base.native, cur.native), 0).
		Div(weiPerNative).
		Mul(decimal.NewFromFloat(r.target.Asset.NativePrice))
	return token.Sub(gas)
}

func (r *Reconciler) read(ctx context.Context) (balances, error) {
	token, err := r.chain.TokenBalance(ctx, r.target.Asset.Address, r.target.Receiver)
	if err != nil {
		return balances{}, fmt.Errorf("pipeline: receiver balance: %w", err)
	}
	native, err := r.chain.NativeBalance(ctx, r.target.Signer)
	if err != nil {
		return balances{}, fmt.Errorf("pipeline: signer balance: %w", err)
	}
	return balances{token: token, native: native, net: r.ledger.Summary().TotalNet}, nil
}

// BorrowAsset returns the single asset every pair borrows. Reconciliation
// is only meaningful when exactly one exists.
func BorrowAsset(pairs []domain.Pair) (string, error) {
	var asset string
	for _, p := range pairs {
		if asset == "" {
			asset = p.Quote
			continue
		}
		if p.Quote != asset {
			return "", fmt.Errorf("pipeline: pairs borrow both %s and %s", asset, p.Quote)
		}
	}
	if asset == "" {
		return "", errors.New("pipeline: no tradable pairs")
	}
	return asset, nil
}

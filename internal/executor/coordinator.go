// Package executor owns the settlement submission lifecycle: pre-flight
// gates, simulation, nonce sequencing, broadcast, confirmation tracking and
// the circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/retry"
)

// Coordinator states reported on the operator surface.
const (
	StateIdle       = "idle"
	StateSimulating = "simulating"
	StateSubmitted  = "submitted"
)

// Recorder persists terminal outcomes.
type Recorder interface {
	Record(ctx context.Context, o domain.ExecutionOutcome, opp domain.ArbitrageOpportunity) error
}

// PoolView is the coordinator's view of the price monitor.
type PoolView interface {
	CurrentCycle() uint64
	Invalidate(ids ...string)
}

// persistTimeout bounds journal and outcome writes that must land after the
// submission context is cancelled.
const persistTimeout = 5 * time.Second

// maxSyncRounds bounds how many times ensureSynced re-reads the chain after
// settling included or dropped entries.
const maxSyncRounds = 4

// Config tunes the coordinator.
type Config struct {
	FreshnessBudget     uint64
	SimulateTimeout     time.Duration
	ConfirmTimeout      time.Duration
	ReceiptPollInterval time.Duration
	BroadcastRetries    int
	Backoff             retry.Backoff
	TipMultiplier       float64
	MaxFeeCap           *big.Int // wei, nil for no cap
	LockTTL             time.Duration
	DedupTTL            time.Duration
	// UnresolvedAlarmAfter is the number of consecutive nonce_unresolved
	// skips that raises the stuck-journal alarm. Zero disables it.
	UnresolvedAlarmAfter int
}

// Coordinator serialises submissions for one signing account.
type Coordinator struct {
	cfg      Config
	chain    domain.ChainClient
	signer   domain.Signer
	nonces   *NonceManager
	circuit  *Circuit
	dedup    *Dedup
	pools    PoolView
	recorder Recorder
	locks    domain.LockManager
	onStuck  func(ctx context.Context, skips int, rec domain.NonceRecord)

	// unresolvedSkips counts consecutive nonce_unresolved outcomes. Only
	// Submit touches it.
	unresolvedSkips int

	mode  atomic.Value // domain.Mode
	state atomic.Value // string

	logger *slog.Logger
}

// Deps groups the coordinator's collaborators.
type Deps struct {
	Chain    domain.ChainClient
	Signer   domain.Signer
	Nonces   *NonceManager
	Circuit  *Circuit
	Pools    PoolView
	Recorder Recorder
	Locks    domain.LockManager // optional

	// OnNonceStuck fires once when UnresolvedAlarmAfter consecutive
	// submissions are skipped on an unresolved journal entry.
	OnNonceStuck func(ctx context.Context, skips int, rec domain.NonceRecord)
}

// NewCoordinator creates a Coordinator in the given mode.
func NewCoordinator(cfg Config, deps Deps, mode domain.Mode, logger *slog.Logger) *Coordinator {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 30 * time.Second
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 500 * time.Millisecond
	}
	if cfg.TipMultiplier <= 0 {
		cfg.TipMultiplier = 1
	}
	c := &Coordinator{
		cfg:      cfg,
		chain:    deps.Chain,
		signer:   deps.Signer,
		nonces:   deps.Nonces,
		circuit:  deps.Circuit,
		dedup:    NewDedup(cfg.DedupTTL),
		pools:    deps.Pools,
		recorder: deps.Recorder,
		locks:    deps.Locks,
		onStuck:  deps.OnNonceStuck,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
	c.mode.Store(mode)
	c.state.Store(StateIdle)
	return c
}

// Mode returns the current operating mode.
func (c *Coordinator) Mode() domain.Mode { return c.mode.Load().(domain.Mode) }

// SetMode switches the operating mode. It takes effect for the next
// submission.
func (c *Coordinator) SetMode(m domain.Mode) domain.Mode {
	prev := c.mode.Swap(m).(domain.Mode)
	if prev != m {
		c.logger.Warn("mode changed", slog.String("from", string(prev)), slog.String("to", string(m)))
	}
	return prev
}

// State returns the lifecycle state of the current submission.
func (c *Coordinator) State() string { return c.state.Load().(string) }

// Circuit returns the breaker.
func (c *Coordinator) Circuit() *Circuit { return c.circuit }

// Nonces returns the nonce manager.
func (c *Coordinator) Nonces() *NonceManager { return c.nonces }

// LockKey is the distributed lock guarding one signing account.
func LockKey(account string) string {
	return "lock:signer:" + account
}

// Run holds the signer lock and submits every transaction received on in, one
// at a time. It returns when ctx is done, in is closed or the lock is lost.
func (c *Coordinator) Run(ctx context.Context, in <-chan domain.PreparedTransaction) error {
	var lost <-chan struct{}
	if c.locks != nil {
		release, l, err := c.locks.Hold(ctx, LockKey(c.signer.Address()), c.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("coordinator: signer lock: %w", err)
		}
		defer release()
		lost = l
	}

	c.logger.Info("coordinator started",
		slog.String("account", c.signer.Address()),
		slog.String("mode", string(c.Mode())),
	)
	defer c.logger.Info("coordinator stopped")

	if err := c.ensureSynced(ctx); err != nil {
		c.logger.Warn("initial nonce sync incomplete", slog.String("error", err.Error()))
	}

	cleanup := time.NewTicker(c.cfg.DedupTTL)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return fmt.Errorf("coordinator: %w: signer lock lost", domain.ErrLockHeld)
		case tx, ok := <-in:
			if !ok {
				return nil
			}
			c.Submit(ctx, tx)
		case <-cleanup.C:
			c.dedup.Cleanup()
		}
	}
}

// Submit runs one transaction through the state machine and returns its
// terminal outcome. The outcome is fed to the circuit and the recorder.
func (c *Coordinator) Submit(ctx context.Context, tx domain.PreparedTransaction) domain.ExecutionOutcome {
	opp := tx.Opportunity
	log := c.logger.With(
		slog.String("opp_id", opp.ID),
		slog.String("pair", opp.Pair),
		slog.Uint64("cycle", tx.Cycle()),
	)

	out := c.submit(ctx, tx, log)
	out.OpportunityID = opp.ID
	out.CompletedAt = time.Now().UTC()
	c.state.Store(StateIdle)

	c.circuit.Record(out)
	c.trackUnresolved(ctx, out)
	if c.recorder != nil {
		pctx, cancel := persistCtx(ctx)
		if err := c.recorder.Record(pctx, out, opp); err != nil {
			log.Error("record outcome failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	return out
}

// trackUnresolved raises the stuck-journal alarm once per streak of
// nonce_unresolved skips and clears the streak when the manager resyncs.
func (c *Coordinator) trackUnresolved(ctx context.Context, out domain.ExecutionOutcome) {
	if out.Kind == domain.OutcomeSkipped && out.Reason == domain.SkipNonceUnresolved {
		c.unresolvedSkips++
		if c.cfg.UnresolvedAlarmAfter <= 0 || c.unresolvedSkips != c.cfg.UnresolvedAlarmAfter {
			return
		}
		rec, _ := c.nonces.Outstanding()
		c.logger.Error("NONCE JOURNAL STUCK: submissions blocked",
			slog.Int("consecutive_skips", c.unresolvedSkips),
			slog.Uint64("nonce", rec.Nonce),
			slog.String("status", string(rec.Status)),
			slog.String("tx", rec.TxHash),
		)
		if c.onStuck != nil {
			pctx, cancel := persistCtx(ctx)
			c.onStuck(pctx, c.unresolvedSkips, rec)
			cancel()
		}
		return
	}
	if c.unresolvedSkips > 0 && c.nonces.Synced() {
		if c.cfg.UnresolvedAlarmAfter > 0 && c.unresolvedSkips >= c.cfg.UnresolvedAlarmAfter {
			c.logger.Info("nonce journal recovered", slog.Int("skipped", c.unresolvedSkips))
		}
		c.unresolvedSkips = 0
	}
}

func (c *Coordinator) submit(ctx context.Context, tx domain.PreparedTransaction, log *slog.Logger) domain.ExecutionOutcome {
	mode := c.Mode()
	if mode == domain.ModeObserve {
		return skipped(domain.SkipObserveOnly)
	}

	// 1. Circuit.
	allowed, probe := c.circuit.Allow()
	if !allowed {
		log.Debug("circuit paused, skipping")
		return skipped(domain.SkipCircuitPaused)
	}
	abort := func() {
		if probe {
			c.circuit.ProbeAborted()
		}
	}

	// 2. Freshness.
	if current := c.pools.CurrentCycle(); current > tx.Cycle() && current-tx.Cycle() > c.cfg.FreshnessBudget {
		log.Debug("opportunity stale, dropping", slog.Uint64("current_cycle", current))
		abort()
		return skipped(domain.SkipStale)
	}

	// 3. Nonce readiness. Simulate mode never consumes a nonce.
	if mode == domain.ModeLive && !c.nonces.Synced() {
		if err := c.ensureSynced(ctx); err != nil {
			log.Warn("nonce journal unresolved, skipping", slog.String("error", err.Error()))
			abort()
			return skipped(domain.SkipNonceUnresolved)
		}
	}

	// 4. Dedup.
	if c.dedup.IsDuplicate(tx.Opportunity.Key()) {
		log.Debug("duplicate opportunity, skipping")
		abort()
		return skipped(domain.SkipDuplicate)
	}

	// Simulation.
	c.state.Store(StateSimulating)
	sim, err := c.simulate(ctx, tx)
	if err != nil {
		log.Warn("simulation transport failed", slog.String("error", err.Error()))
		if probe {
			c.circuit.ProbeFailed()
		}
		return domain.ExecutionOutcome{Kind: domain.OutcomeFailed, Reason: "simulate: " + err.Error()}
	}
	if sim.Reverted || sim.Profit == nil || (tx.MinProfit != nil && sim.Profit.Cmp(tx.MinProfit) < 0) {
		reason := sim.Reason
		if reason == "" {
			reason = "predicted profit below minimum"
		}
		log.Info("simulation rejected", slog.String("reason", reason), slog.Bool("probe", probe))
		if probe {
			c.circuit.ProbeFailed()
		}
		return domain.ExecutionOutcome{
			Kind:            domain.OutcomeSkipped,
			Reason:          domain.SkipSimulation,
			SimulatedProfit: sim.Profit,
		}
	}
	if probe {
		c.circuit.Reset("probe")
	}
	if mode == domain.ModeSimulate {
		log.Info("simulation passed, not broadcasting",
			slog.String("simulated_profit", sim.Profit.String()))
		return domain.ExecutionOutcome{
			Kind:            domain.OutcomeSkipped,
			Reason:          domain.SkipSimulateOnly,
			SimulatedProfit: sim.Profit,
		}
	}

	return c.broadcastAndConfirm(ctx, tx, sim, log)
}

func (c *Coordinator) simulate(ctx context.Context, tx domain.PreparedTransaction) (domain.SimulationResult, error) {
	var res domain.SimulationResult
	err := retry.Do(ctx, c.cfg.BroadcastRetries+1, c.cfg.Backoff, transient, func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, c.cfg.SimulateTimeout)
		defer cancel()
		r, err := c.chain.Simulate(callCtx, c.signer.Address(), tx)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// broadcastAndConfirm runs Simulating -> Submitted -> terminal.
func (c *Coordinator) broadcastAndConfirm(ctx context.Context, tx domain.PreparedTransaction, sim domain.SimulationResult, log *slog.Logger) domain.ExecutionOutcome {
	nonce, err := c.nonces.Reserve(ctx, tx.Opportunity.ID)
	if err != nil {
		log.Warn("nonce reserve failed", slog.String("error", err.Error()))
		return skipped(domain.SkipNonceUnresolved)
	}
	n := nonce
	failed := func(status domain.NonceStatus, hash, reason string) domain.ExecutionOutcome {
		pctx, cancel := persistCtx(ctx)
		defer cancel()
		if err := c.nonces.Resolve(pctx, nonce, status, hash); err != nil {
			log.Error("nonce journal write failed", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
		}
		return domain.ExecutionOutcome{
			Kind:            domain.OutcomeFailed,
			Reason:          reason,
			TxHash:          hash,
			Nonce:           &n,
			SimulatedProfit: sim.Profit,
		}
	}

	bid, err := c.feeBid(ctx)
	if err != nil {
		return failed(domain.NonceReleased, "", "fees: "+err.Error())
	}
	tx.Nonce = nonce
	tx.TipCap = bid.TipCap
	tx.FeeCap = bid.FeeCap

	signed, err := c.signer.Sign(ctx, tx)
	if err != nil {
		return failed(domain.NonceReleased, "", "sign: "+err.Error())
	}
	if err := c.nonces.MarkBroadcast(ctx, signed); err != nil {
		// Without a journalled hash a restart could not resolve this nonce.
		return failed(domain.NonceReleased, "", "journal: "+err.Error())
	}

	err = retry.Do(ctx, c.cfg.BroadcastRetries+1, c.cfg.Backoff, transient, func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, c.cfg.SimulateTimeout)
		defer cancel()
		return c.chain.Broadcast(callCtx, signed)
	})
	switch {
	case errors.Is(err, domain.ErrNonceInUse):
		// Something else holds this nonce. Sync settles it once the chain
		// shows which transaction won.
		log.Warn("nonce occupied on chain", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
		return failed(domain.NonceFailed, signed.Hash, "nonce in use: "+err.Error())
	case errors.Is(err, domain.ErrTxRejected):
		log.Warn("broadcast rejected", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
		return failed(domain.NonceReleased, signed.Hash, "rejected: "+err.Error())
	case err != nil:
		log.Error("broadcast failed", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
		return failed(domain.NonceFailed, signed.Hash, "broadcast: "+err.Error())
	}

	c.state.Store(StateSubmitted)
	log.Info("transaction submitted",
		slog.String("tx", signed.Hash),
		slog.Uint64("nonce", nonce),
		slog.String("tip_cap", bid.TipCap.String()),
		slog.String("fee_cap", bid.FeeCap.String()),
	)

	rcpt, err := c.awaitReceipt(ctx, signed.Hash)
	if err != nil {
		log.Error("transaction not confirmed", slog.String("tx", signed.Hash), slog.String("error", err.Error()))
		return failed(domain.NonceFailed, signed.Hash, err.Error())
	}

	out := domain.ExecutionOutcome{
		TxHash:          signed.Hash,
		Nonce:           &n,
		Receipt:         &rcpt,
		SimulatedProfit: sim.Profit,
	}
	status := domain.NonceReverted
	if rcpt.Succeeded() {
		status = domain.NonceConfirmed
		out.Kind = domain.OutcomeConfirmed
		out.RealizedProfit = rcpt.Profit
		c.pools.Invalidate(tx.Opportunity.Pools()...)
	} else {
		out.Kind = domain.OutcomeReverted
		out.Reason = "status 0"
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := c.nonces.Resolve(pctx, nonce, status, signed.Hash); err != nil {
		log.Error("nonce journal write failed", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
	}
	log.Info("transaction included",
		slog.String("tx", signed.Hash),
		slog.String("outcome", string(out.Kind)),
		slog.Uint64("block", rcpt.Block),
		slog.Uint64("gas_used", rcpt.GasUsed),
	)
	return out
}

// feeBid scales the suggested tip and keeps the cap at 2*base + tip, bounded
// by MaxFeeCap.
func (c *Coordinator) feeBid(ctx context.Context) (domain.FeeBid, error) {
	callCtx, cancel := withTimeout(ctx, c.cfg.SimulateTimeout)
	defer cancel()
	bid, err := c.chain.SuggestFees(callCtx)
	if err != nil {
		return domain.FeeBid{}, err
	}
	if bid.TipCap == nil || bid.FeeCap == nil {
		return domain.FeeBid{}, errors.New("incomplete fee suggestion")
	}
	base2 := new(big.Int).Sub(bid.FeeCap, bid.TipCap)
	tip := decimal.NewFromBigInt(bid.TipCap, 0).Mul(decimal.NewFromFloat(c.cfg.TipMultiplier)).Ceil().BigInt()
	feeCap := new(big.Int).Add(base2, tip)
	if c.cfg.MaxFeeCap != nil && c.cfg.MaxFeeCap.Sign() > 0 && feeCap.Cmp(c.cfg.MaxFeeCap) > 0 {
		feeCap = new(big.Int).Set(c.cfg.MaxFeeCap)
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
	}
	return domain.FeeBid{TipCap: tip, FeeCap: feeCap}, nil
}

// awaitReceipt polls until the receipt appears or ConfirmTimeout elapses.
func (c *Coordinator) awaitReceipt(ctx context.Context, hash string) (domain.Receipt, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()
	for {
		r, err := c.chain.Receipt(ctx, hash)
		switch {
		case err == nil:
			return r, nil
		case !errors.Is(err, domain.ErrNotFound):
			c.logger.Debug("receipt poll error", slog.String("tx", hash), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return domain.Receipt{}, fmt.Errorf("%w: %s", domain.ErrReceiptTimeout, hash)
		case <-ticker.C:
		}
	}
}

// ensureSynced syncs the nonce manager, resolves any journalled transaction
// that was mined after this process gave up on it and re-broadcasts any the
// node dropped.
func (c *Coordinator) ensureSynced(ctx context.Context) error {
	for round := 1; ; round++ {
		res, err := c.nonces.Sync(ctx)
		if res.Empty() || round == maxSyncRounds {
			return err
		}
		for _, rec := range res.Included {
			c.resolveLate(ctx, rec)
		}
		progressed := len(res.Included) > 0
		for _, rec := range res.Dropped {
			if c.rebroadcast(ctx, rec) {
				progressed = true
			}
		}
		if !progressed {
			return err
		}
	}
}

func (c *Coordinator) resolveLate(ctx context.Context, rec domain.NonceRecord) {
	log := c.logger.With(slog.Uint64("nonce", rec.Nonce), slog.String("tx", rec.TxHash))
	rcpt, err := c.chain.Receipt(ctx, rec.TxHash)
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err != nil {
		// The nonce was used by a transaction with a different hash.
		log.Warn("journalled transaction not found on chain", slog.String("error", err.Error()))
		if err := c.nonces.Settle(pctx, rec, domain.NonceReleased); err != nil {
			log.Error("nonce journal write failed", slog.String("error", err.Error()))
		}
		return
	}

	n := rec.Nonce
	out := domain.ExecutionOutcome{
		Kind:          domain.OutcomeReverted,
		Reason:        "late inclusion",
		OpportunityID: rec.OpportunityID,
		TxHash:        rec.TxHash,
		Nonce:         &n,
		Receipt:       &rcpt,
		Late:          true,
		CompletedAt:   time.Now().UTC(),
	}
	status := domain.NonceReverted
	if rcpt.Succeeded() {
		out.Kind = domain.OutcomeConfirmed
		out.RealizedProfit = rcpt.Profit
		status = domain.NonceConfirmed
	}
	if err := c.nonces.Settle(pctx, rec, status); err != nil {
		log.Error("nonce journal write failed", slog.String("error", err.Error()))
	}
	log.Warn("late inclusion resolved", slog.String("outcome", string(out.Kind)), slog.Uint64("block", rcpt.Block))
	if c.recorder != nil {
		if err := c.recorder.Record(pctx, out, domain.ArbitrageOpportunity{ID: rec.OpportunityID}); err != nil {
			log.Error("record late outcome failed", slog.String("error", err.Error()))
		}
	}
}

// rebroadcast resends the journalled payload of a transaction the node no
// longer holds and reports whether the journal entry moved. The nonce is
// released only when the node refuses the payload outright; any other
// failure leaves the entry blocking for the next sync.
func (c *Coordinator) rebroadcast(ctx context.Context, rec domain.NonceRecord) bool {
	log := c.logger.With(slog.Uint64("nonce", rec.Nonce), slog.String("tx", rec.TxHash))
	if len(rec.RawTx) == 0 {
		log.Warn("dropped transaction has no journalled payload, releasing nonce")
		return c.settleDetached(ctx, rec, domain.NonceReleased, log)
	}

	signed := domain.SignedTransaction{Hash: rec.TxHash, Nonce: rec.Nonce, Raw: rec.RawTx}
	err := retry.Do(ctx, c.cfg.BroadcastRetries+1, c.cfg.Backoff, transient, func(ctx context.Context) error {
		callCtx, cancel := withTimeout(ctx, c.cfg.SimulateTimeout)
		defer cancel()
		return c.chain.Broadcast(callCtx, signed)
	})
	switch {
	case err == nil:
		log.Warn("dropped transaction re-broadcast")
		return c.settleDetached(ctx, rec, domain.NonceBroadcast, log)
	case errors.Is(err, domain.ErrNonceInUse):
		log.Warn("dropped transaction's nonce now occupied, waiting for chain", slog.String("error", err.Error()))
	case errors.Is(err, domain.ErrTxRejected):
		log.Warn("dropped transaction rejected on re-broadcast, releasing nonce", slog.String("error", err.Error()))
		return c.settleDetached(ctx, rec, domain.NonceReleased, log)
	default:
		log.Error("re-broadcast of dropped transaction failed", slog.String("error", err.Error()))
	}
	return false
}

func (c *Coordinator) settleDetached(ctx context.Context, rec domain.NonceRecord, status domain.NonceStatus, log *slog.Logger) bool {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := c.nonces.Settle(pctx, rec, status); err != nil {
		log.Error("nonce journal write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

func skipped(reason string) domain.ExecutionOutcome {
	return domain.ExecutionOutcome{Kind: domain.OutcomeSkipped, Reason: reason}
}

// transient reports whether a chain error is worth retrying.
func transient(err error) bool {
	return !errors.Is(err, domain.ErrTxRejected) &&
		!errors.Is(err, domain.ErrNonceInUse) &&
		!errors.Is(err, context.Canceled)
}

// persistCtx detaches ctx from cancellation so a terminal write still lands
// when the engine is shutting down.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

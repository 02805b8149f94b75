// Package pipeline drives the engine: the per-tick decision cycle that feeds
// the coordinator, and the periodic ledger jobs around it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Monitor produces one cycle of snapshots and deltas per poll.
type Monitor interface {
	Poll(ctx context.Context) (domain.Cycle, error)
}

// Evaluator sizes and costs a delta.
type Evaluator interface {
	Evaluate(delta domain.PriceDelta, currentCycle uint64) (*domain.ArbitrageOpportunity, error)
}

// Composer builds the settlement call for an opportunity.
type Composer interface {
	Compose(opp domain.ArbitrageOpportunity) (domain.PreparedTransaction, error)
}

// Gate is the cycle's read-only view of the circuit breaker.
type Gate interface {
	Active() bool
	ProbeDue() bool
}

// ModeSource reports the current operating mode.
type ModeSource interface {
	Mode() domain.Mode
}

// CycleDeps groups the cycle's collaborators. Bus is optional.
type CycleDeps struct {
	Monitor   Monitor
	Evaluator Evaluator
	Composer  Composer
	Gate      Gate
	Mode      ModeSource
	Bus       domain.SignalBus
}

// TickResult summarises one tick.
type TickResult struct {
	Cycle         uint64
	Deltas        int
	Opportunities int
	HandedOff     bool
	Dropped       int
}

// Cycle runs Poll, Evaluate, Compose and hand-off once per tick. The
// hand-off channel holds one transaction; while it is full, newer
// transactions are dropped so the poll loop never waits on the coordinator.
type Cycle struct {
	deps     CycleDeps
	interval time.Duration
	out      chan domain.PreparedTransaction
	logger   *slog.Logger
}

// NewCycle creates a Cycle ticking every interval.
func NewCycle(interval time.Duration, deps CycleDeps, logger *slog.Logger) *Cycle {
	return &Cycle{
		deps:     deps,
		interval: interval,
		out:      make(chan domain.PreparedTransaction, 1),
		logger:   logger.With(slog.String("component", "cycle")),
	}
}

// Out is the coordinator's input.
func (c *Cycle) Out() <-chan domain.PreparedTransaction { return c.out }

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (c *Cycle) Run(ctx context.Context) error {
	c.logger.Info("cycle loop starting", slog.Duration("interval", c.interval))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			c.logger.Info("cycle loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one decision cycle.
func (c *Cycle) Tick(ctx context.Context) (TickResult, error) {
	cycle, err := c.deps.Monitor.Poll(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("pipeline: poll: %w", err)
	}
	res := TickResult{Cycle: cycle.Number, Deltas: len(cycle.Deltas)}

	var opps []domain.ArbitrageOpportunity
	for _, d := range cycle.Deltas {
		opp, err := c.deps.Evaluator.Evaluate(d, cycle.Number)
		if err != nil {
			c.logRejection(d, err)
			continue
		}
		if opp == nil {
			continue
		}
		opps = append(opps, *opp)
		c.publish(ctx, domain.ChannelOpps, opp)
	}
	res.Opportunities = len(opps)
	if len(opps) == 0 {
		return res, nil
	}

	mode := c.deps.Mode.Mode()
	if mode == domain.ModeObserve {
		return res, nil
	}
	if !c.deps.Gate.Active() && !c.deps.Gate.ProbeDue() {
		c.logger.Debug("circuit paused, not handing off",
			slog.Uint64("cycle", cycle.Number),
			slog.Int("opportunities", len(opps)),
		)
		return res, nil
	}

	// Best first, so the slot goes to the most profitable route.
	sort.SliceStable(opps, func(i, j int) bool { return opps[i].Costs.Net > opps[j].Costs.Net })
	for _, opp := range opps {
		tx, err := c.deps.Composer.Compose(opp)
		if err != nil {
			c.logger.Error("compose failed",
				slog.String("opp_id", opp.ID),
				slog.String("pair", opp.Pair),
				slog.String("error", err.Error()),
			)
			continue
		}
		select {
		case c.out <- tx:
			res.HandedOff = true
		default:
			res.Dropped++
			c.logger.Debug("coordinator busy, dropping opportunity",
				slog.String("opp_id", opp.ID),
				slog.Uint64("cycle", cycle.Number),
			)
		}
	}
	return res, nil
}

func (c *Cycle) logRejection(d domain.PriceDelta, err error) {
	reason := "other"
	switch {
	case errors.Is(err, domain.ErrStaleSnapshot):
		reason = "stale"
	case errors.Is(err, domain.ErrNoDepth):
		reason = "no_depth"
	case errors.Is(err, domain.ErrBelowFloor):
		reason = "below_floor"
	case errors.Is(err, domain.ErrBelowMinInput):
		reason = "below_min_input"
	case errors.Is(err, domain.ErrNotDivergent):
		reason = "not_divergent"
	}
	c.logger.Debug("delta rejected",
		slog.String("pair", d.Pair),
		slog.String("reason", reason),
		slog.Float64("divergence_bps", d.DivergenceBps),
		slog.String("error", err.Error()),
	)
}

func (c *Cycle) publish(ctx context.Context, channel string, v any) {
	if c.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.deps.Bus.Publish(ctx, channel, payload); err != nil {
		c.logger.Warn("bus publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

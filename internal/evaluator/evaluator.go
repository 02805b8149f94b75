// Package evaluator sizes and costs a price delta into an arbitrage
// opportunity, or rejects it.
package evaluator

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// Config holds sizing bounds and cost model parameters. Amounts are in the
// borrow asset.
type Config struct {
	MinInput         float64
	MaxInput         float64
	SearchIterations int
	BorrowFeeBps     float64
	ExecutionCost    float64
	SafetyMargin     float64
	ProfitFloor      float64
	MaxSnapshotAge   uint64
	MaxDepthFraction float64
}

// Evaluator is stateless apart from its configuration and is safe for
// concurrent use.
type Evaluator struct {
	cfg      Config
	registry *venue.Registry
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Evaluator.
func New(cfg Config, registry *venue.Registry, logger *slog.Logger) *Evaluator {
	if cfg.SearchIterations < 1 {
		cfg.SearchIterations = 24
	}
	return &Evaluator{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "evaluator")),
	}
}

// route is a delta resolved against the registry.
type route struct {
	delta      domain.PriceDelta
	buy, sell  domain.PoolDescriptor
	fee1, fee2 float64
}

// output returns the modelled amount of quote received for borrowing x.
func (r route) output(x float64) (mid, out float64) {
	mid = swapOut(r.delta.Buy, r.delta.Quote, x, r.fee1)
	out = swapOut(r.delta.Sell, r.delta.Base, mid, r.fee2)
	return mid, out
}

// Evaluate sizes the route buy-cheap/sell-rich for delta and returns the
// opportunity if its net profit after the safety margin clears the floor.
// Every rejection is returned as a wrapped sentinel error and a nil
// opportunity.
func (e *Evaluator) Evaluate(delta domain.PriceDelta, currentCycle uint64) (*domain.ArbitrageOpportunity, error) {
	if err := e.checkSnapshot(delta.Buy, currentCycle); err != nil {
		return nil, err
	}
	if err := e.checkSnapshot(delta.Sell, currentCycle); err != nil {
		return nil, err
	}

	r, err := e.resolve(delta)
	if err != nil {
		return nil, err
	}
	pBuy, pSell := delta.Buy.PriceOf(delta.Base), delta.Sell.PriceOf(delta.Base)
	if pBuy <= 0 || pSell <= pBuy {
		return nil, fmt.Errorf("evaluator: %s: %w", delta.Pair, domain.ErrNotDivergent)
	}

	net := func(x float64) float64 { return e.breakdown(r, x).Net }
	x := ternaryMax(net, e.cfg.MinInput, e.cfg.MaxInput, e.cfg.SearchIterations)

	clamped := false
	if e.cfg.MaxDepthFraction > 0 {
		limit := e.cfg.MaxDepthFraction * math.Min(
			quoteDepth(delta.Buy, delta.Base, delta.Quote),
			quoteDepth(delta.Sell, delta.Base, delta.Quote),
		)
		if x > limit {
			if limit < e.cfg.MinInput {
				return nil, fmt.Errorf("evaluator: %s: depth limit %.6g: %w", delta.Pair, limit, domain.ErrBelowMinInput)
			}
			x, clamped = limit, true
		}
	}

	costs := e.breakdown(r, x)
	if !finite(costs.Net) || costs.Net-costs.SafetyMargin < e.cfg.ProfitFloor {
		return nil, fmt.Errorf("evaluator: %s: net %.6g at size %.6g: %w", delta.Pair, costs.Net, x, domain.ErrBelowFloor)
	}

	mid, out := r.output(x)
	opp := &domain.ArbitrageOpportunity{
		ID:          uuid.NewString(),
		Pair:        delta.Pair,
		BorrowAsset: delta.Quote,
		AmountIn:    x,
		Legs: [2]domain.Leg{
			{
				Pool:        r.buy.ID,
				Venue:       r.buy.Venue,
				Mode:        r.buy.Mode,
				AssetIn:     delta.Quote,
				AssetOut:    delta.Base,
				AmountIn:    x,
				ExpectedOut: mid,
			},
			{
				Pool:        r.sell.ID,
				Venue:       r.sell.Venue,
				Mode:        r.sell.Mode,
				AssetIn:     delta.Base,
				AssetOut:    delta.Quote,
				AmountIn:    mid,
				ExpectedOut: out,
			},
		},
		Costs:         costs,
		DivergenceBps: delta.DivergenceBps,
		Clamped:       clamped,
		Cycle:         delta.Cycle,
		CreatedAt:     e.now().UTC(),
	}

	e.logger.Info("opportunity",
		slog.String("id", opp.ID),
		slog.String("pair", opp.Pair),
		slog.String("buy", r.buy.ID),
		slog.String("sell", r.sell.ID),
		slog.Float64("amount_in", x),
		slog.Bool("clamped", clamped),
		slog.Float64("divergence_bps", delta.DivergenceBps),
		slog.Float64("gross", costs.Gross),
		slog.Float64("net", costs.Net),
		slog.Uint64("cycle", delta.Cycle),
	)
	return opp, nil
}

// breakdown attributes the profit of borrowing x. Gross is the spot-price
// return; each fee and the impact are measured by how much they reduce the
// final output, so the four terms add up to the modelled output minus x.
func (e *Evaluator) breakdown(r route, x float64) domain.CostBreakdown {
	ratio := r.delta.Sell.PriceOf(r.delta.Base) / r.delta.Buy.PriceOf(r.delta.Base)
	ideal := x * ratio
	_, out := r.output(x)

	c := domain.CostBreakdown{
		Gross:         ideal - x,
		BorrowFee:     x * e.cfg.BorrowFeeBps / 10_000,
		Leg1Fee:       ideal * r.fee1,
		Leg2Fee:       ideal * (1 - r.fee1) * r.fee2,
		ExecutionCost: e.cfg.ExecutionCost,
		SafetyMargin:  e.cfg.SafetyMargin,
	}
	c.Impact = ideal*(1-r.fee1)*(1-r.fee2) - out
	c.Net = c.Gross - c.BorrowFee - c.Leg1Fee - c.Leg2Fee - c.Impact - c.ExecutionCost
	return c
}

func (e *Evaluator) checkSnapshot(s domain.PriceSnapshot, currentCycle uint64) error {
	if s.Pool == "" || s.Stale {
		return fmt.Errorf("evaluator: pool %s: %w", s.Pool, domain.ErrStaleSnapshot)
	}
	if age := s.Age(currentCycle); age > e.cfg.MaxSnapshotAge {
		return fmt.Errorf("evaluator: pool %s: %d cycles old: %w", s.Pool, age, domain.ErrStaleSnapshot)
	}
	if !s.HasDepth() {
		return fmt.Errorf("evaluator: pool %s: %w", s.Pool, domain.ErrNoDepth)
	}
	return nil
}

func (e *Evaluator) resolve(delta domain.PriceDelta) (route, error) {
	buy, err := e.registry.Pool(delta.Buy.Pool)
	if err != nil {
		return route{}, fmt.Errorf("evaluator: %w", err)
	}
	sell, err := e.registry.Pool(delta.Sell.Pool)
	if err != nil {
		return route{}, fmt.Errorf("evaluator: %w", err)
	}
	return route{
		delta: delta,
		buy:   buy,
		sell:  sell,
		fee1:  buy.FeeRate(),
		fee2:  sell.FeeRate(),
	}, nil
}

package domain

import "time"

// Depth is the liquidity proxy the evaluator's impact models work from.
// Reserves are decimals-normalised. For concentrated pools they are the
// virtual reserves of the active range; for discrete-bin pools they are the
// reserves of the active bin.
type Depth struct {
	Reserve0  float64
	Reserve1  float64
	Liquidity float64
	ActiveBin uint32
	BinStep   uint32
}

// PriceSnapshot is the last observed state of one pool. Snapshots are
// replaced wholesale on every poll and never mutated in place.
type PriceSnapshot struct {
	Pool       string
	Venue      string
	Mode       PriceMode
	Asset0     string
	Asset1     string
	Price      float64 // asset1 per asset0
	Depth      Depth
	Block      uint64
	Cycle      uint64
	ObservedAt time.Time
	Stale      bool
}

// HasDepth reports whether the snapshot carries a usable depth proxy. An
// active bin may legitimately hold only one side.
func (s PriceSnapshot) HasDepth() bool {
	if s.Mode == ModeDiscreteBin {
		return s.Depth.Reserve0 > 0 || s.Depth.Reserve1 > 0
	}
	return s.Depth.Reserve0 > 0 && s.Depth.Reserve1 > 0
}

// PriceOf returns the snapshot's price oriented as quote per base.
func (s PriceSnapshot) PriceOf(base string) float64 {
	if s.Asset0 == base {
		return s.Price
	}
	if s.Price == 0 {
		return 0
	}
	return 1 / s.Price
}

// ReserveOf returns the depth reserve held in the given asset.
func (s PriceSnapshot) ReserveOf(asset string) float64 {
	if s.Asset0 == asset {
		return s.Depth.Reserve0
	}
	return s.Depth.Reserve1
}

// Age returns how many cycles old the snapshot is relative to current.
func (s PriceSnapshot) Age(current uint64) uint64 {
	if current <= s.Cycle {
		return 0
	}
	return current - s.Cycle
}

// PriceDelta is emitted when two pools of the same pair diverge beyond the
// configured threshold. BuyPrice < SellPrice at emission time.
type PriceDelta struct {
	Pair          string
	Base          string
	Quote         string
	Buy           PriceSnapshot
	Sell          PriceSnapshot
	BuyPrice      float64
	SellPrice     float64
	DivergenceBps float64
	Cycle         uint64
}

// DivergencePct returns the divergence as a percentage.
func (d PriceDelta) DivergencePct() float64 {
	return d.DivergenceBps / 100
}

// Cycle is what one poll of the monitor produces.
type Cycle struct {
	Number    uint64
	Block     uint64
	Snapshots []PriceSnapshot
	Deltas    []PriceDelta
	Failed    int
	StartedAt time.Time
	Duration  time.Duration
}

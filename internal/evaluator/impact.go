package evaluator

import (
	"math"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// maxBinWalk bounds how many bins a single swap may cross in the discrete-bin
// model. Input left over after that is treated as producing nothing.
const maxBinWalk = 64

// swapModel returns the modelled output of swapping amountIn of assetIn
// through a pool, fee included.
type swapModel func(s domain.PriceSnapshot, assetIn string, amountIn, fee float64) float64

var models = map[domain.PriceMode]swapModel{
	domain.ModeConstantProduct: constantProductOut,
	domain.ModeConcentrated:    constantProductOut,
	domain.ModeDiscreteBin:     discreteBinOut,
}

// swapOut dispatches on the snapshot's price-reading mode.
func swapOut(s domain.PriceSnapshot, assetIn string, amountIn, fee float64) float64 {
	m, ok := models[s.Mode]
	if !ok || amountIn <= 0 {
		return 0
	}
	return m(s, assetIn, amountIn, fee)
}

// constantProductOut applies x*y=k to the snapshot's reserves. Concentrated
// snapshots carry the virtual reserves of the active range, so the same curve
// holds while the trade stays inside it.
func constantProductOut(s domain.PriceSnapshot, assetIn string, amountIn, fee float64) float64 {
	rin, rout := s.Depth.Reserve0, s.Depth.Reserve1
	if assetIn != s.Asset0 {
		rin, rout = rout, rin
	}
	if rin <= 0 || rout <= 0 {
		return 0
	}
	a := amountIn * (1 - fee)
	return rout * a / (rin + a)
}

// discreteBinOut fills the active bin at its constant price, then walks
// further bins. Every further bin is assumed to hold as much liquidity as the
// active one and to be priced one bin step worse than the previous.
func discreteBinOut(s domain.PriceSnapshot, assetIn string, amountIn, fee float64) float64 {
	if s.Price <= 0 {
		return 0
	}
	// rate is output per unit input inside the active bin.
	rate := s.Price
	binOut, binIn := s.Depth.Reserve1, s.Depth.Reserve0
	if assetIn != s.Asset0 {
		rate = 1 / s.Price
		binOut, binIn = s.Depth.Reserve0, s.Depth.Reserve1
	}
	step := 1 + float64(s.Depth.BinStep)/10_000
	// A bin drained on the output side has nothing left to sell. The walk
	// starts one bin out, sized like the active bin.
	capacity := binOut
	if capacity <= 0 {
		capacity = binIn * rate
		rate /= step
	}
	if capacity <= 0 {
		return 0
	}

	remaining := amountIn * (1 - fee)
	out := 0.0
	for i := 0; i < maxBinWalk && remaining > 0; i++ {
		need := capacity / rate
		if remaining <= need {
			out += remaining * rate
			break
		}
		out += capacity
		remaining -= need
		rate /= step
	}
	return out
}

// quoteDepth is the pool's depth measured in the quote asset. For a bin it is
// the value of both sides of the active bin.
func quoteDepth(s domain.PriceSnapshot, base, quote string) float64 {
	if s.Mode == domain.ModeDiscreteBin {
		return s.ReserveOf(quote) + s.ReserveOf(base)*s.PriceOf(base)
	}
	return s.ReserveOf(quote)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package domain

import "strings"

// PriceMode selects how a pool's raw on-chain state is read and turned into a
// price and a depth proxy. The set is closed; every mode has exactly one
// decoder in the monitor and one impact model in the evaluator.
type PriceMode string

const (
	ModeConstantProduct PriceMode = "constant_product"
	ModeConcentrated    PriceMode = "concentrated"
	ModeDiscreteBin     PriceMode = "discrete_bin"
)

// Valid reports whether m is one of the known price-reading modes.
func (m PriceMode) Valid() bool {
	switch m {
	case ModeConstantProduct, ModeConcentrated, ModeDiscreteBin:
		return true
	}
	return false
}

// Asset is a token the engine can price or borrow.
type Asset struct {
	ID       string
	Address  string
	Decimals uint8
	// NativePrice is the value of one unit of the chain's native coin in this
	// asset. Used to convert gas paid into the borrow asset.
	NativePrice float64
}

// PoolDescriptor describes one tradable pool. Built at configuration load and
// never mutated afterwards.
type PoolDescriptor struct {
	ID      string
	Venue   string
	Address string
	Asset0  string
	Asset1  string
	Mode    PriceMode
	FeeBps  float64
	FeeTier uint32 // concentrated only
	BinStep uint32 // discrete_bin only
}

// FeeRate returns the pool's swap fee as a fraction of input.
func (p PoolDescriptor) FeeRate() float64 {
	return p.FeeBps / 10_000
}

// Has reports whether the pool trades the given asset.
func (p PoolDescriptor) Has(asset string) bool {
	return p.Asset0 == asset || p.Asset1 == asset
}

// PairKey returns an order-independent key for the pool's asset pair.
func (p PoolDescriptor) PairKey() string {
	return PairKey(p.Asset0, p.Asset1)
}

// PairKey builds the canonical unordered key for two assets.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "/" + b
}

// Pair groups the pools that trade the same two assets. Base and Quote fix the
// orientation every price in the group is expressed in (quote per base).
type Pair struct {
	Key   string
	Base  string
	Quote string
	Pools []PoolDescriptor
}

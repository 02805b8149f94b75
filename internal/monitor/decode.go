package monitor

import (
	"fmt"
	"math"
	"math/big"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// binIDOffset is the bin id whose price is exactly 1 in raw units.
const binIDOffset = 1 << 23

// decoder turns one pool's raw state into a normalised price (asset1 per
// asset0) and a depth proxy.
type decoder func(p domain.PoolDescriptor, a0, a1 domain.Asset, raw domain.RawPoolState) (float64, domain.Depth, error)

// decoders holds exactly one decoder per price-reading mode.
var decoders = map[domain.PriceMode]decoder{
	domain.ModeConstantProduct: decodeConstantProduct,
	domain.ModeConcentrated:    decodeConcentrated,
	domain.ModeDiscreteBin:     decodeDiscreteBin,
}

var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

func decodeConstantProduct(p domain.PoolDescriptor, a0, a1 domain.Asset, raw domain.RawPoolState) (float64, domain.Depth, error) {
	if raw.Reserve0 == nil || raw.Reserve1 == nil {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: missing reserves", domain.ErrDecode, p.ID)
	}
	r0 := normalise(raw.Reserve0, a0.Decimals)
	r1 := normalise(raw.Reserve1, a1.Decimals)
	if r0 <= 0 || r1 <= 0 {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: empty reserves", domain.ErrDecode, p.ID)
	}
	return r1 / r0, domain.Depth{Reserve0: r0, Reserve1: r1}, nil
}

// decodeConcentrated reads sqrtPriceX96 and active liquidity L. The depth
// proxy is the virtual reserve pair x = L/sqrtP, y = L*sqrtP of the current
// range, which the evaluator treats as a constant-product curve.
func decodeConcentrated(p domain.PoolDescriptor, a0, a1 domain.Asset, raw domain.RawPoolState) (float64, domain.Depth, error) {
	if raw.SqrtPriceX96 == nil || raw.SqrtPriceX96.Sign() <= 0 {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: missing sqrtPriceX96", domain.ErrDecode, p.ID)
	}
	sqrtP, _ := new(big.Float).Quo(new(big.Float).SetInt(raw.SqrtPriceX96), q96).Float64()
	if sqrtP <= 0 || math.IsInf(sqrtP, 0) {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: sqrt price out of range", domain.ErrDecode, p.ID)
	}
	scale := math.Pow10(int(a0.Decimals) - int(a1.Decimals))
	price := sqrtP * sqrtP * scale

	depth := domain.Depth{}
	if raw.Liquidity != nil && raw.Liquidity.Sign() > 0 {
		l, _ := new(big.Float).SetInt(raw.Liquidity).Float64()
		depth.Liquidity = l
		depth.Reserve0 = l / sqrtP / math.Pow10(int(a0.Decimals))
		depth.Reserve1 = l * sqrtP / math.Pow10(int(a1.Decimals))
	}
	return price, depth, nil
}

// decodeDiscreteBin prices the active bin from its id and the pool's bin
// step. Reserves must belong to the active bin; the reader re-fetches when
// the active bin moved since the previous cycle.
func decodeDiscreteBin(p domain.PoolDescriptor, a0, a1 domain.Asset, raw domain.RawPoolState) (float64, domain.Depth, error) {
	if raw.ActiveID == 0 {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: missing active bin", domain.ErrDecode, p.ID)
	}
	if raw.BinID != raw.ActiveID {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: reserves read for bin %d, active bin is %d",
			domain.ErrDecode, p.ID, raw.BinID, raw.ActiveID)
	}
	step := float64(p.BinStep) / 10_000
	exp := int(raw.ActiveID) - binIDOffset
	price := math.Pow(1+step, float64(exp)) * math.Pow10(int(a0.Decimals)-int(a1.Decimals))
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return 0, domain.Depth{}, fmt.Errorf("%w: %s: bin price out of range", domain.ErrDecode, p.ID)
	}
	return price, domain.Depth{
		Reserve0:  normalise(raw.BinReserveX, a0.Decimals),
		Reserve1:  normalise(raw.BinReserveY, a1.Decimals),
		ActiveBin: raw.ActiveID,
		BinStep:   p.BinStep,
	}, nil
}

// normalise converts a raw token amount into whole units.
func normalise(x *big.Int, decimals uint8) float64 {
	if x == nil {
		return 0
	}
	f := new(big.Float).SetInt(x)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	}
	v, _ := f.Float64()
	return v
}

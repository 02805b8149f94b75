// Package composer turns an accepted opportunity into settlement calldata.
// It performs no I/O.
package composer

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// Config holds the static call parameters.
type Config struct {
	SettlementAddress string
	GasLimit          uint64
	SlippageBps       float64
	ProfitFloor       float64
}

// Composer encodes executeArbitrage calls.
type Composer struct {
	cfg      Config
	registry *venue.Registry
}

// settlementLeg mirrors the contract's leg tuple. Field names must match the
// ABI component names.
type settlementLeg struct {
	Adapter  common.Address
	Pool     common.Address
	TokenIn  common.Address
	TokenOut common.Address
	Param    *big.Int
	MinOut   *big.Int
}

// New returns a Composer for the settlement contract at cfg.SettlementAddress.
func New(cfg Config, registry *venue.Registry) (*Composer, error) {
	if !common.IsHexAddress(cfg.SettlementAddress) {
		return nil, fmt.Errorf("composer: bad settlement address %q", cfg.SettlementAddress)
	}
	return &Composer{cfg: cfg, registry: registry}, nil
}

// Compose encodes opp into a PreparedTransaction. Nonce and fees are left
// for the coordinator. A leg on a venue without an adapter returns
// domain.ErrAdapterNotRegistered; callers must not retry it.
func (c *Composer) Compose(opp domain.ArbitrageOpportunity) (domain.PreparedTransaction, error) {
	borrow, err := c.registry.Asset(opp.BorrowAsset)
	if err != nil {
		return domain.PreparedTransaction{}, fmt.Errorf("composer: %w", err)
	}

	legs := make([]settlementLeg, 0, len(opp.Legs))
	for i, l := range opp.Legs {
		leg, err := c.encodeLeg(l)
		if err != nil {
			return domain.PreparedTransaction{}, fmt.Errorf("composer: leg %d: %w", i+1, err)
		}
		legs = append(legs, leg)
	}

	amount := ToRaw(opp.AmountIn, borrow.Decimals)
	if amount.Sign() <= 0 {
		return domain.PreparedTransaction{}, fmt.Errorf("composer: amount %v rounds to zero", opp.AmountIn)
	}
	minProfit := ToRaw(c.cfg.ProfitFloor, borrow.Decimals)

	data, err := SettlementABI.Pack(MethodExecute,
		common.HexToAddress(borrow.Address),
		amount,
		legs,
		minProfit,
	)
	if err != nil {
		return domain.PreparedTransaction{}, fmt.Errorf("composer: pack %s: %w", MethodExecute, err)
	}

	return domain.PreparedTransaction{
		Opportunity: opp,
		To:          common.HexToAddress(c.cfg.SettlementAddress).Hex(),
		Data:        data,
		Value:       new(big.Int),
		GasLimit:    c.cfg.GasLimit,
		MinProfit:   minProfit,
	}, nil
}

func (c *Composer) encodeLeg(l domain.Leg) (settlementLeg, error) {
	pool, err := c.registry.Pool(l.Pool)
	if err != nil {
		return settlementLeg{}, err
	}
	adapter, err := c.registry.Adapter(pool.Venue)
	if err != nil {
		return settlementLeg{}, err
	}
	in, err := c.registry.Asset(l.AssetIn)
	if err != nil {
		return settlementLeg{}, err
	}
	out, err := c.registry.Asset(l.AssetOut)
	if err != nil {
		return settlementLeg{}, err
	}

	minOut := l.ExpectedOut * (1 - c.cfg.SlippageBps/10_000)
	return settlementLeg{
		Adapter:  common.HexToAddress(adapter),
		Pool:     common.HexToAddress(pool.Address),
		TokenIn:  common.HexToAddress(in.Address),
		TokenOut: common.HexToAddress(out.Address),
		Param:    new(big.Int).SetUint64(uint64(legParam(pool))),
		MinOut:   ToRaw(minOut, out.Decimals),
	}, nil
}

// legParam is the venue-specific pool selector: fee tier for concentrated
// pools, bin step for discrete-bin pools, nothing for constant-product.
func legParam(p domain.PoolDescriptor) uint32 {
	switch p.Mode {
	case domain.ModeConcentrated:
		return p.FeeTier
	case domain.ModeDiscreteBin:
		return p.BinStep
	}
	return 0
}

// ToRaw converts a whole-unit amount into integer token units, truncating.
// Negative amounts map to zero.
func ToRaw(amount float64, decimals uint8) *big.Int {
	d := decimal.NewFromFloat(amount)
	if d.Sign() <= 0 {
		return new(big.Int)
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromRaw converts integer token units into a whole-unit decimal.
func FromRaw(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

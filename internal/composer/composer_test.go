package composer

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

const (
	wethAddr       = "0x4200000000000000000000000000000000000006"
	usdcAddr       = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	settlementAddr = "0x1111111111111111111111111111111111111111"
	aeroAdapter    = "0x2222222222222222222222222222222222222222"
	uniAdapter     = "0x3333333333333333333333333333333333333333"
	poolA          = "0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"
	poolB          = "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"
)

func testRegistry(t *testing.T, adapters map[string]string) *venue.Registry {
	t.Helper()
	reg, err := venue.New(
		[]domain.Asset{
			{ID: "WETH", Address: wethAddr, Decimals: 18},
			{ID: "USDC", Address: usdcAddr, Decimals: 6},
		},
		[]domain.PoolDescriptor{
			{ID: "aero", Venue: "aerodrome", Address: poolA, Asset0: "WETH", Asset1: "USDC", Mode: domain.ModeConstantProduct, FeeBps: 5},
			{ID: "uni", Venue: "uniswap_v3", Address: poolB, Asset0: "WETH", Asset1: "USDC", Mode: domain.ModeConcentrated, FeeBps: 30, FeeTier: 3000},
		},
		adapters,
	)
	if err != nil {
		t.Fatalf("venue.New: %v", err)
	}
	return reg
}

func testOpportunity() domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:          "opp-1",
		BorrowAsset: "USDC",
		AmountIn:    500,
		Legs: [2]domain.Leg{
			{Pool: "aero", Venue: "aerodrome", AssetIn: "USDC", AssetOut: "WETH", AmountIn: 500, ExpectedOut: 4.99},
			{Pool: "uni", Venue: "uniswap_v3", AssetIn: "WETH", AssetOut: "USDC", AmountIn: 4.99, ExpectedOut: 500},
		},
		Cycle: 3,
	}
}

func TestCompose_EncodesSettlementCall(t *testing.T) {
	c, err := New(Config{SettlementAddress: settlementAddr, GasLimit: 900_000, SlippageBps: 100, ProfitFloor: 0.1},
		testRegistry(t, map[string]string{"aerodrome": aeroAdapter, "uniswap_v3": uniAdapter}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tx, err := c.Compose(testOpportunity())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if tx.To != common.HexToAddress(settlementAddr).Hex() || tx.GasLimit != 900_000 {
		t.Errorf("to = %s gas = %d", tx.To, tx.GasLimit)
	}
	if tx.MinProfit.Cmp(big.NewInt(100_000)) != 0 {
		t.Errorf("min profit = %s, want 100000 raw USDC", tx.MinProfit)
	}

	method := SettlementABI.Methods[MethodExecute]
	if !bytes.Equal(tx.Data[:4], method.ID) {
		t.Fatalf("selector = %x, want %x", tx.Data[:4], method.ID)
	}
	args, err := method.Inputs.Unpack(tx.Data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got := args[0].(common.Address); got != common.HexToAddress(usdcAddr) {
		t.Errorf("asset = %s", got.Hex())
	}
	if got := args[1].(*big.Int); got.Cmp(big.NewInt(500_000_000)) != 0 {
		t.Errorf("amount = %s, want 500000000", got)
	}
	legs := *abi.ConvertType(args[2], new([]settlementLeg)).(*[]settlementLeg)
	if len(legs) != 2 {
		t.Fatalf("got %d legs", len(legs))
	}
	if legs[0].Adapter != common.HexToAddress(aeroAdapter) || legs[0].Param.Sign() != 0 {
		t.Errorf("leg 1 = %+v, want aerodrome adapter and no param", legs[0])
	}
	if legs[1].Adapter != common.HexToAddress(uniAdapter) || legs[1].Param.Uint64() != 3000 {
		t.Errorf("leg 2 = %+v, want uniswap adapter and fee tier 3000", legs[1])
	}
	// 500 USDC less 1% slippage.
	if legs[1].MinOut.Cmp(big.NewInt(495_000_000)) != 0 {
		t.Errorf("leg 2 min out = %s, want 495000000", legs[1].MinOut)
	}
	if legs[0].TokenIn != common.HexToAddress(usdcAddr) || legs[0].TokenOut != common.HexToAddress(wethAddr) {
		t.Errorf("leg 1 tokens = %s -> %s", legs[0].TokenIn.Hex(), legs[0].TokenOut.Hex())
	}
	if got := args[3].(*big.Int); got.Cmp(tx.MinProfit) != 0 {
		t.Errorf("encoded min profit = %s", got)
	}
}

func TestCompose_UnregisteredAdapter(t *testing.T) {
	c, err := New(Config{SettlementAddress: settlementAddr}, testRegistry(t, map[string]string{"aerodrome": aeroAdapter}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Compose(testOpportunity())
	if !errors.Is(err, domain.ErrAdapterNotRegistered) {
		t.Errorf("err = %v, want ErrAdapterNotRegistered", err)
	}
}

func TestNew_RejectsBadSettlementAddress(t *testing.T) {
	if _, err := New(Config{SettlementAddress: "nope"}, testRegistry(t, nil)); err == nil {
		t.Error("expected error for bad settlement address")
	}
}

func TestLegParam(t *testing.T) {
	tests := []struct {
		pool domain.PoolDescriptor
		want uint32
	}{
		{domain.PoolDescriptor{Mode: domain.ModeConstantProduct, FeeTier: 500, BinStep: 20}, 0},
		{domain.PoolDescriptor{Mode: domain.ModeConcentrated, FeeTier: 500}, 500},
		{domain.PoolDescriptor{Mode: domain.ModeDiscreteBin, BinStep: 20}, 20},
	}
	for _, tt := range tests {
		if got := legParam(tt.pool); got != tt.want {
			t.Errorf("legParam(%s) = %d, want %d", tt.pool.Mode, got, tt.want)
		}
	}
}

func TestRawConversions(t *testing.T) {
	if got := ToRaw(1.5, 6); got.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Errorf("ToRaw(1.5, 6) = %s", got)
	}
	if got := ToRaw(-3, 6); got.Sign() != 0 {
		t.Errorf("ToRaw(-3) = %s, want 0", got)
	}
	if got := ToRaw(0.1234567, 6); got.Cmp(big.NewInt(123_456)) != 0 {
		t.Errorf("ToRaw truncation = %s, want 123456", got)
	}
	if got := FromRaw(big.NewInt(2_500_000), 6).String(); got != "2.5" {
		t.Errorf("FromRaw = %s, want 2.5", got)
	}
}

package venue

import (
	"errors"
	"strings"
	"testing"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

var testAssets = []domain.Asset{
	{ID: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	{ID: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
	{ID: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
}

func pool(id, venue, a0, a1 string, mode domain.PriceMode) domain.PoolDescriptor {
	p := domain.PoolDescriptor{
		ID:      id,
		Venue:   venue,
		Address: "0x000000000000000000000000000000000000dEaD",
		Asset0:  a0,
		Asset1:  a1,
		Mode:    mode,
		FeeBps:  30,
	}
	switch mode {
	case domain.ModeConcentrated:
		p.FeeTier = 3000
	case domain.ModeDiscreteBin:
		p.BinStep = 20
	}
	return p
}

func TestNew_IndexesPairs(t *testing.T) {
	reg, err := New(testAssets, []domain.PoolDescriptor{
		pool("a", "aerodrome", "WETH", "USDC", domain.ModeConstantProduct),
		pool("b", "uniswap_v3", "USDC", "WETH", domain.ModeConcentrated),
		pool("c", "lb", "WETH", "DAI", domain.ModeDiscreteBin),
	}, map[string]string{"Aerodrome": "0x01"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pairs := reg.Pairs()
	if len(pairs) != 1 {
		t.Fatalf("got %d tradable pairs, want 1 (WETH/DAI has a single pool)", len(pairs))
	}
	p := pairs[0]
	if p.Base != "WETH" || p.Quote != "USDC" {
		t.Errorf("orientation = %s/%s, want WETH/USDC from the first declared pool", p.Base, p.Quote)
	}
	if len(p.Pools) != 2 {
		t.Errorf("pair has %d pools, want 2", len(p.Pools))
	}

	if _, err := reg.Adapter("AERODROME"); err != nil {
		t.Errorf("adapter lookup should be case-insensitive: %v", err)
	}
	if _, err := reg.Adapter("uniswap_v3"); !errors.Is(err, domain.ErrAdapterNotRegistered) {
		t.Errorf("err = %v, want ErrAdapterNotRegistered", err)
	}
	missing := reg.MissingAdapters()
	if len(missing) != 2 || missing[0] != "uniswap_v3" || missing[1] != "lb" {
		t.Errorf("missing adapters = %v", missing)
	}
}

func TestNew_RejectsMalformedDescriptors(t *testing.T) {
	tests := []struct {
		name string
		mut  func(p *domain.PoolDescriptor)
		want string
	}{
		{"unknown asset", func(p *domain.PoolDescriptor) { p.Asset1 = "BTC" }, `unknown asset1 "BTC"`},
		{"same assets", func(p *domain.PoolDescriptor) { p.Asset1 = p.Asset0 }, "are the same"},
		{"bad address", func(p *domain.PoolDescriptor) { p.Address = "nope" }, "bad address"},
		{"fee out of range", func(p *domain.PoolDescriptor) { p.FeeBps = 10_000 }, "fee_bps"},
		{"unknown mode", func(p *domain.PoolDescriptor) { p.Mode = "orderbook" }, "unknown mode"},
		{"missing fee tier", func(p *domain.PoolDescriptor) { p.Mode = domain.ModeConcentrated }, "fee_tier"},
		{"missing bin step", func(p *domain.PoolDescriptor) { p.Mode = domain.ModeDiscreteBin }, "bin_step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := pool("bad", "v", "WETH", "USDC", domain.ModeConstantProduct)
			tt.mut(&bad)
			_, err := New(testAssets, []domain.PoolDescriptor{bad}, nil)
			if !errors.Is(err, domain.ErrInvalidPool) {
				t.Fatalf("err = %v, want ErrInvalidPool", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestNew_ReportsEveryProblem(t *testing.T) {
	a := pool("dup", "v", "WETH", "USDC", domain.ModeConstantProduct)
	b := pool("dup", "v", "WETH", "USDC", domain.ModeConstantProduct)
	c := pool("c", "v", "WETH", "XYZ", domain.ModeConstantProduct)

	_, err := New(testAssets, []domain.PoolDescriptor{a, b, c}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "duplicate id") || !strings.Contains(err.Error(), "XYZ") {
		t.Errorf("err = %q, want both problems reported", err)
	}
}

func TestRegistry_Lookups(t *testing.T) {
	reg, err := New(testAssets, []domain.PoolDescriptor{
		pool("a", "v", "WETH", "USDC", domain.ModeConstantProduct),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := reg.Pool("zzz"); !errors.Is(err, domain.ErrUnknownPool) {
		t.Errorf("err = %v, want ErrUnknownPool", err)
	}
	if _, err := reg.Asset("zzz"); !errors.Is(err, domain.ErrUnknownAsset) {
		t.Errorf("err = %v, want ErrUnknownAsset", err)
	}
	if got := reg.Pools(); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Pools() = %+v", got)
	}
}

package evaluator

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

const deadAddr = "0x000000000000000000000000000000000000dEaD"

func testConfig() Config {
	return Config{
		MinInput:         1,
		MaxInput:         1_000,
		SearchIterations: 24,
		BorrowFeeBps:     5,
		ExecutionCost:    0.05,
		ProfitFloor:      0.10,
		MaxSnapshotAge:   2,
		MaxDepthFraction: 0.05,
	}
}

func newEvaluator(t *testing.T, cfg Config, feeBuy, feeSell float64) *Evaluator {
	t.Helper()
	reg, err := venue.New(
		[]domain.Asset{{ID: "WETH"}, {ID: "USDC"}},
		[]domain.PoolDescriptor{
			{ID: "cheap", Venue: "aerodrome", Address: deadAddr, Asset0: "WETH", Asset1: "USDC", Mode: domain.ModeConstantProduct, FeeBps: feeBuy},
			{ID: "rich", Venue: "uniswap_v2", Address: deadAddr, Asset0: "WETH", Asset1: "USDC", Mode: domain.ModeConstantProduct, FeeBps: feeSell},
		},
		nil,
	)
	if err != nil {
		t.Fatalf("venue.New: %v", err)
	}
	return New(cfg, reg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func snapshot(pool string, price, baseReserve float64, cycle uint64) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		Pool:   pool,
		Mode:   domain.ModeConstantProduct,
		Asset0: "WETH",
		Asset1: "USDC",
		Price:  price,
		Depth:  domain.Depth{Reserve0: baseReserve, Reserve1: baseReserve * price},
		Cycle:  cycle,
	}
}

func testDelta(buyPrice, sellPrice, baseReserve float64) domain.PriceDelta {
	return domain.PriceDelta{
		Pair:          "USDC/WETH",
		Base:          "WETH",
		Quote:         "USDC",
		Buy:           snapshot("cheap", buyPrice, baseReserve, 7),
		Sell:          snapshot("rich", sellPrice, baseReserve, 7),
		BuyPrice:      buyPrice,
		SellPrice:     sellPrice,
		DivergenceBps: (sellPrice - buyPrice) / buyPrice * 10_000,
		Cycle:         7,
	}
}

func TestEvaluate_EndToEndScenario(t *testing.T) {
	delta := testDelta(100, 100.6, 10_000)

	t.Run("5 and 30 bps fees emit one opportunity", func(t *testing.T) {
		ev := newEvaluator(t, testConfig(), 5, 30)
		opp, err := ev.Evaluate(delta, 7)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if opp.Costs.Net <= 0.10 {
			t.Errorf("net = %v, want > 0.10", opp.Costs.Net)
		}
		if opp.BorrowAsset != "USDC" {
			t.Errorf("borrow asset = %s, want USDC", opp.BorrowAsset)
		}
		if opp.Legs[0].Pool != "cheap" || opp.Legs[1].Pool != "rich" {
			t.Errorf("legs = %s -> %s", opp.Legs[0].Pool, opp.Legs[1].Pool)
		}
		if opp.Legs[0].AssetIn != "USDC" || opp.Legs[0].AssetOut != "WETH" || opp.Legs[1].AssetOut != "USDC" {
			t.Errorf("leg assets = %+v", opp.Legs)
		}
		// The unconstrained optimum of this curve sits near 496.
		if math.Abs(opp.AmountIn-496) > 5 {
			t.Errorf("amount in = %v, want about 496", opp.AmountIn)
		}
		if opp.Clamped {
			t.Error("did not expect clamping with deep pools")
		}
	})

	t.Run("30 and 30 bps fees emit nothing", func(t *testing.T) {
		ev := newEvaluator(t, testConfig(), 30, 30)
		opp, err := ev.Evaluate(delta, 7)
		if opp != nil || !errors.Is(err, domain.ErrBelowFloor) {
			t.Fatalf("got %+v, %v; want ErrBelowFloor", opp, err)
		}
	})
}

func TestEvaluate_CostsAddUp(t *testing.T) {
	ev := newEvaluator(t, testConfig(), 5, 30)
	opp, err := ev.Evaluate(testDelta(100, 100.6, 10_000), 7)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	c := opp.Costs
	modelled := opp.Legs[1].ExpectedOut - opp.AmountIn
	if got := c.Gross - c.Leg1Fee - c.Leg2Fee - c.Impact; math.Abs(got-modelled) > 1e-9 {
		t.Errorf("gross - fees - impact = %v, modelled return = %v", got, modelled)
	}
	if want := modelled - c.BorrowFee - c.ExecutionCost; math.Abs(c.Net-want) > 1e-9 {
		t.Errorf("net = %v, want %v", c.Net, want)
	}
	if c.Impact < 0 || c.Leg1Fee <= 0 || c.Leg2Fee <= 0 || c.BorrowFee <= 0 {
		t.Errorf("unexpected cost signs: %+v", c)
	}
}

func TestEvaluate_ClampsToDepthFraction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepthFraction = 0.0001 // 100 USDC of a 1,000,000 USDC pool
	ev := newEvaluator(t, cfg, 5, 30)

	opp, err := ev.Evaluate(testDelta(100, 100.6, 10_000), 7)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !opp.Clamped || math.Abs(opp.AmountIn-100) > 1e-9 {
		t.Errorf("amount = %v clamped = %v, want 100 and clamped", opp.AmountIn, opp.Clamped)
	}

	cfg.MaxDepthFraction = 1e-7
	ev = newEvaluator(t, cfg, 5, 30)
	if _, err := ev.Evaluate(testDelta(100, 100.6, 10_000), 7); !errors.Is(err, domain.ErrBelowMinInput) {
		t.Errorf("err = %v, want ErrBelowMinInput", err)
	}
}

func TestEvaluate_Rejections(t *testing.T) {
	ev := newEvaluator(t, testConfig(), 5, 30)

	tests := []struct {
		name    string
		mutate  func(*domain.PriceDelta)
		current uint64
		want    error
	}{
		{"stale flag", func(d *domain.PriceDelta) { d.Sell.Stale = true }, 7, domain.ErrStaleSnapshot},
		{"too old", func(d *domain.PriceDelta) {}, 10, domain.ErrStaleSnapshot},
		{"no depth", func(d *domain.PriceDelta) { d.Buy.Depth = domain.Depth{} }, 7, domain.ErrNoDepth},
		{"not divergent", func(d *domain.PriceDelta) { d.Sell.Price = 99 }, 7, domain.ErrNotDivergent},
		{"unknown pool", func(d *domain.PriceDelta) { d.Buy.Pool = "ghost" }, 7, domain.ErrUnknownPool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDelta(100, 100.6, 10_000)
			tt.mutate(&d)
			opp, err := ev.Evaluate(d, tt.current)
			if opp != nil || !errors.Is(err, tt.want) {
				t.Errorf("got %v, %v; want %v", opp, err, tt.want)
			}
		})
	}
}

func TestEvaluate_NetNeverBelowFloor(t *testing.T) {
	cfg := testConfig()
	cfg.SafetyMargin = 0.02
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		feeBuy := rng.Float64() * 40
		feeSell := rng.Float64() * 40
		ev := newEvaluator(t, cfg, feeBuy, feeSell)

		buy := 50 + rng.Float64()*100
		sell := buy * (1 + rng.Float64()*0.02)
		depth := 10 + rng.Float64()*20_000
		opp, err := ev.Evaluate(testDelta(buy, sell, depth), 7)
		if err != nil {
			continue
		}
		if opp.Costs.Net-cfg.SafetyMargin < cfg.ProfitFloor {
			t.Fatalf("case %d: emitted net %v below floor %v (margin %v)", i, opp.Costs.Net, cfg.ProfitFloor, cfg.SafetyMargin)
		}
		if opp.AmountIn < cfg.MinInput || opp.AmountIn > cfg.MaxInput {
			t.Fatalf("case %d: size %v outside [%v, %v]", i, opp.AmountIn, cfg.MinInput, cfg.MaxInput)
		}
	}
}

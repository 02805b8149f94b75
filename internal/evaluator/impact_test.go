package evaluator

import (
	"math"
	"testing"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func TestConstantProductOut(t *testing.T) {
	s := domain.PriceSnapshot{
		Mode: domain.ModeConstantProduct, Asset0: "A", Asset1: "B", Price: 2,
		Depth: domain.Depth{Reserve0: 1_000, Reserve1: 2_000},
	}
	// 100 A in, no fee: 2000*100/1100.
	if got, want := swapOut(s, "A", 100, 0), 2000.0*100/1100; math.Abs(got-want) > 1e-9 {
		t.Errorf("A->B = %v, want %v", got, want)
	}
	if got, want := swapOut(s, "B", 200, 0), 1000.0*200/2200; math.Abs(got-want) > 1e-9 {
		t.Errorf("B->A = %v, want %v", got, want)
	}
	// Output never exceeds the spot-price output.
	for _, amt := range []float64{0.001, 1, 10, 500, 1e6} {
		if got := swapOut(s, "A", amt, 0.003); got > amt*2 {
			t.Errorf("swapOut(%v) = %v exceeds spot", amt, got)
		}
	}
}

func TestDiscreteBinOut(t *testing.T) {
	s := domain.PriceSnapshot{
		Mode: domain.ModeDiscreteBin, Asset0: "A", Asset1: "B", Price: 2,
		Depth: domain.Depth{Reserve0: 10, Reserve1: 20, BinStep: 100},
	}
	// Within the active bin the price is constant.
	if got := swapOut(s, "A", 5, 0); math.Abs(got-10) > 1e-9 {
		t.Errorf("in-bin A->B = %v, want 10", got)
	}
	// Drain the active bin (10 A for 20 B), then 1 A at 2/1.01.
	if got, want := swapOut(s, "A", 11, 0), 20+2/1.01; math.Abs(got-want) > 1e-9 {
		t.Errorf("crossing A->B = %v, want %v", got, want)
	}
	// A bin with no output-side reserve sells nothing at the active price.
	// The fill starts one bin out, sized from the input side.
	oneSided := s
	oneSided.Depth.Reserve1 = 0
	if got, want := swapOut(oneSided, "A", 5, 0), 5*2/1.01; math.Abs(got-want) > 1e-9 {
		t.Errorf("one-sided bin = %v, want %v", got, want)
	}
	if got := swapOut(oneSided, "A", 5, 0); got >= 5*s.Price {
		t.Errorf("one-sided bin = %v, must be worse than the active price", got)
	}
}

func TestModelsCoverEveryMode(t *testing.T) {
	for _, m := range []domain.PriceMode{domain.ModeConstantProduct, domain.ModeConcentrated, domain.ModeDiscreteBin} {
		if _, ok := models[m]; !ok {
			t.Errorf("no impact model for %s", m)
		}
	}
}

package domain

import (
	"fmt"
	"time"
)

// Leg is one swap of the two-leg route.
type Leg struct {
	Pool        string
	Venue       string
	Mode        PriceMode
	AssetIn     string
	AssetOut    string
	AmountIn    float64
	ExpectedOut float64
}

// CostBreakdown attributes every component of an opportunity's profit. All
// amounts are in the borrow asset. Leg fees and impact are measured by their
// effect on the final output, so Gross - Leg1Fee - Leg2Fee - Impact equals
// the modelled return minus the borrowed amount.
type CostBreakdown struct {
	Gross         float64 `json:"gross"`
	BorrowFee     float64 `json:"borrow_fee"`
	Leg1Fee       float64 `json:"leg1_fee"`
	Leg2Fee       float64 `json:"leg2_fee"`
	Impact        float64 `json:"impact"`
	ExecutionCost float64 `json:"execution_cost"`
	SafetyMargin  float64 `json:"safety_margin"`
	Net           float64 `json:"net"`
}

// ArbitrageOpportunity is a sized, costed candidate produced by the
// evaluator. Net >= floor held when it was created; it is a point-in-time
// claim only.
type ArbitrageOpportunity struct {
	ID            string
	Pair          string
	BorrowAsset   string
	AmountIn      float64
	Legs          [2]Leg
	Costs         CostBreakdown
	DivergenceBps float64
	Clamped       bool
	Cycle         uint64
	CreatedAt     time.Time
}

// Key identifies the route for deduplication across cycles.
func (o ArbitrageOpportunity) Key() string {
	return fmt.Sprintf("%s>%s:%d", o.Legs[0].Pool, o.Legs[1].Pool, o.Cycle)
}

// Pools returns the ids of both pools touched by the route.
func (o ArbitrageOpportunity) Pools() []string {
	return []string{o.Legs[0].Pool, o.Legs[1].Pool}
}

package domain

import (
	"math/big"
	"time"
)

// OutcomeKind is the terminal state of one execution attempt.
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomeReverted  OutcomeKind = "reverted"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// Skip reasons recorded on Skipped outcomes.
const (
	SkipStale           = "stale"
	SkipSimulation      = "simulation"
	SkipSimulateOnly    = "simulate_only"
	SkipObserveOnly     = "observe_only"
	SkipCircuitPaused   = "circuit_paused"
	SkipNonceUnresolved = "nonce_unresolved"
	SkipDuplicate       = "duplicate"
)

// ExecutionOutcome is the immutable terminal record of an attempt.
type ExecutionOutcome struct {
	Kind            OutcomeKind
	Reason          string
	OpportunityID   string
	TxHash          string
	Nonce           *uint64
	RealizedProfit  *big.Int // raw borrow-asset units from the profit event
	SimulatedProfit *big.Int
	Receipt         *Receipt
	Late            bool
	CompletedAt     time.Time
}

// CountsTowardCircuit reports whether the outcome advances the consecutive
// failure counter. Stale drops, simulate-only runs and gate refusals do not.
func (o ExecutionOutcome) CountsTowardCircuit() bool {
	switch o.Kind {
	case OutcomeReverted, OutcomeFailed:
		return true
	case OutcomeSkipped:
		return o.Reason == SkipSimulation
	}
	return false
}

// Broadcast reports whether the attempt reached the network.
func (o ExecutionOutcome) Broadcast() bool {
	return o.TxHash != ""
}

package domain

import "time"

// Bus channels the engine publishes on.
const (
	ChannelPrices   = "prices"
	ChannelDeltas   = "deltas"
	ChannelOpps     = "opportunities"
	ChannelOutcomes = "outcomes"
	ChannelStatus   = "status"

	StreamLedger = "stream:ledger"
)

// Audit and notification event names.
const (
	EventCircuitTripped = "circuit_tripped"
	EventCircuitReset   = "circuit_reset"
	EventLivenessAlarm  = "liveness_alarm"
	EventConfirmed      = "confirmed"
	EventSummary        = "summary"
	EventReconcileDrift = "reconcile_drift"
	EventModeChanged    = "mode_changed"
	EventLedgerArchived = "ledger_archived"
	EventLateInclusion  = "late_inclusion"
	EventNonceStuck     = "nonce_stuck"
)

// EngineStatus is a point-in-time view of the engine for the operator
// surface.
type EngineStatus struct {
	Mode             Mode          `json:"mode"`
	Cycle            uint64        `json:"cycle"`
	Block            uint64        `json:"block"`
	CoordinatorState string        `json:"coordinator_state"`
	CircuitPaused    bool          `json:"circuit_paused"`
	CircuitFailures  int           `json:"circuit_failures"`
	CircuitTrips     int           `json:"circuit_trips"`
	TrippedAt        *time.Time    `json:"tripped_at,omitempty"`
	NextNonce        *uint64       `json:"next_nonce,omitempty"`
	LivenessAlarm    bool          `json:"liveness_alarm"`
	Uptime           time.Duration `json:"uptime_ns"`
}

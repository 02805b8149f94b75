package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/executor"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// hookTimeout bounds the audit and notification side effects of circuit and
// mode changes.
const hookTimeout = 10 * time.Second

// Compile-time interface check.
var _ handler.Engine = (*Engine)(nil)

// PoolTable is the engine's view of the price monitor.
type PoolTable interface {
	CurrentCycle() uint64
	Block() uint64
	LivenessAlarm() bool
	Snapshots() []domain.PriceSnapshot
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Engine is the operator control surface over the running components. It
// owns the operating mode; the coordinator follows it.
type Engine struct {
	pools    PoolTable
	circuit  *executor.Circuit
	coord    *executor.Coordinator // nil without a signer
	registry *venue.Registry
	audit    domain.AuditStore
	notifier Notifier
	bus      domain.SignalBus

	mode      atomic.Value // domain.Mode
	startedAt time.Time
	logger    *slog.Logger
}

// EngineDeps groups the Engine's collaborators. Coordinator, Notifier and Bus
// may be nil.
type EngineDeps struct {
	Pools       PoolTable
	Circuit     *executor.Circuit
	Coordinator *executor.Coordinator
	Registry    *venue.Registry
	Audit       domain.AuditStore
	Notifier    Notifier
	Bus         domain.SignalBus
}

// NewEngine creates an Engine starting in mode.
func NewEngine(deps EngineDeps, mode domain.Mode, logger *slog.Logger) *Engine {
	e := &Engine{
		pools:     deps.Pools,
		circuit:   deps.Circuit,
		coord:     deps.Coordinator,
		registry:  deps.Registry,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		bus:       deps.Bus,
		startedAt: time.Now(),
		logger:    logger.With(slog.String("component", "engine")),
	}
	e.mode.Store(mode)
	return e
}

// Mode returns the current operating mode.
func (e *Engine) Mode() domain.Mode { return e.mode.Load().(domain.Mode) }

// CheckMode reports whether m can run with the current configuration.
func (e *Engine) CheckMode(m domain.Mode) error {
	if m == domain.ModeObserve {
		return nil
	}
	if e.coord == nil {
		return fmt.Errorf("app: mode %s: %w", m, domain.ErrSubmissionDisabled)
	}
	if missing := e.registry.MissingAdapters(); len(missing) > 0 {
		return fmt.Errorf("app: mode %s: venues %s: %w", m, strings.Join(missing, ", "), domain.ErrAdapterNotRegistered)
	}
	return nil
}

// SetMode switches the operating mode and returns the previous one.
func (e *Engine) SetMode(ctx context.Context, m domain.Mode) (domain.Mode, error) {
	if err := e.CheckMode(m); err != nil {
		return e.Mode(), err
	}
	prev := e.mode.Swap(m).(domain.Mode)
	if e.coord != nil {
		e.coord.SetMode(m)
	}
	if prev == m {
		return prev, nil
	}

	e.logger.WarnContext(ctx, "operating mode changed",
		slog.String("from", string(prev)),
		slog.String("to", string(m)),
	)
	e.record(ctx, domain.EventModeChanged, map[string]any{"from": string(prev), "to": string(m)})
	e.notify(ctx, domain.EventModeChanged, "Mode changed", fmt.Sprintf("%s -> %s", prev, m))
	e.PublishStatus(ctx)
	return prev, nil
}

// ResetCircuit clears a paused circuit. The circuit's reset hook records it.
func (e *Engine) ResetCircuit(ctx context.Context, source string) bool {
	reset := e.circuit.Reset(source)
	if reset {
		e.PublishStatus(ctx)
	}
	return reset
}

// Snapshots returns the monitor's current table.
func (e *Engine) Snapshots() []domain.PriceSnapshot { return e.pools.Snapshots() }

// Status returns a point-in-time view of the engine.
func (e *Engine) Status() domain.EngineStatus {
	circ := e.circuit.Snapshot()
	st := domain.EngineStatus{
		Mode:             e.Mode(),
		Cycle:            e.pools.CurrentCycle(),
		Block:            e.pools.Block(),
		CoordinatorState: executor.StateIdle,
		CircuitPaused:    circ.Paused(),
		CircuitFailures:  circ.Failures,
		CircuitTrips:     circ.Trips,
		LivenessAlarm:    e.pools.LivenessAlarm(),
		Uptime:           time.Since(e.startedAt),
	}
	if !circ.TrippedAt.IsZero() {
		t := circ.TrippedAt.UTC()
		st.TrippedAt = &t
	}
	if e.coord != nil {
		st.CoordinatorState = e.coord.State()
		if n, ok := e.coord.Nonces().Next(); ok {
			st.NextNonce = &n
		}
	}
	return st
}

// PublishStatus pushes the current status onto the bus.
func (e *Engine) PublishStatus(ctx context.Context) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(e.Status())
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelStatus, payload); err != nil {
		e.logger.Warn("status publish failed", slog.String("error", err.Error()))
	}
}

// Name implements pipeline.Job.
func (e *Engine) Name() string { return "status" }

// Run implements pipeline.Job by publishing one status frame.
func (e *Engine) Run(ctx context.Context) error {
	e.PublishStatus(ctx)
	return nil
}

// OnTrip is the circuit's trip hook.
func (e *Engine) OnTrip(snap executor.CircuitSnapshot, last domain.ExecutionOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	e.record(ctx, domain.EventCircuitTripped, map[string]any{
		"failures":    snap.Failures,
		"trips":       snap.Trips,
		"last_kind":   string(last.Kind),
		"last_reason": last.Reason,
		"last_tx":     last.TxHash,
	})
	e.notify(ctx, domain.EventCircuitTripped, "Circuit breaker tripped",
		fmt.Sprintf("%d consecutive failures, last %s %s. Submissions paused.", snap.Failures, last.Kind, last.Reason))
	e.PublishStatus(ctx)
}

// OnReset is the circuit's reset hook.
func (e *Engine) OnReset(source string) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	e.record(ctx, domain.EventCircuitReset, map[string]any{"source": source})
	e.notify(ctx, domain.EventCircuitReset, "Circuit breaker reset", "reset by "+source)
}

// OnLivenessAlarm is the monitor's alarm hook.
func (e *Engine) OnLivenessAlarm(ctx context.Context, consecutive int, err error) {
	detail := map[string]any{"consecutive_failures": consecutive}
	msg := fmt.Sprintf("%d consecutive failed polls", consecutive)
	if err != nil {
		detail["error"] = err.Error()
		msg += ": " + err.Error()
	}
	e.record(ctx, domain.EventLivenessAlarm, detail)
	e.notify(ctx, domain.EventLivenessAlarm, "Price monitor stalled", msg)
}

// OnNonceStuck is the coordinator's hook for a journal entry that has
// blocked submission for too long.
func (e *Engine) OnNonceStuck(ctx context.Context, skips int, rec domain.NonceRecord) {
	e.record(ctx, domain.EventNonceStuck, map[string]any{
		"consecutive_skips": skips,
		"account":           rec.Account,
		"nonce":             rec.Nonce,
		"status":            string(rec.Status),
		"tx_hash":           rec.TxHash,
		"opportunity_id":    rec.OpportunityID,
	})
	msg := fmt.Sprintf("nonce %d (%s) has blocked %d consecutive submissions", rec.Nonce, rec.Status, skips)
	if rec.TxHash != "" {
		msg += "; tx " + rec.TxHash
	}
	e.notify(ctx, domain.EventNonceStuck, "Nonce journal stuck", msg)
}

func (e *Engine) record(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (e *Engine) notify(ctx context.Context, event, title, msg string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, msg); err != nil {
		e.logger.Warn("notification failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// RestoreCircuit re-applies a trip recorded by an earlier process: the
// circuit starts paused when the newest circuit_tripped audit row is newer
// than the newest circuit_reset row. With clear set, the restored trip is
// reset at once and the reset is recorded.
func RestoreCircuit(ctx context.Context, audit domain.AuditStore, circuit *executor.Circuit, clear bool) (bool, error) {
	tripped, err := newestAudit(ctx, audit, domain.EventCircuitTripped)
	if err != nil || tripped == nil {
		return false, err
	}
	reset, err := newestAudit(ctx, audit, domain.EventCircuitReset)
	if err != nil {
		return false, err
	}
	if reset != nil && reset.ID > tripped.ID {
		return false, nil
	}

	circuit.Restore(tripped.CreatedAt, detailInt(tripped.Detail["trips"]))
	if clear {
		circuit.Reset("startup")
		return false, nil
	}
	return true, nil
}

func newestAudit(ctx context.Context, audit domain.AuditStore, event string) (*domain.AuditEntry, error) {
	rows, err := audit.List(ctx, domain.ListOpts{Event: event, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("app: read %s audit: %w", event, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// detailInt reads a number from an audit detail map, which round-trips
// through JSON in the SQL stores.
func detailInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

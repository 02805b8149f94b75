package executor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// CircuitState is the submission gate.
type CircuitState int

const (
	CircuitActive  CircuitState = iota // submissions allowed
	CircuitPaused                      // tripped, waiting for reset
	CircuitProbing                     // cooldown elapsed, one probe in flight
)

func (s CircuitState) String() string {
	switch s {
	case CircuitActive:
		return "ACTIVE"
	case CircuitPaused:
		return "PAUSED"
	case CircuitProbing:
		return "PROBING"
	default:
		return "UNKNOWN"
	}
}

// CircuitSnapshot is a copy of the breaker's counters.
type CircuitSnapshot struct {
	State     CircuitState
	Failures  int
	Trips     int
	TrippedAt time.Time
}

// Paused reports whether new submissions are refused.
func (s CircuitSnapshot) Paused() bool {
	return s.State != CircuitActive
}

// CircuitConfig holds the breaker configuration.
type CircuitConfig struct {
	FailureThreshold int
	// Cooldown enables an automatic probe after a trip. Zero leaves the
	// circuit paused until an operator resets it.
	Cooldown time.Duration
	OnTrip   func(CircuitSnapshot, domain.ExecutionOutcome)
	OnReset  func(source string)
}

// Circuit halts submissions after FailureThreshold consecutive counted
// outcomes. It is safe for concurrent use; hooks run outside the lock.
type Circuit struct {
	mu sync.Mutex

	state     CircuitState
	failures  int
	trips     int
	trippedAt time.Time

	cfg    CircuitConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewCircuit creates an active breaker.
func NewCircuit(cfg CircuitConfig, logger *slog.Logger) *Circuit {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &Circuit{
		state:  CircuitActive,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "circuit")),
	}
}

// Active reports whether the circuit currently admits submissions. It does
// not start a probe.
func (c *Circuit) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == CircuitActive
}

// ProbeDue reports whether a paused circuit's cooldown has elapsed, so the
// next submission would run as a probe. It does not change state.
func (c *Circuit) ProbeDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == CircuitPaused && c.cfg.Cooldown > 0 && c.now().Sub(c.trippedAt) >= c.cfg.Cooldown
}

// Allow is the coordinator's gate. When the circuit is paused and the
// cooldown has elapsed it moves to probing and admits exactly one attempt,
// reported by probe.
func (c *Circuit) Allow() (ok, probe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitActive:
		return true, false
	case CircuitPaused:
		if c.cfg.Cooldown > 0 && c.now().Sub(c.trippedAt) >= c.cfg.Cooldown {
			c.state = CircuitProbing
			c.logger.Warn("circuit cooldown elapsed, probing",
				slog.Duration("cooldown", c.cfg.Cooldown),
				slog.Int("trips", c.trips),
			)
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

// Record feeds a terminal outcome into the breaker. It returns true if this
// outcome tripped the circuit.
func (c *Circuit) Record(o domain.ExecutionOutcome) bool {
	c.mu.Lock()
	switch {
	case o.Kind == domain.OutcomeConfirmed:
		c.failures = 0
		c.mu.Unlock()
		return false
	case !o.CountsTowardCircuit():
		c.mu.Unlock()
		return false
	}

	c.failures++
	if c.state != CircuitActive || c.failures < c.cfg.FailureThreshold {
		c.mu.Unlock()
		return false
	}
	c.state = CircuitPaused
	c.trips++
	c.trippedAt = c.now()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Error("CIRCUIT BREAKER TRIPPED",
		slog.Int("consecutive_failures", snap.Failures),
		slog.Int("trips", snap.Trips),
		slog.String("last_outcome", string(o.Kind)),
		slog.String("last_reason", o.Reason),
		slog.String("last_tx", o.TxHash),
	)
	if c.cfg.OnTrip != nil {
		c.cfg.OnTrip(snap, o)
	}
	return true
}

// ProbeFailed returns a probing circuit to paused and restarts the cooldown.
func (c *Circuit) ProbeFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitProbing {
		return
	}
	c.state = CircuitPaused
	c.trippedAt = c.now()
	c.logger.Warn("circuit probe failed, staying paused")
}

// ProbeAborted returns a probing circuit to paused without restarting the
// cooldown. Used when the probe attempt was dropped before simulation.
func (c *Circuit) ProbeAborted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitProbing {
		c.state = CircuitPaused
	}
}

// Reset returns the circuit to active and clears the failure counter.
// source names who reset it. It returns false if the circuit was not paused.
func (c *Circuit) Reset(source string) bool {
	c.mu.Lock()
	was := c.state
	c.state = CircuitActive
	c.failures = 0
	c.mu.Unlock()

	if was == CircuitActive {
		return false
	}
	c.logger.Warn("circuit reset", slog.String("source", source), slog.String("from", was.String()))
	if c.cfg.OnReset != nil {
		c.cfg.OnReset(source)
	}
	return true
}

// Restore puts a fresh circuit back into the paused state recorded by an
// earlier process. Hooks are not called.
func (c *Circuit) Restore(trippedAt time.Time, trips int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitPaused
	c.trippedAt = trippedAt
	c.trips = trips
	c.logger.Warn("circuit restored paused",
		slog.Time("tripped_at", trippedAt),
		slog.Int("trips", trips),
	)
}

// Snapshot returns the current counters.
func (c *Circuit) Snapshot() CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Circuit) snapshotLocked() CircuitSnapshot {
	return CircuitSnapshot{
		State:     c.state,
		Failures:  c.failures,
		Trips:     c.trips,
		TrippedAt: c.trippedAt,
	}
}

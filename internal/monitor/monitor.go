// Package monitor polls every configured pool once per cycle, keeps the last
// snapshot per pool and emits price deltas between pools of the same pair.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/retry"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// rateLimitKey is the limiter bucket shared by every engine instance reading
// through the same RPC endpoint.
const rateLimitKey = "rpc:read_pools"

// Config tunes polling and delta detection.
type Config struct {
	DeltaThresholdBps  float64
	MaxRetries         int
	Backoff            retry.Backoff
	LivenessAlarmAfter int
	RPCTimeout         time.Duration
	// RateLimit caps batched reads per second when Limiter is set.
	RateLimit int
	Publish   bool
}

// AlarmFunc is called once when consecutive failed cycles reach the liveness
// threshold.
type AlarmFunc func(ctx context.Context, consecutive int, err error)

// Monitor owns the snapshot table. Poll must be called from a single
// goroutine; every other method is safe for concurrent use.
type Monitor struct {
	reader   domain.PoolReader
	registry *venue.Registry
	pools    []domain.PoolDescriptor
	pairs    []domain.Pair
	table    *table
	cfg      Config

	cycle       atomic.Uint64
	block       atomic.Uint64
	failures    atomic.Int64
	alarmed     atomic.Bool
	lastSuccess atomic.Int64

	mu       sync.RWMutex
	handlers []func(domain.PriceDelta)

	onAlarm AlarmFunc
	limiter domain.RateLimiter
	cache   domain.SnapshotCache
	bus     domain.SignalBus
	logger  *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Monitor)

// WithAlarm sets the liveness alarm callback.
func WithAlarm(fn AlarmFunc) Option { return func(m *Monitor) { m.onAlarm = fn } }

// WithRateLimiter guards batched reads with a shared limiter.
func WithRateLimiter(l domain.RateLimiter) Option { return func(m *Monitor) { m.limiter = l } }

// WithPublishing mirrors snapshots and deltas to a cache and a bus.
func WithPublishing(cache domain.SnapshotCache, bus domain.SignalBus) Option {
	return func(m *Monitor) {
		m.cache = cache
		m.bus = bus
	}
}

// New creates a Monitor over every pool in the registry.
func New(reader domain.PoolReader, registry *venue.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.LivenessAlarmAfter < 1 {
		cfg.LivenessAlarmAfter = 1
	}
	pools := registry.Pools()
	m := &Monitor{
		reader:   reader,
		registry: registry,
		pools:    pools,
		pairs:    registry.Pairs(),
		table:    newTable(pools),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "monitor")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnDelta registers a handler invoked synchronously for every delta emitted
// by Poll.
func (m *Monitor) OnDelta(fn func(domain.PriceDelta)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// CurrentCycle returns the number of the most recent poll.
func (m *Monitor) CurrentCycle() uint64 { return m.cycle.Load() }

// Block returns the block height of the last successful poll.
func (m *Monitor) Block() uint64 { return m.block.Load() }

// LivenessAlarm reports whether the monitor is currently in alarm.
func (m *Monitor) LivenessAlarm() bool { return m.alarmed.Load() }

// Snapshot returns the current snapshot of a pool.
func (m *Monitor) Snapshot(id string) (domain.PriceSnapshot, bool) {
	return m.table.load(id)
}

// Snapshots returns a cycle-scoped copy of the whole table.
func (m *Monitor) Snapshots() []domain.PriceSnapshot {
	return m.table.all()
}

// Invalidate marks pools stale until their next successful poll. Called after
// a confirmed trade moved their state.
func (m *Monitor) Invalidate(ids ...string) {
	for _, id := range ids {
		m.table.markStale(id)
	}
}

// Poll runs one cycle: a batched read, per-pool decoding, atomic snapshot
// replacement and delta detection. A per-pool failure leaves that pool stale
// and the cycle continues. A whole-batch failure is retried with backoff and
// returned wrapped in domain.ErrTransport.
func (m *Monitor) Poll(ctx context.Context) (domain.Cycle, error) {
	n := m.cycle.Add(1)
	started := time.Now()
	cyc := domain.Cycle{Number: n, StartedAt: started}

	batch, err := m.read(ctx)
	if err != nil {
		cyc.Failed = len(m.pools)
		cyc.Duration = time.Since(started)
		m.recordFailure(ctx, err)
		return cyc, fmt.Errorf("monitor: cycle %d: %w: %w", n, domain.ErrTransport, err)
	}
	m.recordSuccess()
	m.block.Store(batch.Block)
	cyc.Block = batch.Block

	now := time.Now().UTC()
	for _, p := range m.pools {
		snap, err := m.decode(p, batch, n, now)
		if err != nil {
			cyc.Failed++
			m.logger.Warn("pool decode failed, leaving snapshot stale",
				slog.String("pool", p.ID),
				slog.String("venue", p.Venue),
				slog.Uint64("cycle", n),
				slog.String("error", err.Error()),
			)
			m.table.markStale(p.ID)
			continue
		}
		m.table.store(snap)
		cyc.Snapshots = append(cyc.Snapshots, *snap)
	}

	cyc.Deltas = m.deltas(n)
	cyc.Duration = time.Since(started)

	m.mu.RLock()
	handlers := m.handlers
	m.mu.RUnlock()
	for _, d := range cyc.Deltas {
		for _, h := range handlers {
			h(d)
		}
	}

	m.logger.Debug("poll complete",
		slog.Uint64("cycle", n),
		slog.Uint64("block", batch.Block),
		slog.Int("snapshots", len(cyc.Snapshots)),
		slog.Int("failed", cyc.Failed),
		slog.Int("deltas", len(cyc.Deltas)),
		slog.Duration("duration", cyc.Duration),
	)

	if m.cfg.Publish {
		go m.publish(cyc)
	}
	return cyc, nil
}

// read performs the batched read with bounded retries. Every attempt has its
// own deadline.
func (m *Monitor) read(ctx context.Context) (domain.RawBatch, error) {
	hints := make(map[string]uint32)
	for _, p := range m.pools {
		if p.Mode != domain.ModeDiscreteBin {
			continue
		}
		if s, ok := m.table.load(p.ID); ok && s.Depth.ActiveBin != 0 {
			hints[p.ID] = s.Depth.ActiveBin
		}
	}

	var batch domain.RawBatch
	err := retry.Do(ctx, m.cfg.MaxRetries+1, m.cfg.Backoff, retryableRead, func(ctx context.Context) error {
		if m.limiter != nil && m.cfg.RateLimit > 0 {
			ok, err := m.limiter.Allow(ctx, rateLimitKey, m.cfg.RateLimit, time.Second)
			if err == nil && !ok {
				return domain.ErrRateLimited
			}
		}
		callCtx := ctx
		if m.cfg.RPCTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.cfg.RPCTimeout)
			defer cancel()
		}
		b, err := m.reader.ReadPools(callCtx, m.pools, hints)
		if err != nil {
			return err
		}
		batch = b
		return nil
	})
	return batch, err
}

func retryableRead(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (m *Monitor) decode(p domain.PoolDescriptor, batch domain.RawBatch, n uint64, now time.Time) (*domain.PriceSnapshot, error) {
	raw, ok := batch.States[p.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing from batch", domain.ErrDecode, p.ID)
	}
	if raw.Err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDecode, p.ID, raw.Err)
	}
	dec, ok := decoders[p.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no decoder for mode %q", domain.ErrInvalidPool, p.ID, p.Mode)
	}
	a0, err := m.registry.Asset(p.Asset0)
	if err != nil {
		return nil, err
	}
	a1, err := m.registry.Asset(p.Asset1)
	if err != nil {
		return nil, err
	}
	price, depth, err := dec(p, a0, a1, raw)
	if err != nil {
		return nil, err
	}
	return &domain.PriceSnapshot{
		Pool:       p.ID,
		Venue:      p.Venue,
		Mode:       p.Mode,
		Asset0:     p.Asset0,
		Asset1:     p.Asset1,
		Price:      price,
		Depth:      depth,
		Block:      batch.Block,
		Cycle:      n,
		ObservedAt: now,
	}, nil
}

// deltas compares every unordered pool pair of every tradable pair. Only
// snapshots refreshed in cycle n take part.
func (m *Monitor) deltas(n uint64) []domain.PriceDelta {
	var out []domain.PriceDelta
	for _, pair := range m.pairs {
		fresh := make([]domain.PriceSnapshot, 0, len(pair.Pools))
		for _, p := range pair.Pools {
			s, ok := m.table.load(p.ID)
			if !ok || s.Stale || s.Cycle != n || s.Price <= 0 {
				continue
			}
			fresh = append(fresh, s)
		}
		for i := 0; i < len(fresh); i++ {
			for j := i + 1; j < len(fresh); j++ {
				if d, ok := divergence(pair, fresh[i], fresh[j], n, m.cfg.DeltaThresholdBps); ok {
					out = append(out, d)
				}
			}
		}
	}
	return out
}

// divergence orients both prices as quote per base and returns a delta when
// they differ by more than thresholdBps.
func divergence(pair domain.Pair, a, b domain.PriceSnapshot, n uint64, thresholdBps float64) (domain.PriceDelta, bool) {
	pa, pb := a.PriceOf(pair.Base), b.PriceOf(pair.Base)
	buy, sell := a, b
	lo, hi := pa, pb
	if pb < pa {
		buy, sell = b, a
		lo, hi = pb, pa
	}
	if lo <= 0 || hi <= lo {
		return domain.PriceDelta{}, false
	}
	bps := (hi - lo) / lo * 10_000
	if bps <= thresholdBps {
		return domain.PriceDelta{}, false
	}
	return domain.PriceDelta{
		Pair:          pair.Key,
		Base:          pair.Base,
		Quote:         pair.Quote,
		Buy:           buy,
		Sell:          sell,
		BuyPrice:      lo,
		SellPrice:     hi,
		DivergenceBps: bps,
		Cycle:         n,
	}, true
}

func (m *Monitor) recordFailure(ctx context.Context, err error) {
	consecutive := m.failures.Add(1)
	m.logger.Error("batched pool read failed",
		slog.Int64("consecutive", consecutive),
		slog.String("error", err.Error()),
	)
	if consecutive < int64(m.cfg.LivenessAlarmAfter) || !m.alarmed.CompareAndSwap(false, true) {
		return
	}
	var since time.Duration
	if last := m.lastSuccess.Load(); last > 0 {
		since = time.Since(time.Unix(0, last))
	}
	m.logger.Error("LIVENESS ALARM: price monitor cannot reach venues",
		slog.Int64("consecutive_failures", consecutive),
		slog.Duration("since_last_success", since),
		slog.String("error", err.Error()),
	)
	if m.onAlarm != nil {
		m.onAlarm(ctx, int(consecutive), err)
	}
}

func (m *Monitor) recordSuccess() {
	m.failures.Store(0)
	m.lastSuccess.Store(time.Now().UnixNano())
	if m.alarmed.CompareAndSwap(true, false) {
		m.logger.Info("liveness restored")
	}
}

// publish mirrors a cycle to the snapshot cache and bus. Failures are logged
// and never affect the cycle.
func (m *Monitor) publish(cyc domain.Cycle) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if m.cache != nil && len(cyc.Snapshots) > 0 {
		if err := m.cache.Put(ctx, cyc.Snapshots); err != nil {
			m.logger.Warn("snapshot cache put failed", slog.String("error", err.Error()))
		}
	}
	if m.bus == nil {
		return
	}
	if payload, err := json.Marshal(priceEvent{Cycle: cyc.Number, Block: cyc.Block, Snapshots: cyc.Snapshots}); err == nil {
		if err := m.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
			m.logger.Warn("publish prices failed", slog.String("error", err.Error()))
		}
	}
	for _, d := range cyc.Deltas {
		payload, err := json.Marshal(d)
		if err != nil {
			continue
		}
		if err := m.bus.Publish(ctx, domain.ChannelDeltas, payload); err != nil {
			m.logger.Warn("publish delta failed", slog.String("error", err.Error()))
			return
		}
	}
}

type priceEvent struct {
	Cycle     uint64                 `json:"cycle"`
	Block     uint64                 `json:"block"`
	Snapshots []domain.PriceSnapshot `json:"snapshots"`
}

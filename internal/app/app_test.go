package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/flasharb/internal/cache/memory"
	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/executor"
	storemem "github.com/alanyoungcy/flasharb/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Assets = []config.AssetConfig{
		{ID: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
		{ID: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, NativePrice: 2500},
	}
	cfg.Pools = []config.PoolConfig{
		{ID: "aero", Venue: "aerodrome", Address: "0x00000000000000000000000000000000000000a1", Asset0: "WETH", Asset1: "USDC", Mode: "constant_product", FeeBps: 30},
		{ID: "univ3", Venue: "uniswap_v3", Address: "0x00000000000000000000000000000000000000a2", Asset0: "WETH", Asset1: "USDC", Mode: "concentrated", FeeBps: 5, FeeTier: 500},
	}
	cfg.Ledger.Backend = "memory"
	return &cfg
}

type fakePools struct{}

func (fakePools) CurrentCycle() uint64              { return 7 }
func (fakePools) Block() uint64                     { return 1234 }
func (fakePools) LivenessAlarm() bool               { return false }
func (fakePools) Snapshots() []domain.PriceSnapshot { return nil }

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fakeNonceSource struct{}

func (fakeNonceSource) ConfirmedNonce(context.Context, string) (uint64, error) { return 3, nil }
func (fakeNonceSource) PendingNonce(context.Context, string) (uint64, error)   { return 3, nil }

type engineFixture struct {
	engine   *Engine
	circuit  *executor.Circuit
	audit    *storemem.AuditStore
	notifier *fakeNotifier
	bus      *memory.Bus
}

func newEngineFixture(t *testing.T, adapters map[string]string, withCoordinator bool) engineFixture {
	t.Helper()
	cfg := testConfig()
	cfg.Adapters = adapters
	reg, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	f := engineFixture{
		audit:    storemem.NewAuditStore(),
		notifier: &fakeNotifier{},
		bus:      memory.NewBus(),
	}
	f.circuit = executor.NewCircuit(executor.CircuitConfig{
		FailureThreshold: 2,
		OnTrip: func(s executor.CircuitSnapshot, o domain.ExecutionOutcome) {
			f.engine.OnTrip(s, o)
		},
		OnReset: func(source string) { f.engine.OnReset(source) },
	}, discardLogger())

	var coord *executor.Coordinator
	if withCoordinator {
		nonces := executor.NewNonceManager("0x00000000000000000000000000000000000000aa",
			storemem.NewNonceStore(), fakeNonceSource{}, discardLogger())
		coord = executor.NewCoordinator(executor.Config{}, executor.Deps{
			Nonces:  nonces,
			Circuit: f.circuit,
		}, domain.ModeObserve, discardLogger())
	}

	f.engine = NewEngine(EngineDeps{
		Pools:       fakePools{},
		Circuit:     f.circuit,
		Coordinator: coord,
		Registry:    reg,
		Audit:       f.audit,
		Notifier:    f.notifier,
		Bus:         f.bus,
	}, domain.ModeObserve, discardLogger())
	return f
}

func TestBuildRegistry(t *testing.T) {
	reg, err := BuildRegistry(testConfig())
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	pairs := reg.Pairs()
	if len(pairs) != 1 || pairs[0].Quote != "USDC" || len(pairs[0].Pools) != 2 {
		t.Fatalf("pairs = %+v", pairs)
	}
	usdc, err := reg.Asset("USDC")
	if err != nil || usdc.Decimals != 6 || usdc.NativePrice != 2500 {
		t.Errorf("USDC = %+v, err = %v", usdc, err)
	}
	p, err := reg.Pool("univ3")
	if err != nil || p.Mode != domain.ModeConcentrated || p.FeeTier != 500 {
		t.Errorf("univ3 = %+v, err = %v", p, err)
	}

	bad := testConfig()
	bad.Pools[1].FeeTier = 0
	if _, err := BuildRegistry(bad); !errors.Is(err, domain.ErrInvalidPool) {
		t.Errorf("err = %v, want ErrInvalidPool", err)
	}
}

func TestWire_InProcess(t *testing.T) {
	cfg := testConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.LedgerStore == nil || deps.NonceStore == nil || deps.AuditStore == nil {
		t.Error("memory backend must provide every store")
	}
	if deps.SignalBus == nil || deps.LockManager == nil || deps.SnapshotCache == nil || deps.RateLimiter == nil {
		t.Error("in-process caches must stand in without redis")
	}
	if deps.Archiver != nil || deps.Publisher != nil {
		t.Error("archive and stream must stay off unless enabled")
	}
	if deps.Notifier != nil {
		t.Error("notifier must be nil with no channel configured")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("checks = %v, want none for in-process dependencies", deps.Checks)
	}
}

func TestWire_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Backend = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "ledger.db")

	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	check, ok := deps.Checks["sqlite"]
	if !ok {
		t.Fatal("sqlite backend must register a health check")
	}
	if err := check(context.Background()); err != nil {
		t.Errorf("sqlite ping: %v", err)
	}
	if err := deps.AuditStore.Log(context.Background(), domain.EventModeChanged, map[string]any{"to": "simulate"}); err != nil {
		t.Errorf("audit log: %v", err)
	}
}

func TestWire_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Backend = "mongo"
	if _, _, err := Wire(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestEngine_SetMode(t *testing.T) {
	adapters := map[string]string{
		"aerodrome":  "0x00000000000000000000000000000000000000b1",
		"uniswap_v3": "0x00000000000000000000000000000000000000b2",
	}

	tests := []struct {
		name        string
		adapters    map[string]string
		coordinator bool
		want        domain.Mode
		wantErr     error
	}{
		{"no signer", adapters, false, domain.ModeObserve, domain.ErrSubmissionDisabled},
		{"missing adapter", map[string]string{"aerodrome": adapters["aerodrome"]}, true, domain.ModeObserve, domain.ErrAdapterNotRegistered},
		{"ready", adapters, true, domain.ModeSimulate, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, tt.adapters, tt.coordinator)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			status, err := f.bus.Subscribe(ctx, domain.ChannelStatus)
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}

			prev, err := f.engine.SetMode(ctx, domain.ModeSimulate)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if prev != domain.ModeObserve {
				t.Errorf("prev = %s, want observe", prev)
			}
			if got := f.engine.Mode(); got != tt.want {
				t.Errorf("mode = %s, want %s", got, tt.want)
			}

			rows, _ := f.audit.List(ctx, domain.ListOpts{Event: domain.EventModeChanged})
			if tt.wantErr != nil {
				if len(rows) != 0 {
					t.Errorf("rejected switch wrote %d audit rows", len(rows))
				}
				return
			}
			if len(rows) != 1 || rows[0].Detail["to"] != "simulate" {
				t.Errorf("audit rows = %+v", rows)
			}
			if ev := f.notifier.Events(); len(ev) != 1 || ev[0] != domain.EventModeChanged {
				t.Errorf("notified = %v", ev)
			}
			select {
			case payload := <-status:
				var st domain.EngineStatus
				if err := json.Unmarshal(payload, &st); err != nil || st.Mode != domain.ModeSimulate || st.Cycle != 7 {
					t.Errorf("status = %+v, err = %v", st, err)
				}
			case <-time.After(time.Second):
				t.Error("no status frame published")
			}
		})
	}
}

func TestEngine_CircuitHooks(t *testing.T) {
	f := newEngineFixture(t, nil, false)
	ctx := context.Background()

	f.circuit.Record(domain.ExecutionOutcome{Kind: domain.OutcomeReverted, Reason: "slippage"})
	f.circuit.Record(domain.ExecutionOutcome{Kind: domain.OutcomeReverted, Reason: "slippage"})

	st := f.engine.Status()
	if !st.CircuitPaused || st.CircuitTrips != 1 || st.TrippedAt == nil {
		t.Fatalf("status = %+v, want a paused circuit", st)
	}
	if st.CoordinatorState != executor.StateIdle || st.NextNonce != nil {
		t.Errorf("status without a coordinator = %+v", st)
	}
	rows, _ := f.audit.List(ctx, domain.ListOpts{Event: domain.EventCircuitTripped})
	if len(rows) != 1 || rows[0].Detail["last_reason"] != "slippage" {
		t.Errorf("trip audit = %+v", rows)
	}

	if !f.engine.ResetCircuit(ctx, "api") {
		t.Fatal("reset of a paused circuit must report true")
	}
	if f.engine.ResetCircuit(ctx, "api") {
		t.Error("second reset must report false")
	}
	rows, _ = f.audit.List(ctx, domain.ListOpts{Event: domain.EventCircuitReset})
	if len(rows) != 1 || rows[0].Detail["source"] != "api" {
		t.Errorf("reset audit = %+v", rows)
	}
	want := []string{domain.EventCircuitTripped, domain.EventCircuitReset}
	if ev := f.notifier.Events(); len(ev) != 2 || ev[0] != want[0] || ev[1] != want[1] {
		t.Errorf("notified = %v, want %v", ev, want)
	}
}

func TestEngine_LivenessAlarm(t *testing.T) {
	f := newEngineFixture(t, nil, false)
	f.engine.OnLivenessAlarm(context.Background(), 5, errors.New("dial tcp: refused"))

	rows, _ := f.audit.List(context.Background(), domain.ListOpts{Event: domain.EventLivenessAlarm})
	if len(rows) != 1 || rows[0].Detail["consecutive_failures"] != 5 {
		t.Errorf("alarm audit = %+v", rows)
	}
}

func TestEngine_NonceStuck(t *testing.T) {
	f := newEngineFixture(t, nil, false)
	f.engine.OnNonceStuck(context.Background(), 10, domain.NonceRecord{
		Account: "0xaa", Nonce: 41, Status: domain.NonceFailed, TxHash: "0xdead",
	})

	rows, _ := f.audit.List(context.Background(), domain.ListOpts{Event: domain.EventNonceStuck})
	if len(rows) != 1 || rows[0].Detail["consecutive_skips"] != 10 || rows[0].Detail["tx_hash"] != "0xdead" {
		t.Errorf("stuck audit = %+v", rows)
	}
	if ev := f.notifier.Events(); len(ev) != 1 || ev[0] != domain.EventNonceStuck {
		t.Errorf("notified = %v, want [%s]", ev, domain.EventNonceStuck)
	}
}

func TestRestoreCircuit(t *testing.T) {
	ctx := context.Background()

	t.Run("no history", func(t *testing.T) {
		f := newEngineFixture(t, nil, false)
		restored, err := RestoreCircuit(ctx, f.audit, f.circuit, false)
		if err != nil || restored || !f.circuit.Active() {
			t.Errorf("restored = %v, err = %v, active = %v", restored, err, f.circuit.Active())
		}
	})

	t.Run("trip survives restart", func(t *testing.T) {
		f := newEngineFixture(t, nil, false)
		_ = f.audit.Log(ctx, domain.EventCircuitTripped, map[string]any{"trips": float64(3)})

		restored, err := RestoreCircuit(ctx, f.audit, f.circuit, false)
		if err != nil || !restored {
			t.Fatalf("restored = %v, err = %v", restored, err)
		}
		if f.circuit.Active() || f.circuit.Snapshot().Trips != 3 {
			t.Errorf("circuit = %+v, want paused with 3 trips", f.circuit.Snapshot())
		}
	})

	t.Run("reset after trip", func(t *testing.T) {
		f := newEngineFixture(t, nil, false)
		_ = f.audit.Log(ctx, domain.EventCircuitTripped, map[string]any{"trips": 1})
		_ = f.audit.Log(ctx, domain.EventCircuitReset, map[string]any{"source": "api"})

		restored, err := RestoreCircuit(ctx, f.audit, f.circuit, false)
		if err != nil || restored || !f.circuit.Active() {
			t.Errorf("restored = %v, err = %v", restored, err)
		}
	})

	t.Run("cleared at startup", func(t *testing.T) {
		f := newEngineFixture(t, nil, false)
		_ = f.audit.Log(ctx, domain.EventCircuitTripped, map[string]any{"trips": 1})

		restored, err := RestoreCircuit(ctx, f.audit, f.circuit, true)
		if err != nil || restored || !f.circuit.Active() {
			t.Fatalf("restored = %v, err = %v", restored, err)
		}
		rows, _ := f.audit.List(ctx, domain.ListOpts{Event: domain.EventCircuitReset})
		if len(rows) != 1 || rows[0].Detail["source"] != "startup" {
			t.Errorf("reset audit = %+v", rows)
		}
	})
}

func TestGweiToWei(t *testing.T) {
	if gweiToWei(0) != nil {
		t.Error("zero must mean no cap")
	}
	if got := gweiToWei(1.5); got == nil || got.Int64() != 1_500_000_000 {
		t.Errorf("1.5 gwei = %v", got)
	}
}

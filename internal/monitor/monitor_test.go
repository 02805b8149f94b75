package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/retry"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// fakeReader returns states from a mutable map and can be told to fail the
// next n batched reads.
type fakeReader struct {
	mu       sync.Mutex
	block    uint64
	states   map[string]domain.RawPoolState
	failNext int
	calls    int
	hints    map[string]uint32
}

func (f *fakeReader) ReadPools(_ context.Context, _ []domain.PoolDescriptor, hints map[string]uint32) (domain.RawBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.hints = hints
	if f.failNext > 0 {
		f.failNext--
		return domain.RawBatch{}, errors.New("connection refused")
	}
	f.block++
	states := make(map[string]domain.RawPoolState, len(f.states))
	for k, v := range f.states {
		states[k] = v
	}
	return domain.RawBatch{Block: f.block, States: states}, nil
}

func (f *fakeReader) set(id string, s domain.RawPoolState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *venue.Registry {
	t.Helper()
	assets := []domain.Asset{
		{ID: "WETH", Decimals: 0},
		{ID: "USDC", Decimals: 0},
	}
	addr := "0x000000000000000000000000000000000000dEaD"
	pools := []domain.PoolDescriptor{
		{ID: "a", Venue: "aerodrome", Address: addr, Asset0: "WETH", Asset1: "USDC", Mode: domain.ModeConstantProduct, FeeBps: 5},
		{ID: "b", Venue: "uniswap_v2", Address: addr, Asset0: "USDC", Asset1: "WETH", Mode: domain.ModeConstantProduct, FeeBps: 30},
		{ID: "c", Venue: "sushiswap", Address: addr, Asset0: "WETH", Asset1: "USDC", Mode: domain.ModeConstantProduct, FeeBps: 30},
	}
	reg, err := venue.New(assets, pools, nil)
	if err != nil {
		t.Fatalf("venue.New: %v", err)
	}
	return reg
}

func reserves(r0, r1 int64) domain.RawPoolState {
	return domain.RawPoolState{Reserve0: big.NewInt(r0), Reserve1: big.NewInt(r1)}
}

func newTestMonitor(t *testing.T, reader *fakeReader, opts ...Option) *Monitor {
	t.Helper()
	return New(reader, testRegistry(t), Config{
		DeltaThresholdBps:  30,
		MaxRetries:         2,
		Backoff:            retry.Backoff{Base: time.Millisecond, Max: time.Millisecond},
		LivenessAlarmAfter: 3,
	}, discardLogger(), opts...)
}

func TestPoll_EmitsOrientedDeltas(t *testing.T) {
	reader := &fakeReader{states: map[string]domain.RawPoolState{
		"a": reserves(1_000, 100_000), // 100 USDC per WETH
		"b": reserves(100_600, 1_000), // inverted: 100.6 USDC per WETH
		"c": reserves(1_000, 100_100), // 100.1, within threshold of a
	}}
	m := newTestMonitor(t, reader)

	var got []domain.PriceDelta
	m.OnDelta(func(d domain.PriceDelta) { got = append(got, d) })

	cyc, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if cyc.Number != 1 || cyc.Block != 1 || len(cyc.Snapshots) != 3 || cyc.Failed != 0 {
		t.Fatalf("cycle = %+v", cyc)
	}
	// a vs b: 60 bps; c vs b: ~49.9 bps; a vs c: 10 bps (below threshold).
	if len(got) != 2 || len(cyc.Deltas) != 2 {
		t.Fatalf("got %d deltas, want 2: %+v", len(got), got)
	}
	d := got[0]
	if d.Buy.Pool != "a" || d.Sell.Pool != "b" {
		t.Errorf("direction = buy %s sell %s, want buy a sell b", d.Buy.Pool, d.Sell.Pool)
	}
	if d.Base != "WETH" || d.Quote != "USDC" {
		t.Errorf("orientation = %s/%s", d.Base, d.Quote)
	}
	if !approx(d.DivergenceBps, 60, 1e-6) {
		t.Errorf("divergence = %v bps, want 60", d.DivergenceBps)
	}
	if d.BuyPrice >= d.SellPrice {
		t.Errorf("buy price %v should be below sell price %v", d.BuyPrice, d.SellPrice)
	}
}

func TestPoll_DecodeFailureIsolated(t *testing.T) {
	reader := &fakeReader{states: map[string]domain.RawPoolState{
		"a": reserves(1_000, 100_000),
		"b": reserves(100_600, 1_000),
		"c": reserves(1_000, 101_000),
	}}
	m := newTestMonitor(t, reader)
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	reader.set("b", domain.RawPoolState{Err: errors.New("execution reverted")})
	cyc, err := m.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if cyc.Failed != 1 || len(cyc.Snapshots) != 2 {
		t.Errorf("cycle failed=%d snapshots=%d, want 1 and 2", cyc.Failed, len(cyc.Snapshots))
	}
	s, ok := m.Snapshot("b")
	if !ok || !s.Stale || s.Cycle != 1 {
		t.Errorf("b = %+v, want the cycle-1 snapshot marked stale", s)
	}
	for _, d := range cyc.Deltas {
		if d.Buy.Pool == "b" || d.Sell.Pool == "b" {
			t.Errorf("stale pool b took part in delta %+v", d)
		}
	}
	if len(cyc.Deltas) != 1 {
		t.Errorf("got %d deltas, want a vs c only", len(cyc.Deltas))
	}
}

func TestPoll_RetriesTransportErrors(t *testing.T) {
	reader := &fakeReader{
		states:   map[string]domain.RawPoolState{"a": reserves(1, 1), "b": reserves(1, 1), "c": reserves(1, 1)},
		failNext: 2,
	}
	m := newTestMonitor(t, reader)
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll should succeed on the third attempt: %v", err)
	}
	if reader.calls != 3 {
		t.Errorf("reader called %d times, want 3", reader.calls)
	}
}

func TestPoll_LivenessAlarm(t *testing.T) {
	reader := &fakeReader{states: map[string]domain.RawPoolState{"a": reserves(1, 1), "b": reserves(1, 1), "c": reserves(1, 1)}}
	var alarms int
	m := newTestMonitor(t, reader, WithAlarm(func(context.Context, int, error) { alarms++ }))

	// Each failed cycle burns MaxRetries+1 reads.
	reader.failNext = 5 * 3
	for i := 0; i < 5; i++ {
		_, err := m.Poll(context.Background())
		if !errors.Is(err, domain.ErrTransport) {
			t.Fatalf("cycle %d: err = %v, want ErrTransport", i+1, err)
		}
	}
	if alarms != 1 {
		t.Errorf("alarm fired %d times, want once", alarms)
	}
	if !m.LivenessAlarm() {
		t.Error("monitor should be in alarm")
	}

	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("recovery Poll: %v", err)
	}
	if m.LivenessAlarm() {
		t.Error("alarm should clear after a successful cycle")
	}
	if m.CurrentCycle() != 6 {
		t.Errorf("cycle = %d, want 6", m.CurrentCycle())
	}
}

func TestInvalidate(t *testing.T) {
	reader := &fakeReader{states: map[string]domain.RawPoolState{
		"a": reserves(1_000, 100_000),
		"b": reserves(100_600, 1_000),
		"c": reserves(1_000, 100_000),
	}}
	m := newTestMonitor(t, reader)
	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	m.Invalidate("a", "b")
	for _, id := range []string{"a", "b"} {
		if s, _ := m.Snapshot(id); !s.Stale {
			t.Errorf("%s should be stale after Invalidate", id)
		}
	}
	if s, _ := m.Snapshot("c"); s.Stale {
		t.Error("c should be untouched")
	}

	if _, err := m.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if s, _ := m.Snapshot("a"); s.Stale || s.Cycle != 2 {
		t.Errorf("a = %+v, want refreshed in cycle 2", s)
	}
}

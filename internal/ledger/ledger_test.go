package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/store/memory"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

func testRegistry(t *testing.T) *venue.Registry {
	t.Helper()
	reg, err := venue.New([]domain.Asset{
		{ID: "WETH", Decimals: 18, NativePrice: 1},
		{ID: "USDC", Decimals: 6, NativePrice: 2500},
	}, nil, nil)
	if err != nil {
		t.Fatalf("venue.New: %v", err)
	}
	return reg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func opportunity(id string, cycle uint64) domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:          id,
		Pair:        "WETH/USDC",
		BorrowAsset: "USDC",
		AmountIn:    500,
		Legs:        [2]domain.Leg{{Pool: "aero"}, {Pool: "univ3"}},
		Costs:       domain.CostBreakdown{Gross: 2.5, Net: 1.2},
		Cycle:       cycle,
	}
}

func nonce(n uint64) *uint64 { return &n }

// confirmed returns an outcome that realised 1.5 USDC and paid 0.0003 ETH of
// gas, i.e. 0.75 USDC at 2500 USDC per ETH.
func confirmed(oppID, hash string) domain.ExecutionOutcome {
	return domain.ExecutionOutcome{
		Kind:           domain.OutcomeConfirmed,
		OpportunityID:  oppID,
		TxHash:         hash,
		Nonce:          nonce(4),
		RealizedProfit: big.NewInt(1_500_000),
		Receipt: &domain.Receipt{
			TxHash:            hash,
			Status:            1,
			Block:             123,
			GasUsed:           200_000,
			EffectiveGasPrice: big.NewInt(1_000_000_000),
			L1Fee:             big.NewInt(100_000_000_000_000),
			Profit:            big.NewInt(1_500_000),
		},
		CompletedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRecord_ConfirmedBuckets(t *testing.T) {
	store := memory.NewLedgerStore()
	l := New(store, testRegistry(t), discardLogger())

	if err := l.Record(context.Background(), confirmed("opp-1", "0xa"), opportunity("opp-1", 7)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, _ := store.Recent(context.Background(), 10)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if !e.Gross.Equal(dec("1.5")) {
		t.Errorf("gross = %s, want 1.5", e.Gross)
	}
	if !e.Fee.Equal(dec("0.75")) {
		t.Errorf("fee = %s, want 0.75", e.Fee)
	}
	if !e.Net.Equal(dec("0.75")) {
		t.Errorf("net = %s, want 0.75", e.Net)
	}
	if !e.ExpectedNet.Equal(dec("1.2")) {
		t.Errorf("expected net = %s, want 1.2", e.ExpectedNet)
	}
	if e.BuyPool != "aero" || e.SellPool != "univ3" || e.Block != 123 || *e.Nonce != 4 {
		t.Errorf("entry = %+v", e)
	}
}

func TestRecord_RevertedPaysFeeOnly(t *testing.T) {
	l := New(memory.NewLedgerStore(), testRegistry(t), discardLogger())
	o := confirmed("opp-1", "0xa")
	o.Kind = domain.OutcomeReverted
	o.Receipt.Status = 0
	if err := l.Record(context.Background(), o, opportunity("opp-1", 1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	s := l.Summary()
	if !s.TotalGross.IsZero() || !s.TotalNet.Equal(dec("-0.75")) {
		t.Errorf("gross = %s net = %s, want 0 and -0.75", s.TotalGross, s.TotalNet)
	}
}

func TestSummary(t *testing.T) {
	l := New(memory.NewLedgerStore(), testRegistry(t), discardLogger())
	ctx := context.Background()

	record := func(o domain.ExecutionOutcome, cycle uint64) {
		t.Helper()
		if err := l.Record(ctx, o, opportunity(o.OpportunityID, cycle)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	record(confirmed("a", "0xa"), 1)
	record(domain.ExecutionOutcome{Kind: domain.OutcomeReverted, OpportunityID: "b"}, 1)
	record(domain.ExecutionOutcome{Kind: domain.OutcomeFailed, OpportunityID: "c"}, 2)
	record(domain.ExecutionOutcome{Kind: domain.OutcomeSkipped, Reason: domain.SkipStale, OpportunityID: "d"}, 3)
	record(domain.ExecutionOutcome{Kind: domain.OutcomeSkipped, Reason: domain.SkipSimulation, OpportunityID: "e"}, 4)

	s := l.Summary()
	if s.Attempts != 5 || s.Confirmed != 1 || s.Reverted != 1 || s.Failed != 1 || s.Skipped != 2 {
		t.Errorf("counts = %+v", s)
	}
	if s.WinRate < 0.333 || s.WinRate > 0.334 {
		t.Errorf("win rate = %v, want 1/3", s.WinRate)
	}
	if s.Cycles != 4 || s.AttemptsPerCycle != 1.25 {
		t.Errorf("cycles = %d attempts/cycle = %v, want 4 and 1.25", s.Cycles, s.AttemptsPerCycle)
	}
	if !s.NetByAsset["USDC"].Equal(dec("0.75")) {
		t.Errorf("net by asset = %v", s.NetByAsset)
	}
	if s.LastEntryAt.IsZero() {
		t.Error("last entry time not tracked")
	}
}

func TestLoad_RebuildsTotals(t *testing.T) {
	store := memory.NewLedgerStore()
	reg := testRegistry(t)
	ctx := context.Background()

	first := New(store, reg, discardLogger())
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if err := first.Record(ctx, confirmed(id, "0x"+id), opportunity(id, uint64(i+1))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	restarted := New(store, reg, discardLogger())
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, got := first.Summary(), restarted.Summary()
	if got.Attempts != want.Attempts || !got.TotalNet.Equal(want.TotalNet) || got.Cycles != want.Cycles {
		t.Errorf("restarted summary = %+v, want %+v", got, want)
	}
	if !got.TotalNet.Equal(dec("2.25")) {
		t.Errorf("total net = %s, want 2.25", got.TotalNet)
	}
}

func TestReconcile(t *testing.T) {
	l := New(memory.NewLedgerStore(), testRegistry(t), discardLogger())
	if err := l.Record(context.Background(), confirmed("a", "0xa"), opportunity("a", 1)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	tol := dec("0.01")

	tests := []struct {
		observed string
		drift    bool
	}{
		{"0.75", false},
		{"0.745", false},
		{"0.76", false},
		{"0.7", true},
		{"0", true},
		{"1", true},
	}
	for _, tt := range tests {
		err := l.Reconcile(dec(tt.observed), tol)
		if got := errors.Is(err, domain.ErrReconcileDrift); got != tt.drift {
			t.Errorf("Reconcile(%s) = %v, want drift %v", tt.observed, err, tt.drift)
		}
	}
}

func TestLateInclusion(t *testing.T) {
	store := memory.NewLedgerStore()
	reg := testRegistry(t)
	ctx := context.Background()

	l := New(store, reg, discardLogger())
	failed := domain.ExecutionOutcome{Kind: domain.OutcomeFailed, OpportunityID: "opp-9", TxHash: "0xlate", Nonce: nonce(4)}
	if err := l.Record(ctx, failed, opportunity("opp-9", 5)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	check := func(t *testing.T, l *Ledger) {
		t.Helper()
		late := confirmed("opp-9", "0xlate")
		late.Late = true
		if err := l.Record(ctx, late, domain.ArbitrageOpportunity{ID: "opp-9"}); err != nil {
			t.Fatalf("Record late: %v", err)
		}
		s := l.Summary()
		if s.Attempts != 1 || s.Failed != 0 || s.Confirmed != 1 {
			t.Errorf("summary = %+v, want one confirmed attempt", s)
		}
		if !s.TotalNet.Equal(dec("0.75")) {
			t.Errorf("net = %s, want 0.75", s.TotalNet)
		}
		recent, _ := l.Recent(ctx, 1)
		if e := recent[0]; !e.Late || e.Pair != "WETH/USDC" || e.BuyPool != "aero" || e.Cycle != 5 {
			t.Errorf("late entry = %+v, want the original route", e)
		}
	}

	t.Run("same process", func(t *testing.T) {
		check(t, l)
	})

	t.Run("after restart", func(t *testing.T) {
		store := memory.NewLedgerStore()
		first := New(store, reg, discardLogger())
		if err := first.Record(ctx, failed, opportunity("opp-9", 5)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		restarted := New(store, reg, discardLogger())
		if err := restarted.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		check(t, restarted)
	})
}

type captureBus struct {
	mu        sync.Mutex
	published map[string]int
	streamed  int
}

func (b *captureBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string]int)
	}
	b.published[channel]++
	return nil
}

func (b *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *captureBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed++
	return nil
}

func (b *captureBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type capturePublisher struct {
	entries []domain.LedgerEntry
	err     error
}

func (p *capturePublisher) PublishEntry(_ context.Context, e domain.LedgerEntry) error {
	p.entries = append(p.entries, e)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

type captureNotifier struct{ events []string }

func (n *captureNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

func TestRecord_SideEffects(t *testing.T) {
	bus := &captureBus{}
	pub := &capturePublisher{err: errors.New("broker down")}
	audit := memory.NewAuditStore()
	notifier := &captureNotifier{}
	l := New(memory.NewLedgerStore(), testRegistry(t), discardLogger(),
		WithBus(bus), WithPublisher(pub), WithAudit(audit), WithNotifier(notifier))
	ctx := context.Background()

	if err := l.Record(ctx, confirmed("a", "0xa"), opportunity("a", 1)); err != nil {
		t.Fatalf("Record must not fail on side-effect errors: %v", err)
	}
	if err := l.Record(ctx, domain.ExecutionOutcome{Kind: domain.OutcomeSkipped, Reason: domain.SkipStale}, opportunity("b", 1)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if bus.published[domain.ChannelOutcomes] != 2 || bus.streamed != 2 {
		t.Errorf("bus published = %v streamed = %d", bus.published, bus.streamed)
	}
	if len(pub.entries) != 2 {
		t.Errorf("publisher saw %d entries, want 2", len(pub.entries))
	}
	rows, _ := audit.List(ctx, domain.ListOpts{})
	if len(rows) != 2 {
		t.Errorf("audit rows = %d, want 2", len(rows))
	}
	if len(notifier.events) != 1 || notifier.events[0] != domain.EventConfirmed {
		t.Errorf("notifications = %v, want one confirmed", notifier.events)
	}
}

func TestRecord_UnknownAssetKeepsEntry(t *testing.T) {
	store := memory.NewLedgerStore()
	l := New(store, testRegistry(t), discardLogger())
	opp := opportunity("a", 1)
	opp.BorrowAsset = "NOPE"
	if err := l.Record(context.Background(), confirmed("a", "0xa"), opp); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, _ := store.Recent(context.Background(), 1)
	if len(entries) != 1 || !entries[0].Net.IsZero() || entries[0].TxHash != "0xa" {
		t.Errorf("entry = %+v, want zero buckets with the hash kept", entries)
	}
}

package sqlite

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLedgerStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore(openTest(t))

	nonce := uint64(7)
	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	want := domain.LedgerEntry{
		ID:            "e1",
		OpportunityID: "opp-1",
		Kind:          domain.OutcomeConfirmed,
		Cycle:         42,
		Pair:          "WETH/USDC",
		BuyPool:       "cheap",
		SellPool:      "rich",
		BorrowAsset:   "USDC",
		AmountIn:      decimal.RequireFromString("1250.5"),
		ExpectedNet:   decimal.RequireFromString("3.25"),
		Gross:         decimal.RequireFromString("4.000001"),
		Fee:           decimal.RequireFromString("0.000000000000000001"),
		Net:           decimal.RequireFromString("3.999999999999999999"),
		TxHash:        "0xabc",
		Nonce:         &nonce,
		Block:         1001,
		CreatedAt:     at,
	}
	if err := s.Append(ctx, want); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, want); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate append: err = %v, want ErrAlreadyExists", err)
	}

	got, err := s.List(ctx, domain.ListOpts{})
	if err != nil || len(got) != 1 {
		t.Fatalf("List = %v, %v", got, err)
	}
	e := got[0]
	if e.Kind != want.Kind || e.Cycle != 42 || e.Block != 1001 || e.Nonce == nil || *e.Nonce != 7 {
		t.Errorf("entry = %+v", e)
	}
	if !e.Net.Equal(want.Net) || !e.Fee.Equal(want.Fee) || !e.AmountIn.Equal(want.AmountIn) {
		t.Errorf("decimals lost precision: net %s fee %s amount %s", e.Net, e.Fee, e.AmountIn)
	}
	if !e.CreatedAt.Equal(at) {
		t.Errorf("created_at = %s, want %s", e.CreatedAt, at)
	}
}

func TestLedgerStore_Ordering(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore(openTest(t))
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		e := domain.LedgerEntry{ID: id, Kind: domain.OutcomeSkipped, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}

	page, _ := s.List(ctx, domain.ListOpts{Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
		t.Errorf("List page = %v", ids(page))
	}
	until := base.Add(2 * time.Hour)
	before, _ := s.List(ctx, domain.ListOpts{Until: &until})
	if len(before) != 2 || before[1].ID != "b" {
		t.Errorf("List until = %v, want [a b]", ids(before))
	}
	recent, _ := s.Recent(ctx, 3)
	if len(recent) != 3 || recent[0].ID != "d" || recent[2].ID != "b" {
		t.Errorf("Recent = %v", ids(recent))
	}
	if e := recent[0]; e.Nonce != nil {
		t.Errorf("nonce = %v, want nil for an unbroadcast entry", *e.Nonce)
	}
}

func TestNonceStore(t *testing.T) {
	ctx := context.Background()
	s := NewNonceStore(openTest(t))
	if _, err := s.Latest(ctx, "0xabc"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Latest on empty: err = %v, want ErrNotFound", err)
	}

	_ = s.Save(ctx, domain.NonceRecord{Account: "0xabc", Nonce: 3, Status: domain.NonceFailed, TxHash: "0x3"})
	_ = s.Save(ctx, domain.NonceRecord{Account: "0xabc", Nonce: 4, Status: domain.NonceConfirmed})
	_ = s.Save(ctx, domain.NonceRecord{Account: "0xabc", Nonce: 5, Status: domain.NonceReserved})
	if err := s.Save(ctx, domain.NonceRecord{Account: "0xabc", Nonce: 5, Status: domain.NonceBroadcast, TxHash: "0x5", RawTx: []byte{0x02, 0xf8, 0x6b}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A later transition without the payload keeps the journalled one.
	if err := s.Save(ctx, domain.NonceRecord{Account: "0xabc", Nonce: 5, Status: domain.NonceFailed, TxHash: "0x5"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	_ = s.Save(ctx, domain.NonceRecord{Account: "0xdef", Nonce: 9, Status: domain.NonceReserved})

	open, err := s.Outstanding(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Outstanding: %v", err)
	}
	if len(open) != 2 || open[0].Nonce != 3 || open[1].Nonce != 5 || open[1].TxHash != "0x5" {
		t.Errorf("Outstanding = %+v", open)
	}
	if len(open) == 2 && !bytes.Equal(open[1].RawTx, []byte{0x02, 0xf8, 0x6b}) {
		t.Errorf("raw payload = %x, want 02f86b", open[1].RawTx)
	}
	if len(open) == 2 && open[0].RawTx != nil {
		t.Errorf("raw payload of nonce 3 = %x, want none", open[0].RawTx)
	}
	latest, _ := s.Latest(ctx, "0xabc")
	if latest.Nonce != 5 || latest.Status != domain.NonceFailed || latest.UpdatedAt.IsZero() {
		t.Errorf("Latest = %+v", latest)
	}
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore(openTest(t))
	_ = s.Log(ctx, domain.EventLedgerArchived, map[string]any{"to": "e1"})
	_ = s.Log(ctx, domain.EventCircuitTripped, map[string]any{"failures": 5})
	_ = s.Log(ctx, domain.EventLedgerArchived, map[string]any{"to": "e9"})

	all, err := s.List(ctx, domain.ListOpts{})
	if err != nil || len(all) != 3 || all[0].Event != domain.EventLedgerArchived {
		t.Fatalf("List = %+v, %v", all, err)
	}
	if all[1].Detail["failures"] != float64(5) {
		t.Errorf("detail = %v", all[1].Detail)
	}

	last, _ := s.List(ctx, domain.ListOpts{Event: domain.EventLedgerArchived, Limit: 1})
	if len(last) != 1 || last[0].Detail["to"] != "e9" {
		t.Errorf("newest archive row = %+v", last)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = NewNonceStore(db).Save(ctx, domain.NonceRecord{Account: "0xabc", Nonce: 1, Status: domain.NonceBroadcast})
	db.Close()

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	open, _ := NewNonceStore(db).Outstanding(ctx, "0xabc")
	if len(open) != 1 {
		t.Errorf("journal lost across reopen: %+v", open)
	}
}

func ids(entries []domain.LedgerEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// totals is the running aggregate over ledger entries. Replaying the store in
// insertion order through apply yields the same totals as live recording.
type totals struct {
	attempts  int64
	confirmed int64
	reverted  int64
	failed    int64
	skipped   int64
	gross     decimal.Decimal
	fees      decimal.Decimal
	net       decimal.Decimal
	byAsset   map[string]decimal.Decimal
	cycles    map[uint64]struct{}
	last      time.Time
}

func newTotals() totals {
	return totals{
		gross:   decimal.Zero,
		fees:    decimal.Zero,
		net:     decimal.Zero,
		byAsset: make(map[string]decimal.Decimal),
		cycles:  make(map[uint64]struct{}),
	}
}

func (t *totals) apply(e domain.LedgerEntry) {
	// A late entry settles an attempt already counted as failed; it moves
	// that attempt to its real kind rather than adding a new one.
	if e.Late && t.failed > 0 {
		t.failed--
	} else {
		t.attempts++
	}
	switch e.Kind {
	case domain.OutcomeConfirmed:
		t.confirmed++
	case domain.OutcomeReverted:
		t.reverted++
	case domain.OutcomeFailed:
		t.failed++
	case domain.OutcomeSkipped:
		t.skipped++
	}

	t.gross = t.gross.Add(e.Gross)
	t.fees = t.fees.Add(e.Fee)
	t.net = t.net.Add(e.Net)
	if e.BorrowAsset != "" {
		t.byAsset[e.BorrowAsset] = t.byAsset[e.BorrowAsset].Add(e.Net)
	}
	if e.Cycle > 0 {
		t.cycles[e.Cycle] = struct{}{}
	}
	if e.CreatedAt.After(t.last) {
		t.last = e.CreatedAt
	}
}

func (t *totals) summary() domain.LedgerSummary {
	s := domain.LedgerSummary{
		Attempts:    t.attempts,
		Confirmed:   t.confirmed,
		Reverted:    t.reverted,
		Failed:      t.failed,
		Skipped:     t.skipped,
		TotalGross:  t.gross,
		TotalFees:   t.fees,
		TotalNet:    t.net,
		NetByAsset:  make(map[string]decimal.Decimal, len(t.byAsset)),
		Cycles:      int64(len(t.cycles)),
		LastEntryAt: t.last,
	}
	for k, v := range t.byAsset {
		s.NetByAsset[k] = v
	}
	if settled := t.confirmed + t.reverted + t.failed; settled > 0 {
		s.WinRate = float64(t.confirmed) / float64(settled)
	}
	if s.Cycles > 0 {
		s.AttemptsPerCycle = float64(t.attempts) / float64(s.Cycles)
	}
	return s
}

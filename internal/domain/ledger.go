package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one append-only record per execution attempt. Amounts are
// in the borrow asset.
type LedgerEntry struct {
	ID            string          `json:"id"`
	OpportunityID string          `json:"opportunity_id"`
	Kind          OutcomeKind     `json:"kind"`
	Reason        string          `json:"reason,omitempty"`
	Cycle         uint64          `json:"cycle"`
	Pair          string          `json:"pair"`
	BuyPool       string          `json:"buy_pool"`
	SellPool      string          `json:"sell_pool"`
	BorrowAsset   string          `json:"borrow_asset"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	ExpectedNet   decimal.Decimal `json:"expected_net"`
	Gross         decimal.Decimal `json:"gross"`
	Fee           decimal.Decimal `json:"fee"`
	Net           decimal.Decimal `json:"net"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Nonce         *uint64         `json:"nonce,omitempty"`
	Block         uint64          `json:"block,omitempty"`
	Late          bool            `json:"late,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LedgerSummary aggregates the ledger.
type LedgerSummary struct {
	Attempts         int64                      `json:"attempts"`
	Confirmed        int64                      `json:"confirmed"`
	Reverted         int64                      `json:"reverted"`
	Failed           int64                      `json:"failed"`
	Skipped          int64                      `json:"skipped"`
	WinRate          float64                    `json:"win_rate"`
	TotalGross       decimal.Decimal            `json:"total_gross"`
	TotalFees        decimal.Decimal            `json:"total_fees"`
	TotalNet         decimal.Decimal            `json:"total_net"`
	NetByAsset       map[string]decimal.Decimal `json:"net_by_asset"`
	Cycles           int64                      `json:"cycles"`
	AttemptsPerCycle float64                    `json:"attempts_per_cycle"`
	LastEntryAt      time.Time                  `json:"last_entry_at"`
}

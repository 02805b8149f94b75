package domain

import (
	"context"
	"math/big"
)

// PreparedTransaction is a settlement call ready for fee attachment and
// signing. The coordinator owns it from hand-off to terminal outcome and
// fills Nonce, FeeCap and TipCap during submission.
type PreparedTransaction struct {
	Opportunity ArbitrageOpportunity
	To          string
	Data        []byte
	Value       *big.Int
	GasLimit    uint64
	MinProfit   *big.Int
	Nonce       uint64
	FeeCap      *big.Int
	TipCap      *big.Int
}

// Cycle returns the monitor cycle the underlying snapshots were captured in.
func (t PreparedTransaction) Cycle() uint64 {
	return t.Opportunity.Cycle
}

// FeeBid is the EIP-1559 fee pair attached to a submission.
type FeeBid struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// SignedTransaction is a broadcastable payload returned by a Signer.
type SignedTransaction struct {
	Hash  string
	Nonce uint64
	Raw   []byte
}

// SimulationResult is the outcome of a read-only dry run of the settlement
// call against current chain state.
type SimulationResult struct {
	Reverted bool
	Reason   string
	Profit   *big.Int
	Block    uint64
}

// Receipt is the subset of an inclusion receipt the coordinator and ledger
// need. Profit is decoded from the settlement contract's profit event.
type Receipt struct {
	TxHash            string
	Status            uint64
	Block             uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	L1Fee             *big.Int
	Profit            *big.Int
}

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool {
	return r.Status == 1
}

// FeePaid returns the total native-coin cost of the receipt in wei,
// including any layer-specific surcharge.
func (r Receipt) FeePaid() *big.Int {
	fee := new(big.Int).SetUint64(r.GasUsed)
	if r.EffectiveGasPrice != nil {
		fee.Mul(fee, r.EffectiveGasPrice)
	} else {
		fee.SetInt64(0)
	}
	if r.L1Fee != nil {
		fee.Add(fee, r.L1Fee)
	}
	return fee
}

// Signer produces signed payloads. Key custody lives behind this interface.
type Signer interface {
	Address() string
	Sign(ctx context.Context, tx PreparedTransaction) (SignedTransaction, error)
}

// ChainClient is the coordinator's view of the chain.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Simulate(ctx context.Context, from string, tx PreparedTransaction) (SimulationResult, error)
	SuggestFees(ctx context.Context) (FeeBid, error)
	ConfirmedNonce(ctx context.Context, account string) (uint64, error)
	PendingNonce(ctx context.Context, account string) (uint64, error)
	Broadcast(ctx context.Context, tx SignedTransaction) error
	// Receipt returns ErrNotFound while the transaction is not yet included.
	Receipt(ctx context.Context, hash string) (Receipt, error)
}

// BalanceReader reads balances for reconciliation.
type BalanceReader interface {
	TokenBalance(ctx context.Context, token, account string) (*big.Int, error)
	// NativeBalance returns the account's native coin balance in wei.
	NativeBalance(ctx context.Context, account string) (*big.Int, error)
}

// PoolReader fetches raw venue state for a batch of pools in as few round
// trips as the transport allows. A per-pool failure is reported in that
// pool's RawPoolState; a returned error means the whole batch failed.
type PoolReader interface {
	ReadPools(ctx context.Context, pools []PoolDescriptor, hints map[string]uint32) (RawBatch, error)
}

// RawBatch is the undecoded result of one batched read.
type RawBatch struct {
	Block  uint64
	States map[string]RawPoolState
}

// RawPoolState is the mode-specific raw state of one pool. Only the fields
// for the pool's mode are set.
type RawPoolState struct {
	Err error

	// constant_product
	Reserve0 *big.Int
	Reserve1 *big.Int

	// concentrated
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32

	// discrete_bin
	ActiveID    uint32
	BinID       uint32
	BinReserveX *big.Int
	BinReserveY *big.Int
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/flasharb/internal/composer"
	"github.com/alanyoungcy/flasharb/internal/domain"
)

// rejections are node responses meaning the transaction never entered the
// pool, so its nonce is still free.
var rejections = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"max fee per gas less than block base fee",
	"fee cap less than block base fee",
	"transaction underpriced",
	"tip higher than fee cap",
	"max priority fee per gas higher than max fee per gas",
	"invalid sender",
	"exceeds the configured cap",
	"oversized data",
}

// occupied are node responses meaning another transaction holds the nonce.
// They are matched before rejections: "replacement transaction underpriced"
// contains "transaction underpriced".
var occupied = []string{
	"replacement transaction underpriced",
	"nonce too low",
}

// Simulate dry-runs the settlement call at the latest block.
func (c *Client) Simulate(ctx context.Context, from string, tx domain.PreparedTransaction) (domain.SimulationResult, error) {
	block, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return domain.SimulationResult{}, fmt.Errorf("chain: simulate: %w: %w", domain.ErrTransport, err)
	}
	to := common.HexToAddress(tx.To)
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(from),
		To:    &to,
		Gas:   tx.GasLimit,
		Value: tx.Value,
		Data:  tx.Data,
	}
	out, err := c.eth.CallContract(ctx, msg, new(big.Int).SetUint64(block))
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return domain.SimulationResult{Reverted: true, Reason: reason, Block: block}, nil
		}
		return domain.SimulationResult{}, fmt.Errorf("chain: simulate: %w: %w", domain.ErrTransport, err)
	}

	vals, err := composer.SettlementABI.Unpack(composer.MethodExecute, out)
	if err != nil {
		return domain.SimulationResult{}, fmt.Errorf("chain: simulate: unpack profit: %w: %w", domain.ErrMalformedResult, err)
	}
	if len(vals) == 0 {
		return domain.SimulationResult{}, fmt.Errorf("chain: simulate: unpack profit: %w: no return values", domain.ErrMalformedResult)
	}
	profit, ok := vals[0].(*big.Int)
	if !ok {
		return domain.SimulationResult{}, fmt.Errorf("chain: simulate: profit has type %T", vals[0])
	}
	return domain.SimulationResult{Profit: profit, Block: block}, nil
}

// revertReason extracts the revert string from an eth_call error. ok is false
// when err is not an execution revert.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, isStr := de.ErrorData().(string); isStr {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
				return "revert data " + s, true
			}
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}

// SuggestFees returns the node's tip suggestion and a cap of 2*baseFee + tip.
func (c *Client) SuggestFees(ctx context.Context) (domain.FeeBid, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return domain.FeeBid{}, fmt.Errorf("chain: suggest tip: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.FeeBid{}, fmt.Errorf("chain: latest header: %w", err)
	}
	if head.BaseFee == nil {
		return domain.FeeBid{}, errors.New("chain: latest header has no base fee")
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return domain.FeeBid{TipCap: tip, FeeCap: feeCap}, nil
}

// ConfirmedNonce returns the account's nonce at the latest block.
func (c *Client) ConfirmedNonce(ctx context.Context, account string) (uint64, error) {
	n, err := c.eth.NonceAt(ctx, common.HexToAddress(account), nil)
	if err != nil {
		return 0, fmt.Errorf("chain: confirmed nonce: %w", err)
	}
	return n, nil
}

// PendingNonce returns the account's nonce including pooled transactions.
func (c *Client) PendingNonce(ctx context.Context, account string) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, common.HexToAddress(account))
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	return n, nil
}

// Broadcast sends a signed transaction. A node refusal wraps
// domain.ErrTxRejected and a nonce held by another transaction wraps
// domain.ErrNonceInUse. A transaction the node already holds is success.
func (c *Client) Broadcast(ctx context.Context, signed domain.SignedTransaction) error {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(signed.Raw); err != nil {
		return fmt.Errorf("chain: broadcast: %w: decode: %w", domain.ErrTxRejected, err)
	}
	return classifyBroadcast(c.eth.SendTransaction(ctx, &tx))
}

func classifyBroadcast(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") {
		return nil
	}
	for _, o := range occupied {
		if strings.Contains(msg, o) {
			return fmt.Errorf("chain: broadcast: %w: %s", domain.ErrNonceInUse, err.Error())
		}
	}
	for _, r := range rejections {
		if strings.Contains(msg, r) {
			return fmt.Errorf("chain: broadcast: %w: %s", domain.ErrTxRejected, err.Error())
		}
	}
	return fmt.Errorf("chain: broadcast: %w", err)
}

// rpcReceipt is the subset of eth_getTransactionReceipt the engine reads,
// including the rollup data fee some chains add.
type rpcReceipt struct {
	TxHash            common.Hash    `json:"transactionHash"`
	Status            hexutil.Uint64 `json:"status"`
	BlockNumber       *hexutil.Big   `json:"blockNumber"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	L1Fee             *hexutil.Big   `json:"l1Fee"`
	Logs              []rpcLog       `json:"logs"`
}

type rpcLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt returns domain.ErrNotFound while the transaction is not included.
func (c *Client) Receipt(ctx context.Context, hash string) (domain.Receipt, error) {
	var raw *rpcReceipt
	if err := c.rpc.CallContext(ctx, &raw, "eth_getTransactionReceipt", common.HexToHash(hash)); err != nil {
		return domain.Receipt{}, fmt.Errorf("chain: receipt %s: %w", hash, err)
	}
	if raw == nil {
		return domain.Receipt{}, fmt.Errorf("chain: receipt %s: %w", hash, domain.ErrNotFound)
	}

	r := domain.Receipt{
		TxHash:  raw.TxHash.Hex(),
		Status:  uint64(raw.Status),
		GasUsed: uint64(raw.GasUsed),
	}
	if raw.BlockNumber != nil {
		r.Block = raw.BlockNumber.ToInt().Uint64()
	}
	if raw.EffectiveGasPrice != nil {
		r.EffectiveGasPrice = raw.EffectiveGasPrice.ToInt()
	}
	if raw.L1Fee != nil {
		r.L1Fee = raw.L1Fee.ToInt()
	}
	if r.Succeeded() {
		r.Profit = c.profitFromLogs(raw.Logs)
	}
	return r, nil
}

// profitFromLogs decodes the settlement contract's profit event, or returns
// nil if the receipt carries none.
func (c *Client) profitFromLogs(logs []rpcLog) *big.Int {
	event := composer.SettlementABI.Events[composer.EventProfitRealized]
	for _, l := range logs {
		if l.Address != c.settlement || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		vals, err := composer.SettlementABI.Unpack(composer.EventProfitRealized, l.Data)
		if err != nil || len(vals) < 2 {
			c.logger.Warn("undecodable profit event")
			continue
		}
		if profit, ok := vals[1].(*big.Int); ok {
			return profit
		}
	}
	return nil
}

// TokenBalance reads an ERC-20 balance at the latest block.
func (c *Client) TokenBalance(ctx context.Context, token, account string) (*big.Int, error) {
	data, err := venueABI.Pack(methodBalanceOf, common.HexToAddress(account))
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	to := common.HexToAddress(token)
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s: %w", token, err)
	}
	vals, err := venueABI.Unpack(methodBalanceOf, out)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("chain: unpack balanceOf %s: %w", token, err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: balanceOf %s: unexpected type %T", token, vals[0])
	}
	return bal, nil
}

// NativeBalance returns the account's native coin balance in wei.
func (c *Client) NativeBalance(ctx context.Context, account string) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(account), nil)
	if err != nil {
		return nil, fmt.Errorf("chain: native balance: %w", err)
	}
	return bal, nil
}

// Package chain is the engine's JSON-RPC adapter. It implements the pool
// reader, the coordinator's chain port and the balance reader on top of
// go-ethereum's rpc and ethclient packages.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.PoolReader    = (*Client)(nil)
	_ domain.ChainClient   = (*Client)(nil)
	_ domain.BalanceReader = (*Client)(nil)
)

// Config holds the adapter's static parameters.
type Config struct {
	URL               string
	ChainID           int64
	SettlementAddress string
}

// Client talks to one JSON-RPC endpoint.
type Client struct {
	rpc        *rpc.Client
	eth        *ethclient.Client
	chainID    *big.Int
	settlement common.Address
	logger     *slog.Logger
}

// Dial connects to cfg.URL and checks that the endpoint serves cfg.ChainID.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	c := NewClient(rc, cfg, logger)

	id, err := c.eth.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	if cfg.ChainID != 0 && id.Int64() != cfg.ChainID {
		rc.Close()
		return nil, fmt.Errorf("chain: endpoint serves chain %s, configured %d", id, cfg.ChainID)
	}
	c.chainID = id
	c.logger.Info("connected", slog.String("chain_id", id.String()))
	return c, nil
}

// NewClient wraps an existing rpc client.
func NewClient(rc *rpc.Client, cfg Config, logger *slog.Logger) *Client {
	return &Client{
		rpc:        rc,
		eth:        ethclient.NewClient(rc),
		chainID:    big.NewInt(cfg.ChainID),
		settlement: common.HexToAddress(cfg.SettlementAddress),
		logger:     logger.With(slog.String("component", "chain")),
	}
}

// ChainID returns the chain id the client was checked against.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases the underlying connection.
func (c *Client) Close() { c.rpc.Close() }

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// callArgs is the eth_call transaction object.
type callArgs struct {
	From  *common.Address `json:"from,omitempty"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input,omitempty"`
}

package composer

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// settlementABIJSON is the slice of the settlement contract interface the
// engine calls and listens to.
const settlementABIJSON = `[
  {
    "type": "function",
    "name": "executeArbitrage",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "asset", "type": "address"},
      {"name": "amount", "type": "uint256"},
      {"name": "legs", "type": "tuple[]", "components": [
        {"name": "adapter", "type": "address"},
        {"name": "pool", "type": "address"},
        {"name": "tokenIn", "type": "address"},
        {"name": "tokenOut", "type": "address"},
        {"name": "param", "type": "uint24"},
        {"name": "minOut", "type": "uint256"}
      ]},
      {"name": "minProfit", "type": "uint256"}
    ],
    "outputs": [{"name": "profit", "type": "uint256"}]
  },
  {
    "type": "event",
    "name": "ProfitRealized",
    "anonymous": false,
    "inputs": [
      {"name": "asset", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "profit", "type": "uint256", "indexed": false}
    ]
  }
]`

// Method and event names on the settlement contract.
const (
	MethodExecute       = "executeArbitrage"
	EventProfitRealized = "ProfitRealized"
)

// SettlementABI is the parsed settlement contract interface. The chain client
// uses it to decode simulation results and profit events.
var SettlementABI = mustParseABI(settlementABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("composer: parse settlement abi: " + err.Error())
	}
	return parsed
}

package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// venueABIJSON covers the read-only views the engine needs from each venue
// family, plus ERC-20 balanceOf for reconciliation.
const venueABIJSON = `[
  {"type": "function", "name": "getReserves", "stateMutability": "view", "inputs": [],
   "outputs": [
     {"name": "reserve0", "type": "uint112"},
     {"name": "reserve1", "type": "uint112"},
     {"name": "blockTimestampLast", "type": "uint32"}
   ]},
  {"type": "function", "name": "slot0", "stateMutability": "view", "inputs": [],
   "outputs": [
     {"name": "sqrtPriceX96", "type": "uint160"},
     {"name": "tick", "type": "int24"},
     {"name": "observationIndex", "type": "uint16"},
     {"name": "observationCardinality", "type": "uint16"},
     {"name": "observationCardinalityNext", "type": "uint16"},
     {"name": "feeProtocol", "type": "uint8"},
     {"name": "unlocked", "type": "bool"}
   ]},
  {"type": "function", "name": "liquidity", "stateMutability": "view", "inputs": [],
   "outputs": [{"name": "", "type": "uint128"}]},
  {"type": "function", "name": "getActiveId", "stateMutability": "view", "inputs": [],
   "outputs": [{"name": "activeId", "type": "uint24"}]},
  {"type": "function", "name": "getBin", "stateMutability": "view",
   "inputs": [{"name": "id", "type": "uint24"}],
   "outputs": [
     {"name": "binReserveX", "type": "uint128"},
     {"name": "binReserveY", "type": "uint128"}
   ]},
  {"type": "function", "name": "balanceOf", "stateMutability": "view",
   "inputs": [{"name": "account", "type": "address"}],
   "outputs": [{"name": "", "type": "uint256"}]}
]`

const (
	methodGetReserves = "getReserves"
	methodSlot0       = "slot0"
	methodLiquidity   = "liquidity"
	methodActiveID    = "getActiveId"
	methodGetBin      = "getBin"
	methodBalanceOf   = "balanceOf"
)

var venueABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(venueABIJSON))
	if err != nil {
		panic("chain: parse venue abi: " + err.Error())
	}
	return parsed
}()

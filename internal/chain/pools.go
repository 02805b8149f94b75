package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// viewCall is one eth_call inside a batch.
type viewCall struct {
	pool   string
	method string
	out    hexutil.Bytes
	err    error
}

// viewBatch collects eth_calls pinned to one block so every pool in a cycle
// is read from the same state.
type viewBatch struct {
	block string
	elems []rpc.BatchElem
	calls []*viewCall
}

func newViewBatch(block uint64) *viewBatch {
	return &viewBatch{block: hexutil.EncodeUint64(block)}
}

func (b *viewBatch) add(pool, method string, to common.Address, args ...any) {
	call := &viewCall{pool: pool, method: method}
	data, err := venueABI.Pack(method, args...)
	if err != nil {
		call.err = err
		b.calls = append(b.calls, call)
		return
	}
	b.elems = append(b.elems, rpc.BatchElem{
		Method: "eth_call",
		Args:   []any{callArgs{To: to, Data: data, Input: data}, b.block},
		Result: &call.out,
	})
	b.calls = append(b.calls, call)
}

// send issues the batch in one round trip. A returned error means the whole
// batch failed; per-call errors are kept on each call.
func (b *viewBatch) send(ctx context.Context, rc *rpc.Client) error {
	if len(b.elems) == 0 {
		return nil
	}
	if err := rc.BatchCallContext(ctx, b.elems); err != nil {
		return err
	}
	i := 0
	for _, call := range b.calls {
		if call.err != nil {
			continue
		}
		call.err = b.elems[i].Error
		i++
	}
	return nil
}

// results indexes unpacked outputs by pool and method.
func (b *viewBatch) results() map[string]map[string]viewResult {
	out := make(map[string]map[string]viewResult)
	for _, call := range b.calls {
		res := viewResult{err: call.err}
		if res.err == nil {
			res.values, res.err = venueABI.Unpack(call.method, call.out)
		}
		if out[call.pool] == nil {
			out[call.pool] = make(map[string]viewResult)
		}
		out[call.pool][call.method] = res
	}
	return out
}

type viewResult struct {
	values []any
	err    error
}

func (r viewResult) bigAt(i int) (*big.Int, error) {
	if r.err != nil {
		return nil, r.err
	}
	if i >= len(r.values) {
		return nil, fmt.Errorf("output %d missing", i)
	}
	v, ok := r.values[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("output %d: unexpected type %T", i, r.values[i])
	}
	return v, nil
}

// ReadPools reads every pool at the latest block in one batched round trip.
// Discrete-bin pools whose active bin differs from the hint get a second
// batch for the reserves of the new active bin.
func (c *Client) ReadPools(ctx context.Context, pools []domain.PoolDescriptor, hints map[string]uint32) (domain.RawBatch, error) {
	block, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return domain.RawBatch{}, fmt.Errorf("chain: block number: %w", err)
	}

	first := newViewBatch(block)
	for _, p := range pools {
		addr := common.HexToAddress(p.Address)
		switch p.Mode {
		case domain.ModeConstantProduct:
			first.add(p.ID, methodGetReserves, addr)
		case domain.ModeConcentrated:
			first.add(p.ID, methodSlot0, addr)
			first.add(p.ID, methodLiquidity, addr)
		case domain.ModeDiscreteBin:
			first.add(p.ID, methodActiveID, addr)
			if h := hints[p.ID]; h != 0 {
				first.add(p.ID, methodGetBin, addr, new(big.Int).SetUint64(uint64(h)))
			}
		}
	}
	if err := first.send(ctx, c.rpc); err != nil {
		return domain.RawBatch{}, fmt.Errorf("chain: read pools: %w", err)
	}

	res := first.results()
	states := make(map[string]domain.RawPoolState, len(pools))
	second := newViewBatch(block)
	for _, p := range pools {
		st := decodeRaw(p, res[p.ID], hints[p.ID])
		if p.Mode == domain.ModeDiscreteBin && st.Err == nil && st.BinID != st.ActiveID {
			second.add(p.ID, methodGetBin, common.HexToAddress(p.Address), new(big.Int).SetUint64(uint64(st.ActiveID)))
		}
		states[p.ID] = st
	}

	if len(second.calls) > 0 {
		if err := second.send(ctx, c.rpc); err != nil {
			// The first batch is still usable; moved bins stay undecodable.
			c.logger.Warn("active bin re-read failed", slog.String("error", err.Error()))
		} else {
			for id, r := range second.results() {
				st := states[id]
				x, y, err := binReserves(r[methodGetBin])
				if err != nil {
					st.Err = fmt.Errorf("%s: active bin %d: %w", id, st.ActiveID, err)
				} else {
					st.BinID = st.ActiveID
					st.BinReserveX, st.BinReserveY = x, y
				}
				states[id] = st
			}
		}
	}

	return domain.RawBatch{Block: block, States: states}, nil
}

// decodeRaw maps one pool's view outputs onto RawPoolState. Failures are
// reported on the state, never as a batch error.
func decodeRaw(p domain.PoolDescriptor, r map[string]viewResult, hint uint32) domain.RawPoolState {
	var st domain.RawPoolState
	var err error
	switch p.Mode {
	case domain.ModeConstantProduct:
		res := r[methodGetReserves]
		if st.Reserve0, err = res.bigAt(0); err == nil {
			st.Reserve1, err = res.bigAt(1)
		}
	case domain.ModeConcentrated:
		slot0 := r[methodSlot0]
		var tick *big.Int
		if st.SqrtPriceX96, err = slot0.bigAt(0); err == nil {
			if tick, err = slot0.bigAt(1); err == nil {
				st.Tick = int32(tick.Int64())
				st.Liquidity, err = r[methodLiquidity].bigAt(0)
			}
		}
	case domain.ModeDiscreteBin:
		var active *big.Int
		if active, err = r[methodActiveID].bigAt(0); err != nil {
			break
		}
		st.ActiveID = uint32(active.Uint64())
		// Reserves read for the hinted bin are only usable if the bin did not
		// move; otherwise BinID stays 0 and the caller re-reads.
		if bin, ok := r[methodGetBin]; ok && hint == st.ActiveID {
			if x, y, binErr := binReserves(bin); binErr == nil {
				st.BinID = hint
				st.BinReserveX, st.BinReserveY = x, y
			}
		}
	default:
		err = fmt.Errorf("unknown mode %q", p.Mode)
	}
	if err != nil {
		st.Err = fmt.Errorf("%s: %w", p.ID, err)
	}
	return st
}

func binReserves(r viewResult) (*big.Int, *big.Int, error) {
	x, err := r.bigAt(0)
	if err != nil {
		return nil, nil, err
	}
	y, err := r.bigAt(1)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

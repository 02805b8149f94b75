package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/store/memory"
)

// fakeChain is an in-memory chain. When mine is set, every broadcast is
// included immediately with that status.
type fakeChain struct {
	mu sync.Mutex

	confirmed uint64
	pending   uint64

	sim      domain.SimulationResult
	simErr   error
	simCalls int

	fees         domain.FeeBid
	broadcastErr error
	broadcasts   []domain.SignedTransaction

	mine     *uint64
	profit   *big.Int
	receipts map[string]domain.Receipt

	// onReceipt runs on every receipt poll, outside the lock.
	onReceipt func()
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		sim:      domain.SimulationResult{Profit: big.NewInt(1_000_000)},
		fees:     domain.FeeBid{TipCap: big.NewInt(100), FeeCap: big.NewInt(2_100)},
		profit:   big.NewInt(900_000),
		receipts: make(map[string]domain.Receipt),
	}
}

func (f *fakeChain) setMine(status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mine = &status
}

// include mines a previously broadcast transaction.
func (f *fakeChain) include(hash string, nonce, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = domain.Receipt{TxHash: hash, Status: status, Block: 100 + nonce, GasUsed: 21_000, EffectiveGasPrice: big.NewInt(1), Profit: f.profit}
	if nonce+1 > f.confirmed {
		f.confirmed = nonce + 1
	}
	if f.pending < f.confirmed {
		f.pending = f.confirmed
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeChain) Simulate(context.Context, string, domain.PreparedTransaction) (domain.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simCalls++
	return f.sim, f.simErr
}

func (f *fakeChain) SuggestFees(context.Context) (domain.FeeBid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fees, nil
}

func (f *fakeChain) ConfirmedNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed, nil
}

func (f *fakeChain) PendingNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeChain) Broadcast(_ context.Context, tx domain.SignedTransaction) error {
	f.mu.Lock()
	if f.broadcastErr != nil {
		err := f.broadcastErr
		f.mu.Unlock()
		return err
	}
	f.broadcasts = append(f.broadcasts, tx)
	if tx.Nonce+1 > f.pending {
		f.pending = tx.Nonce + 1
	}
	mine := f.mine
	f.mu.Unlock()
	if mine != nil {
		f.include(tx.Hash, tx.Nonce, *mine)
	}
	return nil
}

func (f *fakeChain) Receipt(_ context.Context, hash string) (domain.Receipt, error) {
	f.mu.Lock()
	hook := f.onReceipt
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return domain.Receipt{}, domain.ErrNotFound
	}
	return r, nil
}

// evict drops every unmined transaction from the fake mempool.
func (f *fakeChain) evict() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.confirmed
}

func (f *fakeChain) broadcastNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.broadcasts))
	for _, b := range f.broadcasts {
		out = append(out, b.Nonce)
	}
	return out
}

type fakeSigner struct {
	mu sync.Mutex
	n  int
}

func (s *fakeSigner) Address() string { return "0x00000000000000000000000000000000000000aa" }

func (s *fakeSigner) Sign(_ context.Context, tx domain.PreparedTransaction) (domain.SignedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	hash := fmt.Sprintf("0xhash%d-%d", tx.Nonce, s.n)
	return domain.SignedTransaction{Hash: hash, Nonce: tx.Nonce, Raw: []byte("raw:" + hash)}, nil
}

type fakePools struct {
	mu          sync.Mutex
	cycle       uint64
	invalidated []string
}

func (p *fakePools) CurrentCycle() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycle
}

func (p *fakePools) Invalidate(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, ids...)
}

// ctxNonceStore fails writes on a done context the way a database driver
// does.
type ctxNonceStore struct {
	*memory.NonceStore
}

func (s ctxNonceStore) Save(ctx context.Context, rec domain.NonceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.NonceStore.Save(ctx, rec)
}

// fakeRecorder refuses writes on a done context.
type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []domain.ExecutionOutcome
}

func (r *fakeRecorder) Record(ctx context.Context, o domain.ExecutionOutcome, _ domain.ArbitrageOpportunity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *fakeRecorder) all() []domain.ExecutionOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ExecutionOutcome(nil), r.outcomes...)
}

package monitor

import (
	"sync/atomic"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// table holds the last snapshot per pool. The pool set is fixed at
// construction so the map itself is never written after that; each slot is
// swapped atomically so readers see either the old or the new snapshot,
// never a mix of two polls.
type table struct {
	slots map[string]*atomic.Pointer[domain.PriceSnapshot]
	ids   []string
}

func newTable(pools []domain.PoolDescriptor) *table {
	t := &table{slots: make(map[string]*atomic.Pointer[domain.PriceSnapshot], len(pools))}
	for _, p := range pools {
		t.slots[p.ID] = new(atomic.Pointer[domain.PriceSnapshot])
		t.ids = append(t.ids, p.ID)
	}
	return t
}

// store replaces the pool's snapshot. snap must not be modified afterwards.
func (t *table) store(snap *domain.PriceSnapshot) {
	if slot, ok := t.slots[snap.Pool]; ok {
		slot.Store(snap)
	}
}

func (t *table) load(id string) (domain.PriceSnapshot, bool) {
	slot, ok := t.slots[id]
	if !ok {
		return domain.PriceSnapshot{}, false
	}
	p := slot.Load()
	if p == nil {
		return domain.PriceSnapshot{}, false
	}
	return *p, true
}

// markStale swaps in a stale copy of the pool's current snapshot. It retries
// if a poll replaces the snapshot concurrently.
func (t *table) markStale(id string) {
	slot, ok := t.slots[id]
	if !ok {
		return
	}
	for {
		old := slot.Load()
		if old == nil || old.Stale {
			return
		}
		cp := *old
		cp.Stale = true
		if slot.CompareAndSwap(old, &cp) {
			return
		}
	}
}

// all returns a copy of every populated snapshot in pool declaration order.
func (t *table) all() []domain.PriceSnapshot {
	out := make([]domain.PriceSnapshot, 0, len(t.ids))
	for _, id := range t.ids {
		if s, ok := t.load(id); ok {
			out = append(out, s)
		}
	}
	return out
}

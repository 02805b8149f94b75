// Package venue holds the static description of every tradable pool, the
// assets they trade and the settlement adapter per venue.
package venue

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Registry indexes pool descriptors by id and by asset pair. It is built once
// and read concurrently without locking.
type Registry struct {
	assets   map[string]domain.Asset
	pools    map[string]domain.PoolDescriptor
	order    []string
	pairs    map[string]*domain.Pair
	adapters map[string]string
}

// New validates the descriptors and builds a Registry. Every problem found is
// reported, joined with errors.Join and wrapped in domain.ErrInvalidPool.
func New(assets []domain.Asset, pools []domain.PoolDescriptor, adapters map[string]string) (*Registry, error) {
	r := &Registry{
		assets:   make(map[string]domain.Asset, len(assets)),
		pools:    make(map[string]domain.PoolDescriptor, len(pools)),
		pairs:    make(map[string]*domain.Pair),
		adapters: make(map[string]string, len(adapters)),
	}

	var errs []error
	for _, a := range assets {
		if _, dup := r.assets[a.ID]; dup {
			errs = append(errs, fmt.Errorf("asset %s: duplicate id", a.ID))
			continue
		}
		if a.Address != "" && !common.IsHexAddress(a.Address) {
			errs = append(errs, fmt.Errorf("asset %s: bad address %q", a.ID, a.Address))
		}
		r.assets[a.ID] = a
	}

	for _, p := range pools {
		if err := r.validatePool(p); err != nil {
			errs = append(errs, err)
			continue
		}
		r.pools[p.ID] = p
		r.order = append(r.order, p.ID)

		key := p.PairKey()
		pair, ok := r.pairs[key]
		if !ok {
			// The first pool declared for a pair fixes its orientation.
			pair = &domain.Pair{Key: key, Base: p.Asset0, Quote: p.Asset1}
			r.pairs[key] = pair
		}
		pair.Pools = append(pair.Pools, p)
	}

	for venue, addr := range adapters {
		r.adapters[strings.ToLower(venue)] = addr
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidPool, errors.Join(errs...))
	}
	return r, nil
}

func (r *Registry) validatePool(p domain.PoolDescriptor) error {
	var problems []string
	if p.ID == "" {
		problems = append(problems, "empty id")
	}
	if _, dup := r.pools[p.ID]; dup {
		problems = append(problems, "duplicate id")
	}
	if p.Venue == "" {
		problems = append(problems, "empty venue")
	}
	if !common.IsHexAddress(p.Address) {
		problems = append(problems, fmt.Sprintf("bad address %q", p.Address))
	}
	if _, ok := r.assets[p.Asset0]; !ok {
		problems = append(problems, fmt.Sprintf("unknown asset0 %q", p.Asset0))
	}
	if _, ok := r.assets[p.Asset1]; !ok {
		problems = append(problems, fmt.Sprintf("unknown asset1 %q", p.Asset1))
	}
	if p.Asset0 == p.Asset1 {
		problems = append(problems, "asset0 and asset1 are the same")
	}
	if p.FeeBps < 0 || p.FeeBps >= 10_000 {
		problems = append(problems, fmt.Sprintf("fee_bps %v out of range [0, 10000)", p.FeeBps))
	}
	switch p.Mode {
	case domain.ModeConstantProduct:
	case domain.ModeConcentrated:
		if p.FeeTier == 0 {
			problems = append(problems, "concentrated pool needs fee_tier")
		}
	case domain.ModeDiscreteBin:
		if p.BinStep == 0 {
			problems = append(problems, "discrete_bin pool needs bin_step")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", p.Mode))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("pool %s: %s", p.ID, strings.Join(problems, ", "))
}

// Pool returns the descriptor for id.
func (r *Registry) Pool(id string) (domain.PoolDescriptor, error) {
	p, ok := r.pools[id]
	if !ok {
		return domain.PoolDescriptor{}, fmt.Errorf("venue: %w: %s", domain.ErrUnknownPool, id)
	}
	return p, nil
}

// Pools returns every descriptor in declaration order.
func (r *Registry) Pools() []domain.PoolDescriptor {
	out := make([]domain.PoolDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.pools[id])
	}
	return out
}

// Asset returns the asset declared under id.
func (r *Registry) Asset(id string) (domain.Asset, error) {
	a, ok := r.assets[id]
	if !ok {
		return domain.Asset{}, fmt.Errorf("venue: %w: %s", domain.ErrUnknownAsset, id)
	}
	return a, nil
}

// Pair returns the pair group for key.
func (r *Registry) Pair(key string) (domain.Pair, bool) {
	p, ok := r.pairs[key]
	if !ok {
		return domain.Pair{}, false
	}
	return *p, true
}

// Pairs returns every pair served by at least two pools, sorted by key.
// Pairs with a single pool can never produce a delta.
func (r *Registry) Pairs() []domain.Pair {
	out := make([]domain.Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		if len(p.Pools) >= 2 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Adapter returns the settlement adapter address registered for venue.
func (r *Registry) Adapter(venue string) (string, error) {
	addr, ok := r.adapters[strings.ToLower(venue)]
	if !ok || addr == "" {
		return "", fmt.Errorf("venue: %w: %s", domain.ErrAdapterNotRegistered, venue)
	}
	return addr, nil
}

// MissingAdapters lists venues used by a pool that have no adapter.
func (r *Registry) MissingAdapters() []string {
	seen := make(map[string]bool)
	var missing []string
	for _, id := range r.order {
		v := r.pools[id].Venue
		if seen[v] {
			continue
		}
		seen[v] = true
		if _, err := r.Adapter(v); err != nil {
			missing = append(missing, v)
		}
	}
	return missing
}

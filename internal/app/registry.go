package app

import (
	"fmt"

	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/venue"
)

// BuildRegistry converts the asset, pool and adapter sections of cfg into a
// validated venue registry.
func BuildRegistry(cfg *config.Config) (*venue.Registry, error) {
	assets := make([]domain.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, domain.Asset{
			ID:          a.ID,
			Address:     a.Address,
			Decimals:    uint8(a.Decimals),
			NativePrice: a.NativePrice,
		})
	}

	pools := make([]domain.PoolDescriptor, 0, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools = append(pools, domain.PoolDescriptor{
			ID:      p.ID,
			Venue:   p.Venue,
			Address: p.Address,
			Asset0:  p.Asset0,
			Asset1:  p.Asset1,
			Mode:    domain.PriceMode(p.Mode),
			FeeBps:  p.FeeBps,
			FeeTier: uint32(p.FeeTier),
			BinStep: uint32(p.BinStep),
		})
	}

	reg, err := venue.New(assets, pools, cfg.Adapters)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return reg, nil
}

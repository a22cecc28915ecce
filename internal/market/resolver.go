// Package market maps pickup points to operating regions.
package market

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Store interface {
	ListActiveMarkets(ctx context.Context) ([]models.Market, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the active market whose service radius covers the point.
// When markets overlap the one with the nearest center wins.
func (r *Resolver) Resolve(ctx context.Context, p models.Coord) (models.Market, error) {
	markets, err := r.store.ListActiveMarkets(ctx)
	if err != nil {
		return models.Market{}, fmt.Errorf("list markets: %w", err)
	}
	var (
		best     models.Market
		bestDist = -1.0
	)
	for _, m := range markets {
		if m.Status != models.MarketActive {
			continue
		}
		d := geo.DistanceKm(p, m.Center)
		if d > m.RadiusKm {
			continue
		}
		if bestDist < 0 || d < bestDist || (d == bestDist && m.ID < best.ID) {
			best, bestDist = m, d
		}
	}
	if bestDist < 0 {
		return models.Market{}, apperr.ErrNoMarket
	}
	return best, nil
}

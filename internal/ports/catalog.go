package ports

import (
	"context"
	"time"
)

// CatalogToken is one outcome token of a catalog market record.
type CatalogToken struct {
	TokenID string
	Outcome string // e.g. "Up", "Down", "Yes", "No"
}

// CatalogMarket is one market record returned by the discovery interface.
type CatalogMarket struct {
	ConditionID string
	MarketSlug  string

	// Tokens is the ordered pair [YES-equivalent, NO-equivalent].
	Tokens []CatalogToken

	MinimumTickSize string // decimal string, typically "0.01"
	EndDateISO      string

	Active          bool
	AcceptingOrders bool
}

// Catalog is the abstract discovery interface: any implementation that
// returns markets filtered by active flag and slug pattern suffices. The
// engine never assumes a specific transport.
type Catalog interface {
	// ActiveMarkets returns currently-known markets whose slug matches
	// slugPattern (e.g. "*-updown-15m-*").
	ActiveMarkets(ctx context.Context, slugPattern string) ([]CatalogMarket, error)

	// MarketBySlug looks up a single market by its exact slug, used by
	// the pre-discovery of successor windows.
	MarketBySlug(ctx context.Context, slug string) (*CatalogMarket, error)
}

// ServerTime is an optional clock-skew correction endpoint.
type ServerTime interface {
	Now(ctx context.Context) (time.Time, error)
}

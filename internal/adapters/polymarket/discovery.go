package polymarket

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

// DiscoveryAdapter implements ports.Catalog against Gamma's /events
// endpoint, which nests a single binary market inside each 15-minute
// up/down event.
type DiscoveryAdapter struct {
	client *Client
}

// NewDiscoveryAdapter wraps client as a ports.Catalog.
func NewDiscoveryAdapter(client *Client) *DiscoveryAdapter {
	return &DiscoveryAdapter{client: client}
}

// MarketBySlug queries a single event by its exact slug, used both for
// the initial three-candidate window guess and for successor
// pre-discovery.
func (d *DiscoveryAdapter) MarketBySlug(ctx context.Context, slug string) (*ports.CatalogMarket, error) {
	u := fmt.Sprintf("%s/events?slug=%s", d.client.gammaBase, url.QueryEscape(slug))
	var events gammaEventsResponse
	if err := d.client.get(ctx, d.client.gammaLimiter, classDiscovery, u, &events); err != nil {
		return nil, fmt.Errorf("discovery: query event by slug %q: %w", slug, err)
	}
	for _, e := range events {
		if e.Closed {
			continue
		}
		cm, ok := toCatalogMarket(e)
		if !ok {
			continue
		}
		return &cm, nil
	}
	return nil, nil
}

// ActiveMarkets lists open events ordered by start date and returns
// those whose slug contains slugPattern's stem, used as the broad-search
// fallback when direct slug lookup misses.
func (d *DiscoveryAdapter) ActiveMarkets(ctx context.Context, slugPattern string) ([]ports.CatalogMarket, error) {
	u := fmt.Sprintf("%s/events?closed=false&limit=100&order=startDate&ascending=true", d.client.gammaBase)
	var events gammaEventsResponse
	if err := d.client.get(ctx, d.client.gammaLimiter, classDiscovery, u, &events); err != nil {
		return nil, fmt.Errorf("discovery: list active events: %w", err)
	}

	stem := stripGlob(slugPattern)
	out := make([]ports.CatalogMarket, 0, len(events))
	for _, e := range events {
		if stem != "" && !strings.Contains(e.Slug, stem) {
			continue
		}
		cm, ok := toCatalogMarket(e)
		if !ok {
			continue
		}
		out = append(out, cm)
	}
	return out, nil
}

// stripGlob turns a pattern like "btc-updown-15m-*" into its literal
// prefix for substring matching; Gamma has no server-side glob support.
func stripGlob(pattern string) string {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	bySlug map[string]*ports.CatalogMarket
}

func (f *fakeCatalog) MarketBySlug(ctx context.Context, slug string) (*ports.CatalogMarket, error) {
	return f.bySlug[slug], nil
}

func (f *fakeCatalog) ActiveMarkets(ctx context.Context, slugPattern string) ([]ports.CatalogMarket, error) {
	var out []ports.CatalogMarket
	for _, m := range f.bySlug {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

type fakeHandle struct {
	state    string
	marketID string
	drained  bool
}

func (h *fakeHandle) State() string    { return h.state }
func (h *fakeHandle) MarketID() string { return h.marketID }
func (h *fakeHandle) Drain()           { h.drained = true }

type fakeSpawner struct {
	spawned []domain.Market
	handles map[string]*fakeHandle
}

func (s *fakeSpawner) Spawn(ctx context.Context, market domain.Market) MonitorHandle {
	s.spawned = append(s.spawned, market)
	h := &fakeHandle{state: "ACTIVE", marketID: market.MarketID}
	if s.handles == nil {
		s.handles = make(map[string]*fakeHandle)
	}
	s.handles[market.MarketID] = h
	return h
}

func catalogMarket(slug string, endDate time.Time) ports.CatalogMarket {
	return ports.CatalogMarket{
		MarketSlug: slug,
		Tokens: []ports.CatalogToken{
			{TokenID: "yes-tok", Outcome: "Up"},
			{TokenID: "no-tok", Outcome: "Down"},
		},
		MinimumTickSize: "0.01",
		EndDateISO:      endDate.Format(time.RFC3339),
		Active:          true,
	}
}

func TestLoop_SpawnsWhenNoMonitorExists(t *testing.T) {
	now := time.Now()
	windowStart := now.Unix() - now.Unix()%windowSeconds
	slug := marketSlug("btc", windowStart)
	settlement := time.Unix(windowStart+windowSeconds, 0).UTC()

	cat := &fakeCatalog{bySlug: map[string]*ports.CatalogMarket{
		slug: ptrCM(catalogMarket(slug, settlement)),
	}}
	spawner := &fakeSpawner{}
	loop := New(cat, spawner, Config{
		Assets: []AssetConfig{{CryptoAsset: "btc", SlugPattern: "btc-updown-15m-*"}},
	})

	loop.tick(context.Background())
	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, slug, spawner.spawned[0].MarketID)
}

func TestLoop_LeavesActiveMonitorAlone(t *testing.T) {
	now := time.Now()
	windowStart := now.Unix() - now.Unix()%windowSeconds
	slug := marketSlug("btc", windowStart)
	settlement := time.Unix(windowStart+windowSeconds, 0).UTC()

	cat := &fakeCatalog{bySlug: map[string]*ports.CatalogMarket{
		slug: ptrCM(catalogMarket(slug, settlement)),
	}}
	spawner := &fakeSpawner{}
	loop := New(cat, spawner, Config{
		Assets: []AssetConfig{{CryptoAsset: "btc"}},
	})

	loop.tick(context.Background())
	loop.tick(context.Background())
	assert.Len(t, spawner.spawned, 1, "second tick should not respawn the same window")
}

func TestLoop_DrainsPreviousWindowMonitorAndRotates(t *testing.T) {
	now := time.Now()
	windowStart := now.Unix() - now.Unix()%windowSeconds
	oldSlug := marketSlug("btc", windowStart-windowSeconds)
	slug := marketSlug("btc", windowStart)
	settlement := time.Unix(windowStart+windowSeconds, 0).UTC()

	cat := &fakeCatalog{bySlug: map[string]*ports.CatalogMarket{
		slug: ptrCM(catalogMarket(slug, settlement)),
	}}
	spawner := &fakeSpawner{}
	loop := New(cat, spawner, Config{Assets: []AssetConfig{{CryptoAsset: "btc"}}})

	st := loop.states["btc"]
	old := &fakeHandle{state: "ACTIVE", marketID: oldSlug}
	st.active = old

	loop.tick(context.Background())
	assert.True(t, old.drained, "the previous window's ACTIVE monitor should be drained")
	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, slug, spawner.spawned[0].MarketID)
	assert.Equal(t, slug, st.active.MarketID())
}

func ptrCM(cm ports.CatalogMarket) *ports.CatalogMarket { return &cm }

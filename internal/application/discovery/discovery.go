// Package discovery implements the discovery and rotation loop: it polls
// the catalog interface on a fixed cadence, keeps at most one ACTIVE
// monitor per configured crypto asset, pre-discovers each asset's
// successor window once runway drops below a threshold, and hands the
// predecessor's DRAINING signal to its monitor at the right moment.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

const windowSeconds = 900

// defaultInterval is the discovery loop's polling cadence absent config.
const defaultInterval = 60 * time.Second

// defaultPreDiscoveryLead is how much settlement runway remains before the
// loop looks up an asset's successor window.
const defaultPreDiscoveryLead = 120 * time.Second

// Spawner starts a monitor for a market and returns a handle the loop uses
// to observe its state and signal draining. Kept as an interface so the
// loop can be tested without a real monitor.Monitor.
type Spawner interface {
	// Spawn starts running a monitor for market in the background and
	// returns a handle. ctx governs the monitor's lifetime.
	Spawn(ctx context.Context, market domain.Market) MonitorHandle
}

// MonitorHandle is the minimal view the rotation loop needs of a running
// monitor: its current state and a way to ask it to drain.
type MonitorHandle interface {
	State() string
	MarketID() string
	Drain()
}

// AssetConfig is one asset the loop tracks.
type AssetConfig struct {
	CryptoAsset    string
	SlugPattern    string // e.g. "btc-updown-15m-*"
	ParameterSetID int
}

// Config carries the loop's tunables.
type Config struct {
	Interval           time.Duration
	PreDiscoveryLead   time.Duration
	Assets             []AssetConfig
	ParamSetsByAsset   map[string][]domain.ParameterSet // crypto_asset -> ordered param sets, [0] primary
	DefaultTickPoints  int
}

// assetState tracks one asset's active and pre-discovered-successor
// monitors.
type assetState struct {
	active    MonitorHandle
	successor *domain.Market // pre-discovered, not yet spawned
	pending   MonitorHandle  // spawned successor, still STARTING/ACTIVE
}

// Loop is the discovery and rotation loop.
type Loop struct {
	catalog ports.Catalog
	spawner Spawner
	cfg     Config

	states map[string]*assetState // crypto_asset -> state
}

// New builds a Loop ready to Run.
func New(catalog ports.Catalog, spawner Spawner, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PreDiscoveryLead <= 0 {
		cfg.PreDiscoveryLead = defaultPreDiscoveryLead
	}
	states := make(map[string]*assetState, len(cfg.Assets))
	for _, a := range cfg.Assets {
		states[a.CryptoAsset] = &assetState{}
	}
	return &Loop{catalog: catalog, spawner: spawner, cfg: cfg, states: states}
}

// Run polls until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	for _, asset := range l.cfg.Assets {
		st := l.states[asset.CryptoAsset]
		current, err := l.findActiveMarket(ctx, asset)
		if err != nil {
			slog.Warn("discovery: fetch active market failed", "asset", asset.CryptoAsset, "error", err)
			continue
		}
		if current == nil {
			slog.Debug("discovery: no active market found", "asset", asset.CryptoAsset)
			continue
		}

		l.reconcile(ctx, asset, st, *current)
		l.maybePreDiscover(ctx, asset, st, *current)
	}
}

// reconcile applies the per-iteration rules from the rotation spec: spawn
// if nothing is running, leave alone if the active monitor already tracks
// this window, or mark the old monitor draining and promote/spawn the new
// one.
func (l *Loop) reconcile(ctx context.Context, asset AssetConfig, st *assetState, current domain.Market) {
	if st.active == nil || st.active.State() == "SETTLED" {
		st.active = l.spawnOrPromote(ctx, asset, st, current)
		return
	}
	if st.active.MarketID() == current.MarketID {
		return
	}
	if st.active.State() == "ACTIVE" {
		st.active.Drain()
	}
	st.active = l.spawnOrPromote(ctx, asset, st, current)
}

// spawnOrPromote returns the pending pre-discovered successor if it
// matches current, otherwise spawns a fresh monitor for it.
func (l *Loop) spawnOrPromote(ctx context.Context, asset AssetConfig, st *assetState, current domain.Market) MonitorHandle {
	if st.pending != nil && st.pending.MarketID() == current.MarketID {
		h := st.pending
		st.pending = nil
		st.successor = nil
		return h
	}
	slog.Info("discovery: spawning monitor", "asset", asset.CryptoAsset, "market_id", current.MarketID)
	return l.spawner.Spawn(ctx, current)
}

// maybePreDiscover looks up the successor window once the active monitor
// has less than PreDiscoveryLead of runway left, per §4.9.
func (l *Loop) maybePreDiscover(ctx context.Context, asset AssetConfig, st *assetState, current domain.Market) {
	if st.successor != nil || st.pending != nil {
		return
	}
	remaining := current.TimeRemaining(time.Now())
	if remaining > l.cfg.PreDiscoveryLead {
		return
	}

	successorSlug, ok := successorSlugFromMarketID(current.MarketID)
	if !ok {
		return
	}
	cm, err := l.catalog.MarketBySlug(ctx, successorSlug)
	if err != nil || cm == nil {
		slog.Debug("discovery: successor not yet published", "asset", asset.CryptoAsset, "slug", successorSlug, "error", err)
		return
	}
	m, err := toDomainMarket(*cm, asset)
	if err != nil {
		slog.Warn("discovery: successor parse failed", "asset", asset.CryptoAsset, "slug", successorSlug, "error", err)
		return
	}
	slog.Info("discovery: pre-discovered successor", "asset", asset.CryptoAsset, "market_id", m.MarketID)
	st.successor = &m
	st.pending = l.spawner.Spawn(ctx, m)
}

// findActiveMarket derives the three candidate window slugs for "now" the
// way the reference discovery algorithm does — a market's slug encodes
// its window-start unix timestamp on a fixed 900-second grid — and falls
// back to a broad catalog scan if none of the three resolves.
func (l *Loop) findActiveMarket(ctx context.Context, asset AssetConfig) (*domain.Market, error) {
	now := time.Now().Unix()
	windowStart := now - now%windowSeconds
	candidates := []int64{windowStart, windowStart + windowSeconds, windowStart - windowSeconds}

	for _, ts := range candidates {
		slug := marketSlug(asset.CryptoAsset, ts)
		cm, err := l.catalog.MarketBySlug(ctx, slug)
		if err != nil || cm == nil {
			continue
		}
		if !cm.Active {
			continue
		}
		m, err := toDomainMarket(*cm, asset)
		if err != nil {
			continue
		}
		return &m, nil
	}

	return l.searchBroadly(ctx, asset)
}

// searchBroadly scans the catalog's open markets for the asset's slug
// pattern and picks the one whose window currently contains "now", or
// else the soonest upcoming one — mirroring the reference implementation's
// fallback when direct slug lookup misses (e.g. clock skew, a slow
// publish).
func (l *Loop) searchBroadly(ctx context.Context, asset AssetConfig) (*domain.Market, error) {
	all, err := l.catalog.ActiveMarkets(ctx, asset.SlugPattern)
	if err != nil {
		return nil, fmt.Errorf("discovery: search broadly: %w", err)
	}

	now := time.Now()
	var best *domain.Market
	for _, cm := range all {
		if !strings.Contains(cm.MarketSlug, slugStem(asset.CryptoAsset)) {
			continue
		}
		m, err := toDomainMarket(cm, asset)
		if err != nil {
			continue
		}
		start := m.SettlementTime.Add(-windowSeconds * time.Second)
		if !now.Before(start) && now.Before(m.SettlementTime) {
			return &m, nil
		}
		if !now.Before(m.SettlementTime) {
			continue
		}
		if best == nil || m.SettlementTime.Before(best.SettlementTime) {
			mm := m
			best = &mm
		}
	}
	return best, nil
}

func slugStem(cryptoAsset string) string {
	return strings.ToLower(cryptoAsset) + "-updown-"
}

func marketSlug(cryptoAsset string, windowStartUnix int64) string {
	return fmt.Sprintf("%s-updown-15m-%d", strings.ToLower(cryptoAsset), windowStartUnix)
}

// successorSlugFromMarketID derives the next window's slug from the
// current one, which encodes its own window-start timestamp as the
// trailing path segment.
func successorSlugFromMarketID(marketID string) (string, bool) {
	idx := strings.LastIndex(marketID, "-")
	if idx < 0 {
		return "", false
	}
	ts, err := strconv.ParseInt(marketID[idx+1:], 10, 64)
	if err != nil {
		return "", false
	}
	stem := marketID[:idx]
	return fmt.Sprintf("%s-%d", stem, ts+windowSeconds), true
}

// toDomainMarket converts a catalog record into the domain shape the
// monitor consumes, resolving the YES/NO token pair from the outcome
// labels the way the reference discovery module does.
func toDomainMarket(cm ports.CatalogMarket, asset AssetConfig) (domain.Market, error) {
	var yes, no string
	for _, tok := range cm.Tokens {
		switch strings.ToLower(tok.Outcome) {
		case "up", "yes":
			yes = tok.TokenID
		case "down", "no":
			no = tok.TokenID
		}
	}
	if yes == "" || no == "" {
		return domain.Market{}, fmt.Errorf("discovery: could not resolve up/down token ids for %s", cm.MarketSlug)
	}

	settlement, err := time.Parse(time.RFC3339, cm.EndDateISO)
	if err != nil {
		return domain.Market{}, fmt.Errorf("discovery: parse end date %q: %w", cm.EndDateISO, err)
	}

	tick, err := domain.PriceToPoints(cm.MinimumTickSize)
	if err != nil || tick < 1 {
		tick = 1
	}

	return domain.Market{
		MarketID:        cm.MarketSlug,
		CryptoAsset:     asset.CryptoAsset,
		ConditionID:     cm.ConditionID,
		YesTokenID:      yes,
		NoTokenID:       no,
		TickSizePoints:  tick,
		StartTime:       settlement.Add(-windowSeconds * time.Second),
		SettlementTime:  settlement,
		ParameterSetID:  asset.ParameterSetID,
		Active:          cm.Active,
		AcceptingOrders: cm.AcceptingOrders,
	}, nil
}

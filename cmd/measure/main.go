package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/pairmeasure/config"
	"github.com/alejandrodnm/pairmeasure/internal/adapters/notify"
	"github.com/alejandrodnm/pairmeasure/internal/adapters/polymarket"
	"github.com/alejandrodnm/pairmeasure/internal/adapters/storage"
	"github.com/alejandrodnm/pairmeasure/internal/application/discovery"
	"github.com/alejandrodnm/pairmeasure/internal/application/monitor"
	"github.com/alejandrodnm/pairmeasure/internal/application/writer"
	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run the discovery loop for 90s, then signal monitors to drain and exit (does not wait for a settlement)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "text", "log format: text|json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	setupLogger(cfg.Log, *logFormat)

	paramSets, err := cfg.ToDomainParameterSets()
	if err != nil {
		slog.Error("invalid parameter sets", "err", err)
		os.Exit(1)
	}

	slog.Info("pairmeasure starting",
		"config", *configPath,
		"parameter_sets", len(paramSets),
		"crypto_assets", cfg.Markets.CryptoAssets,
		"once", *once,
	)

	store, err := storage.NewSQLiteStorage(cfg.Data.DatabasePath)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "path", cfg.Data.DatabasePath)
		os.Exit(1)
	}
	defer store.Close()

	for _, ps := range paramSets {
		store.UpsertParameterSet(context.Background(), ps)
	}

	w := writer.New(store, 0)

	client := polymarket.NewClient(cfg.API.CLOBBase, cfg.API.GammaBase)
	catalog := polymarket.NewDiscoveryAdapter(client)
	poller := polymarket.NewPollingAdapter(client)
	console := notify.NewConsole()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go w.Run(ctx)

	spawner := &monitorSpawner{
		paramSets: paramSets,
		poller:    poller,
		sink:      w,
		notifier:  console,
		streamURL: cfg.WebSocket.URL,
		monitorCfg: monitor.Config{
			EnableSnapshots:       cfg.Data.EnableSnapshots,
			EnableLifecycle:       cfg.Data.EnableLifecycleTracking,
			MaxAnomaliesPerMarket: cfg.Quality.MaxAnomaliesPerMarket,
			RESTFallbackAfter:     time.Duration(cfg.WebSocket.RESTFallbackAfterDisconnectSecs) * time.Second,
		},
		streamCfg: polymarket.StreamConfig{
			PingInterval:      time.Duration(cfg.WebSocket.HeartbeatIntervalSeconds) * time.Second,
			ReconnectMaxDelay: time.Duration(cfg.WebSocket.ReconnectMaxDelaySeconds) * time.Second,
		},
	}

	assets := make([]discovery.AssetConfig, 0, len(cfg.Markets.CryptoAssets))
	for _, asset := range cfg.Markets.CryptoAssets {
		assets = append(assets, discovery.AssetConfig{
			CryptoAsset:    asset,
			SlugPattern:    asset + "-updown-" + cfg.Markets.MarketType + "-*",
			ParameterSetID: paramSets[0].ParameterSetID,
		})
	}

	loop := discovery.New(catalog, spawner, discovery.Config{
		Interval:         cfg.DiscoveryPollInterval(),
		PreDiscoveryLead: cfg.PreDiscoveryLead(),
		Assets:           assets,
	})

	go reportCycleLoop(ctx, spawner, console)

	go func() {
		select {
		case err := <-w.Fatal():
			slog.Error("writer: unrecoverable failure, shutting down", "err", err)
			cancel()
		case <-ctx.Done():
		}
	}()

	if *once {
		loop.Run(onceContext(ctx))
	} else {
		loop.Run(ctx)
	}

	spawner.drainAll()
	slog.Info("pairmeasure stopped cleanly")
}

// onceContext cancels 90 seconds after it is created, used by
// -once for smoke-testing a config against the live APIs without running
// indefinitely.
func onceContext(parent context.Context) context.Context {
	ctx, cancel := context.WithTimeout(parent, 90*time.Second)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx
}

// monitorSpawner adapts monitor.Monitor to discovery.Spawner, and keeps
// track of every running handle so the process can wait for them to settle
// on shutdown and report their status each cycle.
type monitorSpawner struct {
	paramSets  []domain.ParameterSet
	poller     ports.Poller
	sink       monitor.WriteSink
	notifier   ports.Notifier
	streamURL  string
	streamCfg  polymarket.StreamConfig
	monitorCfg monitor.Config

	handles []*monitor.Monitor
}

func (s *monitorSpawner) Spawn(ctx context.Context, market domain.Market) discovery.MonitorHandle {
	paramSets := paramSetsFor(s.paramSets, market.ParameterSetID)
	stream := polymarket.NewStreamAdapter(s.streamURL, s.streamCfg)
	mon := monitor.New(market, paramSets, stream, s.poller, s.sink, s.notifier, s.monitorCfg)
	s.handles = append(s.handles, mon)

	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("monitor exited with error", "market_id", market.MarketID, "err", err)
		}
	}()
	return monitorHandle{mon: mon}
}

// monitorHandle adapts *monitor.Monitor to discovery.MonitorHandle: the
// discovery loop only needs State() as a plain string for comparisons that
// don't depend on the monitor package's State type.
type monitorHandle struct{ mon *monitor.Monitor }

func (h monitorHandle) State() string    { return string(h.mon.State()) }
func (h monitorHandle) MarketID() string { return h.mon.MarketID() }
func (h monitorHandle) Drain()           { h.mon.Drain() }

func (s *monitorSpawner) drainAll() {
	for _, mon := range s.handles {
		mon.Drain()
	}
}

func (s *monitorSpawner) statuses() []ports.MonitorStatus {
	out := make([]ports.MonitorStatus, 0, len(s.handles))
	for _, mon := range s.handles {
		if mon.State() == monitor.StateSettled {
			continue
		}
		out = append(out, ports.MonitorStatus{
			MarketID:    mon.Market.MarketID,
			CryptoAsset: mon.Market.CryptoAsset,
			State:       string(mon.State()),
		})
	}
	return out
}

func paramSetsFor(all []domain.ParameterSet, primaryID int) []domain.ParameterSet {
	for i, ps := range all {
		if ps.ParameterSetID == primaryID {
			rest := append([]domain.ParameterSet{ps}, all[:i]...)
			rest = append(rest, all[i+1:]...)
			return rest
		}
	}
	return all
}

func reportCycleLoop(ctx context.Context, s *monitorSpawner, n *notify.Console) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.ReportCycle(s.statuses())
		}
	}
}

func setupLogger(cfg config.LogConfig, format string) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := io.Writer(os.Stdout)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("could not open log file, logging to stdout only", "file", cfg.File, "err", err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

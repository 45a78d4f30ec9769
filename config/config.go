// Package config loads and validates the measurement engine's
// configuration from a YAML file, with .env overrides for the values
// operators most often need to flip per environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
)

// Config is the complete measurement engine configuration.
type Config struct {
	ParameterSets []ParameterSetConfig `yaml:"parameter_sets"`
	Markets       MarketsConfig        `yaml:"markets"`
	Data          DataConfig           `yaml:"data"`
	Quality       QualityConfig        `yaml:"quality"`
	Log           LogConfig            `yaml:"log"`
	WebSocket     WebSocketConfig      `yaml:"websocket"`
	API           APIConfig            `yaml:"api"`
}

// ParameterSetConfig is one named measurement configuration. Every
// crypto asset in Markets.CryptoAssets runs every parameter set
// concurrently against the same market snapshots.
type ParameterSetConfig struct {
	Name                    string `yaml:"name"`
	S0Points                int    `yaml:"S0_points"`
	DeltaPoints             int    `yaml:"delta_points"`
	TriggerRule             string `yaml:"trigger_rule"`
	ReferencePriceSource    string `yaml:"reference_price_source"`
	SamplingMode            string `yaml:"sampling_mode"`
	CycleIntervalSeconds    int    `yaml:"cycle_interval_seconds"`
	CyclesPerMarket         int    `yaml:"cycles_per_market"`
	FeedGapThresholdSeconds int    `yaml:"feed_gap_threshold_seconds"`
	StopLossThresholdPoints *int   `yaml:"stop_loss_threshold_points"`
}

// MarketsConfig controls which markets the discovery loop tracks.
type MarketsConfig struct {
	CryptoAssets            []string `yaml:"crypto_assets"`
	MarketType              string   `yaml:"market_type"`
	DiscoveryPollInterval   int      `yaml:"discovery_poll_interval_seconds"`
	PreDiscoveryLeadSeconds int      `yaml:"pre_discovery_lead_seconds"`
}

// DataConfig controls where measurements are persisted.
type DataConfig struct {
	DatabasePath            string `yaml:"database_path"`
	EnableSnapshots         bool   `yaml:"enable_snapshots"`
	EnableLifecycleTracking bool   `yaml:"enable_lifecycle_tracking"`
}

// QualityConfig holds anomaly-detection settings shared across parameter
// sets. MaxReferenceSumDeviation and EnableSanityChecks are loaded but not
// read by the engine (the evaluator's reference-sum tolerance is fixed at
// 2 points); MaxAnomaliesPerMarket is passed to monitor.Config, and the
// monitor does not act on it.
type QualityConfig struct {
	MaxReferenceSumDeviation int  `yaml:"max_reference_sum_deviation"`
	EnableSanityChecks       bool `yaml:"enable_sanity_checks"`
	MaxAnomaliesPerMarket    int  `yaml:"max_anomalies_per_market"`
}

// LogConfig controls the format and level of structured logging.
type LogConfig struct {
	Level            string `yaml:"level"`
	File             string `yaml:"file"`
	ConsoleDashboard bool   `yaml:"console_dashboard"`
}

// WebSocketConfig tunes the streaming adapter.
type WebSocketConfig struct {
	URL                             string `yaml:"url"`
	HeartbeatIntervalSeconds        int    `yaml:"heartbeat_interval_seconds"`
	ReconnectMaxDelaySeconds        int    `yaml:"reconnect_max_delay_seconds"`
	RESTFallbackAfterDisconnectSecs int    `yaml:"rest_fallback_after_disconnect_seconds"`
}

// APIConfig contains the base URLs of the Polymarket APIs.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	GammaBase string `yaml:"gamma_base"`
}

// Load reads and validates configuration from a YAML file. A .env file in
// the working directory, if present, is loaded into the process
// environment (variables already set are kept); LOG_LEVEL, LOG_FILE and
// DATABASE_PATH from the environment then override the YAML values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Data.DatabasePath = v
	}
}

func setDefaults(cfg *Config) {
	for i := range cfg.ParameterSets {
		ps := &cfg.ParameterSets[i]
		if ps.TriggerRule == "" {
			ps.TriggerRule = string(domain.TriggerRuleAskTouch)
		}
		if ps.ReferencePriceSource == "" {
			ps.ReferencePriceSource = string(domain.ReferenceMidpoint)
		}
		if ps.SamplingMode == "" {
			ps.SamplingMode = string(domain.SamplingFixedInterval)
		}
		if ps.CycleIntervalSeconds == 0 {
			ps.CycleIntervalSeconds = 10
		}
		if ps.CyclesPerMarket == 0 {
			ps.CyclesPerMarket = 90
		}
		if ps.FeedGapThresholdSeconds == 0 {
			ps.FeedGapThresholdSeconds = 10
		}
	}

	if cfg.Markets.MarketType == "" {
		cfg.Markets.MarketType = "15m"
	}
	if cfg.Markets.DiscoveryPollInterval == 0 {
		cfg.Markets.DiscoveryPollInterval = 60
	}
	if cfg.Markets.PreDiscoveryLeadSeconds == 0 {
		cfg.Markets.PreDiscoveryLeadSeconds = 120
	}

	if cfg.Data.DatabasePath == "" {
		cfg.Data.DatabasePath = "data/measurements.db"
	}

	if cfg.Quality.MaxReferenceSumDeviation == 0 {
		cfg.Quality.MaxReferenceSumDeviation = 2
	}
	if cfg.Quality.MaxAnomaliesPerMarket == 0 {
		cfg.Quality.MaxAnomaliesPerMarket = 50
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.WebSocket.URL == "" {
		cfg.WebSocket.URL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.WebSocket.HeartbeatIntervalSeconds == 0 {
		cfg.WebSocket.HeartbeatIntervalSeconds = 30
	}
	if cfg.WebSocket.ReconnectMaxDelaySeconds == 0 {
		cfg.WebSocket.ReconnectMaxDelaySeconds = 60
	}
	if cfg.WebSocket.RESTFallbackAfterDisconnectSecs == 0 {
		cfg.WebSocket.RESTFallbackAfterDisconnectSecs = 60
	}

	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
}

// validate checks every configuration invariant and reports them all
// together, rather than failing on the first one, so an operator can
// fix a config file in a single pass.
func validate(cfg *Config) error {
	var errs []string

	if len(cfg.ParameterSets) == 0 {
		errs = append(errs, "at least one parameter set is required")
	}
	for _, ps := range cfg.ParameterSets {
		if ps.S0Points < 1 || ps.S0Points > 49 {
			errs = append(errs, fmt.Sprintf("parameter set %q: S0_points must be in [1,49], got %d", ps.Name, ps.S0Points))
		}
		if ps.DeltaPoints < 1 || ps.DeltaPoints > 49 {
			errs = append(errs, fmt.Sprintf("parameter set %q: delta_points must be in [1,49], got %d", ps.Name, ps.DeltaPoints))
		}
		if ps.TriggerRule != string(domain.TriggerRuleAskTouch) {
			errs = append(errs, fmt.Sprintf("parameter set %q: unknown trigger_rule %q", ps.Name, ps.TriggerRule))
		}
		if ps.ReferencePriceSource != string(domain.ReferenceMidpoint) && ps.ReferencePriceSource != string(domain.ReferenceLastTrade) {
			errs = append(errs, fmt.Sprintf("parameter set %q: unknown reference_price_source %q", ps.Name, ps.ReferencePriceSource))
		}
		if ps.SamplingMode != string(domain.SamplingFixedInterval) && ps.SamplingMode != string(domain.SamplingFixedCount) {
			errs = append(errs, fmt.Sprintf("parameter set %q: unknown sampling_mode %q", ps.Name, ps.SamplingMode))
		}
		if ps.SamplingMode == string(domain.SamplingFixedInterval) && ps.CycleIntervalSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("parameter set %q: cycle_interval_seconds must be > 0", ps.Name))
		}
		if ps.SamplingMode == string(domain.SamplingFixedCount) && ps.CyclesPerMarket <= 0 {
			errs = append(errs, fmt.Sprintf("parameter set %q: cycles_per_market must be > 0", ps.Name))
		}
		if ps.FeedGapThresholdSeconds <= 0 {
			errs = append(errs, fmt.Sprintf("parameter set %q: feed_gap_threshold_seconds must be > 0", ps.Name))
		}
		if ps.StopLossThresholdPoints != nil && *ps.StopLossThresholdPoints < 0 {
			errs = append(errs, fmt.Sprintf("parameter set %q: stop_loss_threshold_points must be non-negative", ps.Name))
		}
	}

	if len(cfg.Markets.CryptoAssets) == 0 {
		errs = append(errs, "at least one crypto asset is required")
	}
	if cfg.Markets.DiscoveryPollInterval <= 0 {
		errs = append(errs, "discovery_poll_interval_seconds must be > 0")
	}
	if cfg.Markets.PreDiscoveryLeadSeconds <= 0 {
		errs = append(errs, "pre_discovery_lead_seconds must be > 0")
	}

	if cfg.Data.DatabasePath == "" {
		errs = append(errs, "database_path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ToDomainParameterSets converts every configured parameter set into
// its domain form, assigning sequential ids in file order.
func (c *Config) ToDomainParameterSets() ([]domain.ParameterSet, error) {
	out := make([]domain.ParameterSet, 0, len(c.ParameterSets))
	for i, ps := range c.ParameterSets {
		d := domain.ParameterSet{
			ParameterSetID:          i + 1,
			Name:                    ps.Name,
			S0Points:                ps.S0Points,
			DeltaPoints:             ps.DeltaPoints,
			TriggerRule:             domain.TriggerRule(ps.TriggerRule),
			ReferencePriceSource:    domain.ReferencePriceSource(ps.ReferencePriceSource),
			TieBreakRule:            "distance_then_yes",
			SamplingMode:            domain.SamplingMode(ps.SamplingMode),
			CycleIntervalSeconds:    ps.CycleIntervalSeconds,
			CyclesPerMarket:         ps.CyclesPerMarket,
			FeedGapThresholdSeconds: ps.FeedGapThresholdSeconds,
			StopLossThresholdPoints: ps.StopLossThresholdPoints,
			CreatedAt:               time.Now(),
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("config.ToDomainParameterSets: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// DiscoveryPollInterval returns the discovery loop's polling cadence.
func (c *Config) DiscoveryPollInterval() time.Duration {
	return time.Duration(c.Markets.DiscoveryPollInterval) * time.Second
}

// PreDiscoveryLead returns the settlement runway threshold at which the
// discovery loop looks up an asset's successor window.
func (c *Config) PreDiscoveryLead() time.Duration {
	return time.Duration(c.Markets.PreDiscoveryLeadSeconds) * time.Second
}

package domain

import (
	"fmt"
	"time"
)

// ParameterSet is an immutable configuration snapshot used by every
// attempt it produces. Once loaded at startup it is never mutated.
type ParameterSet struct {
	ParameterSetID int
	Name           string

	S0Points    int
	DeltaPoints int

	TriggerRule          TriggerRule
	ReferencePriceSource ReferencePriceSource
	TieBreakRule         string

	SamplingMode        SamplingMode
	CycleIntervalSeconds int // used when SamplingMode == FIXED_INTERVAL
	CyclesPerMarket      int // used when SamplingMode == FIXED_COUNT

	FeedGapThresholdSeconds int

	// StopLossThresholdPoints is nil when the stop-loss guard is disabled.
	StopLossThresholdPoints *int

	CreatedAt time.Time
}

// PairCapPoints returns 100 − delta_points, the maximum combined cost for a
// qualifying pair.
func (p ParameterSet) PairCapPoints() int {
	return 100 - p.DeltaPoints
}

// Validate checks the invariants a ParameterSet must satisfy before it can
// be used to drive attempts.
func (p ParameterSet) Validate() error {
	if p.S0Points < 1 || p.S0Points > 49 {
		return fmt.Errorf("domain.ParameterSet.Validate: S0_points must be in [1,49], got %d", p.S0Points)
	}
	if p.DeltaPoints < 1 || p.DeltaPoints > 49 {
		return fmt.Errorf("domain.ParameterSet.Validate: delta_points must be in [1,49], got %d", p.DeltaPoints)
	}
	if p.PairCapPoints()+p.DeltaPoints != 100 {
		return fmt.Errorf("domain.ParameterSet.Validate: pair_cap_points + delta_points != 100")
	}
	if p.TriggerRule != TriggerRuleAskTouch {
		return fmt.Errorf("domain.ParameterSet.Validate: unsupported trigger_rule %q", p.TriggerRule)
	}
	switch p.ReferencePriceSource {
	case ReferenceMidpoint, ReferenceLastTrade:
	default:
		return fmt.Errorf("domain.ParameterSet.Validate: unsupported reference_price_source %q", p.ReferencePriceSource)
	}
	switch p.SamplingMode {
	case SamplingFixedInterval:
		if p.CycleIntervalSeconds <= 0 {
			return fmt.Errorf("domain.ParameterSet.Validate: cycle_interval_seconds must be positive for FIXED_INTERVAL")
		}
	case SamplingFixedCount:
		if p.CyclesPerMarket <= 0 {
			return fmt.Errorf("domain.ParameterSet.Validate: cycles_per_market must be positive for FIXED_COUNT")
		}
	default:
		return fmt.Errorf("domain.ParameterSet.Validate: unsupported sampling_mode %q", p.SamplingMode)
	}
	if p.FeedGapThresholdSeconds <= 0 {
		return fmt.Errorf("domain.ParameterSet.Validate: feed_gap_threshold_seconds must be positive")
	}
	if p.StopLossThresholdPoints != nil && *p.StopLossThresholdPoints < 0 {
		return fmt.Errorf("domain.ParameterSet.Validate: stop_loss_threshold_points must be non-negative")
	}
	return nil
}

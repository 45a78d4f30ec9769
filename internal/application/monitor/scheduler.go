package monitor

import (
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
)

// settlementGrace is the fixed buffer before settlement_time at which the
// last cycle must have already fired.
const settlementGrace = 2 * time.Second

// Schedule computes the cycle-firing plan for a market given its
// settlement time, the current wall clock, and the parameter set's
// sampling mode.
type Schedule struct {
	IntervalSeconds float64
	// startedAt is the planned instant of cycle 1; PlannedInstant offsets
	// later cycles from it.
	startedAt time.Time
}

// NewSchedule builds a Schedule for a market joining at "now".
func NewSchedule(now, settlementTime time.Time, params domain.ParameterSet) Schedule {
	remaining := settlementTime.Sub(now).Seconds()
	if remaining < 0 {
		remaining = 0
	}

	var interval float64
	switch params.SamplingMode {
	case domain.SamplingFixedCount:
		n := params.CyclesPerMarket
		if n < 1 {
			n = 1
		}
		interval = remaining / float64(n)
		if interval < 1 {
			interval = 1
		}
	default: // FIXED_INTERVAL
		interval = float64(params.CycleIntervalSeconds)
		if interval < 1 {
			interval = 1
		}
	}

	return Schedule{IntervalSeconds: interval, startedAt: now}
}

// PlannedInstant returns the planned wall-clock instant of the given
// dense cycle number (1-indexed); cycle 1 fires at the schedule's start
// time.
func (s Schedule) PlannedInstant(cycleNumber int) time.Time {
	if cycleNumber <= 1 {
		return s.startedAt
	}
	offset := time.Duration(float64(cycleNumber-1) * s.IntervalSeconds * float64(time.Second))
	return s.startedAt.Add(offset)
}

// CyclesMissed returns how many cycles between lastCycleNumber (exclusive) and
// now (inclusive) should be counted as missed-and-dropped, given the
// interval. A gap of more than one full interval beyond the next planned
// instant drops the intervening cycles rather than coalescing them.
func (s Schedule) CyclesMissed(lastCycleNumber int, now time.Time) int {
	next := s.PlannedInstant(lastCycleNumber + 1)
	if now.Before(next) {
		return 0
	}
	overrun := now.Sub(next).Seconds()
	if overrun <= s.IntervalSeconds {
		return 0
	}
	return int(overrun / s.IntervalSeconds)
}

// LastCycleDeadline returns the last instant at which a cycle may still
// legally fire: settlement_time − grace.
func LastCycleDeadline(settlementTime time.Time) time.Time {
	return settlementTime.Add(-settlementGrace)
}

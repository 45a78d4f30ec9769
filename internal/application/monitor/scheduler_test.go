package monitor

import (
	"testing"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNewSchedule_FixedInterval(t *testing.T) {
	now := time.Now()
	ps := domain.ParameterSet{SamplingMode: domain.SamplingFixedInterval, CycleIntervalSeconds: 10}
	s := NewSchedule(now, now.Add(15*time.Minute), ps)
	assert.Equal(t, 10.0, s.IntervalSeconds)
}

func TestNewSchedule_FixedCount(t *testing.T) {
	now := time.Now()
	ps := domain.ParameterSet{SamplingMode: domain.SamplingFixedCount, CyclesPerMarket: 90}
	s := NewSchedule(now, now.Add(900*time.Second), ps)
	assert.InDelta(t, 10.0, s.IntervalSeconds, 0.001)
}

func TestPlannedInstant_FirstCycleIsStart(t *testing.T) {
	now := time.Now()
	s := Schedule{IntervalSeconds: 10, startedAt: now}
	assert.True(t, s.PlannedInstant(1).Equal(now))
	assert.True(t, s.PlannedInstant(2).Equal(now.Add(10*time.Second)))
}

func TestCyclesMissed_NoGap(t *testing.T) {
	now := time.Now()
	s := Schedule{IntervalSeconds: 10, startedAt: now}
	assert.Equal(t, 0, s.CyclesMissed(1, now.Add(10*time.Second)))
}

func TestCyclesMissed_DropsIntervening(t *testing.T) {
	now := time.Now()
	s := Schedule{IntervalSeconds: 10, startedAt: now}
	// Cycle 2 was due at now+10s; observing at now+35s overruns by 25s,
	// more than one interval, so cycles are dropped rather than coalesced.
	missed := s.CyclesMissed(1, now.Add(35*time.Second))
	assert.Equal(t, 2, missed)
}

func TestLastCycleDeadline_SubtractsGrace(t *testing.T) {
	settlement := time.Now()
	assert.True(t, LastCycleDeadline(settlement).Before(settlement))
	assert.Equal(t, 2*time.Second, settlement.Sub(LastCycleDeadline(settlement)))
}

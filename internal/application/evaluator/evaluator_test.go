package evaluator

import (
	"testing"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(i int) *int { return &i }

func baseParams() domain.ParameterSet {
	return domain.ParameterSet{
		ParameterSetID:       1,
		S0Points:             5,
		DeltaPoints:          3,
		TriggerRule:          domain.TriggerRuleAskTouch,
		ReferencePriceSource: domain.ReferenceMidpoint,
		TieBreakRule:         domain.TieBreakDistanceThenYES,
		SamplingMode:         domain.SamplingFixedInterval,
		CycleIntervalSeconds: 10,
		FeedGapThresholdSeconds: 10,
	}
}

func snap(bid, ask *int) domain.TokenSnapshot {
	s := domain.TokenSnapshot{Bid: bid, Ask: ask, Fresh: true}
	s.Empty = bid == nil || ask == nil
	return s
}

func TestEvaluate_NoTriggerBelowThreshold(t *testing.T) {
	params := baseParams()
	in := CycleInput{
		Now: time.Now(), CycleNumber: 3, TickSizePoints: 1, Params: params,
		Yes: snap(ptr(44), ptr(46)),
		No:  snap(ptr(52), ptr(55)),
	}
	res := Evaluate(in)
	assert.False(t, res.Skipped)
	assert.Equal(t, 45, res.ReferenceYesPoints)
	assert.Equal(t, 53, res.ReferenceNoPoints)
	assert.Empty(t, res.NewAttempts)
}

// Scenario 1: simple successful pair.
func TestEvaluate_SimplePairScenario(t *testing.T) {
	params := baseParams()
	now := time.Now()

	// YES bid 51 keeps ref_yes at 45 (trigger_yes=40) so ask 39 triggers;
	// NO keeps ref_no=53 (trigger_no=48).
	in4 := CycleInput{
		Now: now, CycleNumber: 4, TickSizePoints: 1, Params: params,
		Yes: snap(ptr(51), ptr(39)),
		No:  snap(ptr(52), ptr(55)),
	}
	res4 := Evaluate(in4)
	require.Len(t, res4.NewAttempts, 1)
	a1 := res4.NewAttempts[0]
	assert.Equal(t, domain.SideYES, a1.FirstLegSide)
	assert.Equal(t, 39, a1.P1Points)
	assert.Equal(t, 48, a1.OppositeTriggerPoints)

	in6 := CycleInput{
		Now: now.Add(20 * time.Second), CycleNumber: 6, TickSizePoints: 1, Params: params,
		Yes:            snap(ptr(38), ptr(39)),
		No:             snap(ptr(46), ptr(47)),
		ActiveAttempts: []*domain.Attempt{a1},
	}
	res6 := Evaluate(in6)
	require.Len(t, res6.Terminated, 1)
	term := res6.Terminated[0]
	assert.Equal(t, domain.AttemptCompletedPaired, term.Status)
	require.NotNil(t, term.ActualOppositePrice)
	assert.Equal(t, 47, *term.ActualOppositePrice)
	require.NotNil(t, term.PairCostPoints)
	assert.Equal(t, 86, *term.PairCostPoints)
	require.NotNil(t, term.PairProfitPoints)
	assert.Equal(t, 14, *term.PairProfitPoints)
}

// Scenario 2: stop-loss exit.
func TestEvaluate_StopLossScenario(t *testing.T) {
	params := baseParams()
	sl := 2
	params.StopLossThresholdPoints = &sl
	now := time.Now()

	// Same cycle-4 book as the simple-pair scenario: ref_yes=45, ask 39.
	in4 := CycleInput{
		Now: now, CycleNumber: 4, TickSizePoints: 1, Params: params,
		Yes: snap(ptr(51), ptr(39)),
		No:  snap(ptr(52), ptr(55)),
	}
	res4 := Evaluate(in4)
	require.Len(t, res4.NewAttempts, 1)
	a1 := res4.NewAttempts[0]
	require.NotNil(t, a1.StopLossPricePoints)
	assert.Equal(t, 37, *a1.StopLossPricePoints)

	in5 := CycleInput{
		Now: now.Add(10 * time.Second), CycleNumber: 5, TickSizePoints: 1, Params: params,
		Yes:            snap(ptr(36), ptr(38)),
		No:             snap(ptr(52), ptr(55)),
		ActiveAttempts: []*domain.Attempt{a1},
	}
	res5 := Evaluate(in5)
	require.Len(t, res5.Terminated, 1)
	term := res5.Terminated[0]
	assert.Equal(t, domain.AttemptCompletedFailed, term.Status)
	require.NotNil(t, term.FailReason)
	assert.Equal(t, domain.FailReasonStopLoss, *term.FailReason)
	require.NotNil(t, term.ActualOppositePrice)
	assert.Equal(t, 36, *term.ActualOppositePrice)
	require.NotNil(t, term.PairProfitPoints)
	assert.Less(t, *term.PairProfitPoints, 0)
}

// Scenario 4: simultaneous triggers, tie-break.
func TestEvaluate_SimultaneousTriggersTieBreak(t *testing.T) {
	params := baseParams()
	// Constructed so ref_yes=45 (trigger_yes=40, ask=38, distance 2) and
	// ref_no=53 (trigger_no=48, ask=46, distance 2), matching the
	// simultaneous-trigger worked scenario's literal numbers.
	in := CycleInput{
		Now: time.Now(), CycleNumber: 10, TickSizePoints: 1, Params: params,
		Yes: snap(ptr(52), ptr(38)),
		No:  snap(ptr(60), ptr(46)),
	}
	res := Evaluate(in)
	require.Len(t, res.NewAttempts, 2)
	// Equal-magnitude distance ties resolve to YES first.
	assert.Equal(t, domain.SideYES, res.NewAttempts[0].FirstLegSide)
	assert.Equal(t, domain.SideNO, res.NewAttempts[1].FirstLegSide)
}

// Scenario 5: impossible pair constraint.
func TestEvaluate_ImpossiblePairConstraint(t *testing.T) {
	params := baseParams()
	params.S0Points = 1
	params.DeltaPoints = 5 // pair_cap = 95
	in := CycleInput{
		Now: time.Now(), CycleNumber: 20, TickSizePoints: 1, Params: params,
		Yes: snap(ptr(99), ptr(96)),
		No:  snap(ptr(2), ptr(3)),
	}
	res := Evaluate(in)
	require.Len(t, res.NewAttempts, 1)
	a := res.NewAttempts[0]
	assert.Less(t, a.OppositeMaxPoints, 1)
	assert.Equal(t, 1, a.OppositeTriggerPoints)
	assert.True(t, a.PairConstraintImpossible)
}

// Scenario 6: feed gap.
func TestEvaluate_FeedGapMarksActiveAttempts(t *testing.T) {
	params := baseParams()
	a1 := &domain.Attempt{Status: domain.AttemptActive}
	a2 := &domain.Attempt{Status: domain.AttemptActive}
	a3 := &domain.Attempt{Status: domain.AttemptActive}
	in := CycleInput{
		Now: time.Now(), CycleNumber: 30, TickSizePoints: 1, Params: params,
		FeedGap:        true,
		ActiveAttempts: []*domain.Attempt{a1, a2, a3},
	}
	res := Evaluate(in)
	assert.True(t, res.Skipped)
	assert.Equal(t, "feed_gap", res.SkipReason)
	assert.True(t, a1.HadFeedGap)
	assert.True(t, a2.HadFeedGap)
	assert.True(t, a3.HadFeedGap)
}

func TestEvaluate_OrderbookEmptySkipsCycle(t *testing.T) {
	params := baseParams()
	in := CycleInput{
		Now: time.Now(), CycleNumber: 1, TickSizePoints: 1, Params: params,
		Yes: snap(nil, nil),
		No:  snap(ptr(50), ptr(51)),
	}
	res := Evaluate(in)
	assert.True(t, res.Skipped)
	assert.Equal(t, "orderbook_empty", res.SkipReason)
	assert.Empty(t, res.NewAttempts)
}

// (P8): no side breaches trigger and nothing already past exit -> nothing
// created or transitioned this cycle.
func TestEvaluate_P8_NoOpWhenNothingTriggersOrExits(t *testing.T) {
	params := baseParams()
	active := &domain.Attempt{
		Status:                domain.AttemptActive,
		FirstLegSide:          domain.SideYES,
		P1Points:              39,
		OppositeSide:          domain.SideNO,
		OppositeTriggerPoints: 48,
	}
	in := CycleInput{
		Now: time.Now(), CycleNumber: 5, TickSizePoints: 1, Params: params,
		Yes:            snap(ptr(44), ptr(46)), // well above trigger_yes=40
		No:             snap(ptr(52), ptr(55)), // well above trigger_no=48, and above opposite trigger 48
		ActiveAttempts: []*domain.Attempt{active},
	}
	res := Evaluate(in)
	assert.Empty(t, res.NewAttempts)
	assert.Empty(t, res.Terminated)
}

func TestEvaluate_ReferenceSumAnomaly(t *testing.T) {
	params := baseParams()
	in := CycleInput{
		Now: time.Now(), CycleNumber: 1, TickSizePoints: 1, Params: params,
		Yes: snap(ptr(60), ptr(62)), // midpoint 61
		No:  snap(ptr(60), ptr(62)), // midpoint 61, sum 122, deviation 22 > 2
	}
	res := Evaluate(in)
	assert.True(t, res.ReferenceSumAnomaly)
	assert.Equal(t, 1, res.AnomalyCount)
}

// Package evaluator implements the trigger evaluator: the pure per-cycle
// decision function that creates new hedge-pair attempts and advances or
// terminates active ones. It performs no I/O and touches no external
// state beyond the Attempt values it is given.
package evaluator

import (
	"log/slog"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
)

// CycleInput bundles everything the evaluator needs for one cycle.
type CycleInput struct {
	Now            time.Time
	CycleNumber    int
	TickSizePoints int
	Params         domain.ParameterSet
	Yes            domain.TokenSnapshot
	No             domain.TokenSnapshot
	// ActiveAttempts are attempts already active before this cycle began;
	// the evaluator advances these in place and never invents new
	// identity for them.
	ActiveAttempts []*domain.Attempt
	// TimeRemainingSeconds is settlement_time − now at this cycle.
	TimeRemainingSeconds float64
	// FeedGap is true when the owning monitor detected a gap in the
	// stream that straddles this cycle's planned instant. When true the
	// evaluator performs no trigger evaluation at all.
	FeedGap bool
}

// CycleResult is everything that happened during one cycle.
type CycleResult struct {
	// Skipped is true when the cycle performed no trigger evaluation
	// (feed gap or a precondition failure).
	Skipped bool
	// SkipReason names why, when Skipped is true: "feed_gap",
	// "orderbook_empty".
	SkipReason string

	ReferenceYesPoints int
	ReferenceNoPoints  int
	ReferenceSumAnomaly bool

	// NewAttempts are freshly triggered attempts this cycle, in
	// tie-break order. Callers must assign AttemptID in this order to
	// satisfy (P6) monotonicity and preserve the ordering-only guarantee
	// of the tie-break rule.
	NewAttempts []*domain.Attempt

	// Terminated holds attempts (from ActiveAttempts) that transitioned
	// to a terminal status this cycle.
	Terminated []*domain.Attempt

	// AnomalyCount is the number of anomaly-counter increments produced
	// this cycle (0 or 1 in every case the evaluator itself detects).
	AnomalyCount int
}

// Evaluate runs one cycle of the trigger evaluator over the given input.
// It never returns an error: malformed-data and invariant-violation cases
// are folded into CycleResult annotations and the anomaly counter, per the
// error handling taxonomy of the engine.
func Evaluate(in CycleInput) CycleResult {
	if in.FeedGap {
		for _, a := range in.ActiveAttempts {
			a.HadFeedGap = true
		}
		return CycleResult{Skipped: true, SkipReason: "feed_gap", AnomalyCount: 1}
	}

	if in.Yes.Empty || in.No.Empty || !in.Yes.Fresh || !in.No.Fresh {
		slog.Warn("evaluator: orderbook_empty", "cycle", in.CycleNumber)
		return CycleResult{Skipped: true, SkipReason: "orderbook_empty", AnomalyCount: 1}
	}

	tick := in.TickSizePoints
	refYes := referencePrice(in.Params.ReferencePriceSource, in.Yes)
	refNo := referencePrice(in.Params.ReferencePriceSource, in.No)

	result := CycleResult{
		ReferenceYesPoints: refYes,
		ReferenceNoPoints:  refNo,
	}

	if abs(refYes+refNo-100) > 2 {
		result.ReferenceSumAnomaly = true
		result.AnomalyCount++
		slog.Warn("evaluator: reference_sum_anomaly", "cycle", in.CycleNumber, "ref_yes", refYes, "ref_no", refNo)
	}

	// Advance attempts already active before this cycle.
	for _, a := range in.ActiveAttempts {
		terminated := advance(a, in, refYes, refNo)
		if terminated {
			result.Terminated = append(result.Terminated, a)
		}
	}

	// Evaluate triggers for both sides this cycle.
	type trigger struct {
		side          domain.Side
		bestAsk       int
		triggerLevel  int
		clampedMax    bool
		clampedMin    bool
		distance      int
	}
	var triggers []trigger

	if lvl, clampedMax, clampedMin, ok := checkTrigger(refYes, in.Params.S0Points, tick, in.Yes.Ask); ok {
		triggers = append(triggers, trigger{
			side: domain.SideYES, bestAsk: *in.Yes.Ask, triggerLevel: lvl,
			clampedMax: clampedMax, clampedMin: clampedMin, distance: lvl - *in.Yes.Ask,
		})
	}
	if lvl, clampedMax, clampedMin, ok := checkTrigger(refNo, in.Params.S0Points, tick, in.No.Ask); ok {
		triggers = append(triggers, trigger{
			side: domain.SideNO, bestAsk: *in.No.Ask, triggerLevel: lvl,
			clampedMax: clampedMax, clampedMin: clampedMin, distance: lvl - *in.No.Ask,
		})
	}

	// Tie-break: smaller distance magnitude first, YES wins remaining ties.
	if len(triggers) == 2 {
		d0, d1 := abs(triggers[0].distance), abs(triggers[1].distance)
		if d1 < d0 || (d1 == d0 && triggers[1].side == domain.SideYES) {
			triggers[0], triggers[1] = triggers[1], triggers[0]
		}
	}

	for _, tr := range triggers {
		att := buildAttempt(in, tr.side, tr.bestAsk, refYes, refNo, tick)
		att.ReferenceSumAnomaly = result.ReferenceSumAnomaly
		att.TriggerClampedToMax = att.TriggerClampedToMax || tr.clampedMax
		att.TriggerClampedToMin = att.TriggerClampedToMin || tr.clampedMin
		result.NewAttempts = append(result.NewAttempts, att)
	}

	return result
}

// referencePrice computes the reference price for one side per the
// configured source, falling back to MIDPOINT when LAST_TRADE has no
// trade yet (the safe default per the engine's open-question resolution).
func referencePrice(source domain.ReferencePriceSource, snap domain.TokenSnapshot) int {
	if source == domain.ReferenceLastTrade && snap.LastTrade != nil {
		return *snap.LastTrade
	}
	return domain.MidpointPoints(*snap.Bid, *snap.Ask)
}

// checkTrigger computes the trigger level for a side and reports whether
// it fires this cycle.
func checkTrigger(ref, s0, tick int, bestAsk *int) (level int, clampedMax, clampedMin bool, fired bool) {
	raw, err := domain.FloorToTick(ref-s0, tick)
	if err != nil {
		return 0, false, false, false
	}
	level = domain.ClampTrigger(raw, tick)
	clampedMax = level == domain.MaxTriggerPoints && raw > domain.MaxTriggerPoints
	clampedMin = level == tick && raw < tick
	if bestAsk == nil {
		return level, clampedMax, clampedMin, false
	}
	return level, clampedMax, clampedMin, *bestAsk <= level
}

// buildAttempt constructs a freshly triggered attempt. AttemptID is left
// zero; the caller assigns it in tie-break order.
func buildAttempt(in CycleInput, side domain.Side, p1 int, refYes, refNo, tick int) *domain.Attempt {
	opposite := side.Opposite()
	oppositeRef := refYes
	if side == domain.SideYES {
		oppositeRef = refNo
	}

	oppTriggerFromRef, _ := domain.FloorToTick(oppositeRef-in.Params.S0Points, tick)
	oppTriggerFromRefClamped := domain.ClampTrigger(oppTriggerFromRef, tick)

	oppMax, _ := domain.FloorToTick(in.Params.PairCapPoints()-p1, tick)

	oppTrigger := oppTriggerFromRefClamped
	if oppMax < oppTrigger {
		oppTrigger = oppMax
	}

	att := &domain.Attempt{
		MarketID:             "", // filled by the caller, which knows the market
		ParameterSetID:       in.Params.ParameterSetID,
		CycleNumber:          in.CycleNumber,
		T1Timestamp:          in.Now,
		FirstLegSide:         side,
		P1Points:             p1,
		AskAtTriggerPoints:   p1,
		ReferenceYesPoints:   refYes,
		ReferenceNoPoints:    refNo,
		TimeRemainingAtStart: in.TimeRemainingSeconds,
		TimeRemainingBucket:  domain.TimeRemainingBucketFor(in.TimeRemainingSeconds),
		DeltaPoints:          in.Params.DeltaPoints,
		S0Points:             in.Params.S0Points,
		OppositeSide:         opposite,
		OppositeMaxPoints:    oppMax,
		Status:               domain.AttemptActive,
	}

	if oppMax > 100 {
		slog.Warn("evaluator: ERROR_IMPOSSIBLE_OPPOSITEMAX", "opposite_max", oppMax, "p1", p1, "pair_cap", in.Params.PairCapPoints())
	}
	if oppMax < tick {
		oppTrigger = tick
		att.PairConstraintImpossible = true
	}
	att.OppositeTriggerPoints = oppTrigger

	if in.Params.StopLossThresholdPoints != nil {
		att.StopLossThresholdPoints = in.Params.StopLossThresholdPoints
		sl := domain.ClampTrigger(p1-*in.Params.StopLossThresholdPoints, 0)
		att.StopLossPricePoints = &sl
	}

	att.YesSpreadEntryPoints = spread(in.Yes)
	att.NoSpreadEntryPoints = spread(in.No)

	touchedBelowSnap := in.Yes
	if side == domain.SideNO {
		touchedBelowSnap = in.No
	}
	if touchedBelowSnap.PeriodLowAsk != nil && *touchedBelowSnap.PeriodLowAsk < p1 {
		att.TouchedBelowTrigger = true
	}

	return att
}

func spread(s domain.TokenSnapshot) int {
	if s.Bid == nil || s.Ask == nil {
		return 0
	}
	return *s.Ask - *s.Bid
}

// advance applies one cycle's snapshot to an already-active attempt. It
// returns true if the attempt transitioned to a terminal status.
func advance(a *domain.Attempt, in CycleInput, refYes, refNo int) bool {
	_ = refYes
	_ = refNo
	firstLegSnap := in.Yes
	oppositeSnap := in.No
	if a.FirstLegSide == domain.SideNO {
		firstLegSnap, oppositeSnap = in.No, in.Yes
	}

	if a.StopLossPricePoints != nil && firstLegSnap.Bid != nil && *firstLegSnap.Bid <= *a.StopLossPricePoints {
		reason := domain.FailReasonStopLoss
		finalizeTerminal(a, in.Now, in.CycleNumber, in.TimeRemainingSeconds, domain.AttemptCompletedFailed, &reason, firstLegSnap.Bid, in.Yes, in.No)
		return true
	}

	if oppositeSnap.Ask != nil && *oppositeSnap.Ask <= a.OppositeTriggerPoints {
		finalizeTerminal(a, in.Now, in.CycleNumber, in.TimeRemainingSeconds, domain.AttemptCompletedPaired, nil, oppositeSnap.Ask, in.Yes, in.No)
		return true
	}

	// Still active: update running MAE and closest approach.
	if firstLegSnap.Bid != nil {
		mae := a.P1Points - *firstLegSnap.Bid
		if mae < 0 {
			mae = 0
		}
		if a.MaxAdverseExcursionPoints == nil || mae > *a.MaxAdverseExcursionPoints {
			a.MaxAdverseExcursionPoints = &mae
			t := in.Now
			c := in.CycleNumber
			a.MAETimestamp = &t
			a.MAECycleNumber = &c
		}
	}
	if oppositeSnap.Ask != nil {
		dist := *oppositeSnap.Ask - a.OppositeTriggerPoints
		if a.ClosestApproachPoints == nil || dist < *a.ClosestApproachPoints {
			a.ClosestApproachPoints = &dist
			t := in.Now
			c := in.CycleNumber
			a.ClosestApproachTimestamp = &t
			a.ClosestApproachCycleNumber = &c
		}
	}
	return false
}

func finalizeTerminal(a *domain.Attempt, now time.Time, cycle int, timeRemaining float64, status domain.AttemptStatus, failReason *domain.FailReason, actualOpposite *int, yesSnap, noSnap domain.TokenSnapshot) {
	a.Status = status
	a.T2Timestamp = &now
	c := cycle
	a.T2CycleNumber = &c
	tp := now.Sub(a.T1Timestamp).Seconds()
	if tp < 0 {
		tp = 0
	}
	a.TimeToPairSeconds = &tp
	tr := timeRemaining
	a.TimeRemainingAtCompletion = &tr
	a.FailReason = failReason
	a.ActualOppositePrice = actualOpposite

	if actualOpposite != nil {
		cost := a.P1Points + *actualOpposite
		profit := 100 - cost
		a.PairCostPoints = &cost
		a.PairProfitPoints = &profit
	}

	if yesSnap.Bid != nil && yesSnap.Ask != nil {
		s := *yesSnap.Ask - *yesSnap.Bid
		a.YesSpreadExitPoints = &s
	}
	if noSnap.Bid != nil && noSnap.Ask != nil {
		s := *noSnap.Ask - *noSnap.Bid
		a.NoSpreadExitPoints = &s
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

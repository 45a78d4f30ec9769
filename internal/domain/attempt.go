package domain

import "time"

// Attempt is a single measurement life: one first-leg trigger, tracked
// until it pairs, stops out, or the market settles. It is immutable once
// it reaches a terminal status.
type Attempt struct {
	AttemptID      int // monotonically assigned per market
	MarketID       string
	ParameterSetID int
	CycleNumber    int

	// Entry fields — set at creation, never changed afterward.
	T1Timestamp        time.Time
	FirstLegSide       Side
	P1Points           int
	ReferenceYesPoints int
	ReferenceNoPoints  int
	TimeRemainingAtStart float64
	YesSpreadEntryPoints int
	NoSpreadEntryPoints  int
	DeltaPoints             int
	S0Points                int
	StopLossThresholdPoints *int

	// TimeRemainingBucket buckets TimeRemainingAtStart into one of
	// "0-120s", "120-300s", "300-600s", "600s+" — a denormalized,
	// non-authoritative diagnostic field.
	TimeRemainingBucket string

	// In-memory-only fields used by the evaluator, never persisted beyond
	// the running record (the store keeps only denormalized parameters
	// and the entry/exit columns).
	OppositeSide          Side
	OppositeTriggerPoints int
	OppositeMaxPoints     int
	StopLossPricePoints   *int

	// AskAtTriggerPoints is the best ask that caused the first leg to
	// trigger. Equal to P1Points under the direct ASK_TOUCH rule; kept as
	// its own field so a later maker-buffer reconstruction has a named
	// anchor distinct from P1.
	AskAtTriggerPoints int

	// Diagnostic annotations. None of these alter the pairing decision.
	ReferenceSumAnomaly      bool
	PairConstraintImpossible bool
	TriggerClampedToMax      bool
	TriggerClampedToMin      bool
	TouchedBelowTrigger      bool

	// Mutable while active; frozen the instant status becomes terminal.
	Status      AttemptStatus
	HadFeedGap  bool

	ClosestApproachPoints        *int
	ClosestApproachTimestamp     *time.Time
	ClosestApproachCycleNumber   *int

	MaxAdverseExcursionPoints *int
	MAETimestamp              *time.Time
	MAECycleNumber            *int

	// Terminal fields — set exactly once on transition.
	T2Timestamp               *time.Time
	T2CycleNumber             *int
	TimeToPairSeconds         *float64
	TimeRemainingAtCompletion *float64
	ActualOppositePrice       *int
	PairCostPoints            *int
	PairProfitPoints          *int
	FailReason                *FailReason
	YesSpreadExitPoints       *int
	NoSpreadExitPoints        *int
}

// IsTerminal reports whether the attempt has reached a completed status.
func (a *Attempt) IsTerminal() bool {
	return a.Status.IsTerminal()
}

// TimeRemainingBucketFor classifies a time-remaining value into the
// standard buckets used for entry-time annotation.
func TimeRemainingBucketFor(seconds float64) string {
	switch {
	case seconds < 120:
		return "0-120s"
	case seconds < 300:
		return "120-300s"
	case seconds < 600:
		return "300-600s"
	default:
		return "600s+"
	}
}

package domain

// Side identifies one of the two complementary outcome tokens of a binary
// market.
type Side string

const (
	SideYES Side = "YES"
	SideNO  Side = "NO"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYES {
		return SideNO
	}
	return SideYES
}

// AttemptStatus is the lifecycle state of a measurement attempt.
type AttemptStatus string

const (
	AttemptActive          AttemptStatus = "active"
	AttemptCompletedPaired AttemptStatus = "completed_paired"
	AttemptCompletedFailed AttemptStatus = "completed_failed"
)

// IsTerminal reports whether the status is one of the two completed states.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptCompletedPaired || s == AttemptCompletedFailed
}

// FailReason enumerates the ways a terminal attempt can fail.
type FailReason string

const (
	FailReasonSettlementReached FailReason = "settlement_reached"
	FailReasonStopLoss          FailReason = "stop_loss"
)

// SamplingMode selects how cycle intervals are derived for a market.
type SamplingMode string

const (
	SamplingFixedInterval SamplingMode = "FIXED_INTERVAL"
	SamplingFixedCount    SamplingMode = "FIXED_COUNT"
)

// TriggerRule names the evaluator rule used to decide when a side triggers.
// ASK_TOUCH is the only rule this engine implements.
type TriggerRule string

const (
	TriggerRuleAskTouch TriggerRule = "ASK_TOUCH"
)

// ReferencePriceSource selects how the per-side reference price is derived
// each cycle.
type ReferencePriceSource string

const (
	ReferenceMidpoint  ReferencePriceSource = "MIDPOINT"
	ReferenceLastTrade ReferencePriceSource = "LAST_TRADE"
)

// TieBreakRule names the ordering rule applied when both sides trigger in
// the same cycle. "distance_then_yes" is the only rule this engine
// implements: the side that touched its trigger harder goes first, YES
// wins remaining ties.
const TieBreakDistanceThenYES = "distance_then_yes"

package domain

import "time"

// Snapshot is an optional diagnostic record of the full order-book state
// captured at one cycle. Written only when snapshot capture is enabled.
type Snapshot struct {
	SnapshotID  int64
	MarketID    string
	CycleNumber int
	Timestamp   time.Time

	YesBidPoints *int
	YesAskPoints *int
	NoBidPoints  *int
	NoAskPoints  *int

	YesLastTradePoints *int
	NoLastTradePoints  *int

	TimeRemainingSeconds float64
	ActiveAttemptsCount  int
	AnomalyFlag          bool
}

// LifecycleRecord is a per-cycle tracking row for an active attempt,
// written to the AttemptLifecycle table only when lifecycle tracking is
// enabled. High-volume by design.
type LifecycleRecord struct {
	LifecycleID    int64
	AttemptID      int
	CycleNumber    int
	Timestamp      time.Time
	OppositeAskPoints  *int
	DistanceToTrigger  *int
	ClosestApproachSoFar *int
}

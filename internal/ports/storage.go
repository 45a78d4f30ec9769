package ports

import (
	"context"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
)

// MarketSummary carries the final statistics computed once per market at
// settlement.
type MarketSummary struct {
	MarketID                string
	TotalAttempts           int
	TotalPairs              int
	TotalFailed             int
	SettlementFailures      int
	PairRate                float64
	AvgTimeToPairSeconds    float64
	MedianTimeToPairSeconds float64
	MaxConcurrentAttempts   int
	TotalCyclesRun          int
	AnomalyCount            int
}

// Storage is the durable writer's command-facing interface. Every method
// is a single logical command; the concrete implementation is responsible
// for serializing writes through a single connection/writer and honoring
// the at-most-once terminal-transition guarantee (a command that would
// transition an already-terminal attempt is a silent no-op, not an error).
//
// No caller other than the durable writer task invokes these methods
// directly.
type Storage interface {
	UpsertParameterSet(ctx context.Context, ps domain.ParameterSet) error
	UpsertMarket(ctx context.Context, m domain.Market) error

	InsertAttempt(ctx context.Context, a domain.Attempt) error

	// UpdateAttemptRunning applies a non-terminal update: MAE,
	// closest-approach, and the feed-gap flag. It must be a no-op if the
	// attempt has already reached a terminal status.
	UpdateAttemptRunning(ctx context.Context, a domain.Attempt) error

	// UpdateAttemptTerminal transitions an attempt to a terminal status.
	// Idempotent: applying it twice for the same attempt_id must not
	// change the second time's outcome (at-most-once).
	UpdateAttemptTerminal(ctx context.Context, a domain.Attempt) error

	InsertSnapshot(ctx context.Context, s domain.Snapshot) error
	InsertLifecycle(ctx context.Context, l domain.LifecycleRecord) error

	// FinalizeMarket runs the settlement transaction: it fails every
	// still-active attempt for the market with fail_reason
	// settlement_reached and upserts the market summary, atomically.
	FinalizeMarket(ctx context.Context, marketID string, stillActive []domain.Attempt, summary MarketSummary, settledAt int64) error

	// NextAttemptID returns the next monotonically increasing attempt id
	// for a market, satisfying (P6).
	NextAttemptID(ctx context.Context, marketID string) (int, error)

	Close() error
}

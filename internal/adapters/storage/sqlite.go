// Package storage implements the durable store the writer applies
// commands against: a SQLite database opened single-writer, with the
// schema and index set the persisted-schema contract requires.
package storage

// sqlite.go — durable, at-most-once-per-terminal-transition storage.
//
// Strategy:
//   - `attempts`: one row per attempt, inserted active and mutated in
//     place; terminal transitions are conditioned on `status = 'active'`
//     so a replayed command is a silent no-op (at-most-once).
//   - `markets` / `parameter_sets`: small, append-mostly tables upserted
//     as configuration and counters change.
//   - `snapshots` / `attempt_lifecycle`: optional, high-volume tables
//     gated by the caller's enable flags; pruned on an age cutoff at
//     startup so a long-running process doesn't grow without bound.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS parameter_sets (
    parameter_set_id          INTEGER PRIMARY KEY,
    name                       TEXT NOT NULL,
    s0_points                  INTEGER NOT NULL,
    delta_points               INTEGER NOT NULL,
    trigger_rule               TEXT NOT NULL,
    reference_price_source     TEXT NOT NULL,
    tie_break_rule             TEXT NOT NULL,
    sampling_mode              TEXT NOT NULL,
    cycle_interval_seconds     INTEGER NOT NULL,
    cycles_per_market          INTEGER NOT NULL,
    feed_gap_threshold_seconds INTEGER NOT NULL,
    stop_loss_threshold_points INTEGER,
    created_at                 DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    market_id                 TEXT PRIMARY KEY,
    crypto_asset               TEXT NOT NULL,
    condition_id                TEXT NOT NULL,
    yes_token_id                 TEXT NOT NULL,
    no_token_id                  TEXT NOT NULL,
    tick_size_points             INTEGER NOT NULL,
    start_time                   DATETIME NOT NULL,
    settlement_time              DATETIME NOT NULL,
    actual_settlement_time       DATETIME,
    parameter_set_id             INTEGER NOT NULL,
    total_attempts               INTEGER NOT NULL DEFAULT 0,
    total_pairs                  INTEGER NOT NULL DEFAULT 0,
    total_failed                 INTEGER NOT NULL DEFAULT 0,
    settlement_failures          INTEGER NOT NULL DEFAULT 0,
    anomaly_count                INTEGER NOT NULL DEFAULT 0,
    total_cycles_run             INTEGER NOT NULL DEFAULT 0,
    max_concurrent_attempts      INTEGER NOT NULL DEFAULT 0,
    pair_rate                    REAL,
    avg_time_to_pair_seconds     REAL,
    median_time_to_pair_seconds  REAL,
    cycle_interval_seconds       REAL NOT NULL DEFAULT 0,
    time_remaining_at_start      REAL NOT NULL DEFAULT 0,
    active                       INTEGER NOT NULL DEFAULT 1,
    accepting_orders             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
    attempt_id                    INTEGER NOT NULL,
    market_id                     TEXT NOT NULL,
    parameter_set_id              INTEGER NOT NULL,
    cycle_number                  INTEGER NOT NULL,
    t1_timestamp                  DATETIME NOT NULL,
    first_leg_side                TEXT NOT NULL,
    P1_points                     INTEGER NOT NULL,
    reference_yes_points          INTEGER NOT NULL,
    reference_no_points           INTEGER NOT NULL,
    time_remaining_at_start       REAL NOT NULL,
    yes_spread_entry_points       INTEGER,
    no_spread_entry_points        INTEGER,
    delta_points                  INTEGER NOT NULL,
    S0_points                     INTEGER NOT NULL,
    stop_loss_threshold_points    INTEGER,
    status                        TEXT NOT NULL,
    had_feed_gap                  INTEGER NOT NULL DEFAULT 0,
    closest_approach_points       INTEGER,
    max_adverse_excursion_points  INTEGER,
    t2_timestamp                  DATETIME,
    time_to_pair_seconds          REAL,
    time_remaining_at_completion  REAL,
    actual_opposite_price         INTEGER,
    pair_cost_points              INTEGER,
    pair_profit_points            INTEGER,
    fail_reason                   TEXT,
    yes_spread_exit_points        INTEGER,
    no_spread_exit_points         INTEGER,
    reference_sum_anomaly         INTEGER NOT NULL DEFAULT 0,
    pair_constraint_impossible    INTEGER NOT NULL DEFAULT 0,
    trigger_clamped_to_max        INTEGER NOT NULL DEFAULT 0,
    trigger_clamped_to_min        INTEGER NOT NULL DEFAULT 0,
    touched_below_trigger         INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (market_id, attempt_id)
);

CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id             INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id               TEXT NOT NULL,
    cycle_number            INTEGER NOT NULL,
    timestamp               DATETIME NOT NULL,
    yes_bid_points          INTEGER,
    yes_ask_points          INTEGER,
    no_bid_points           INTEGER,
    no_ask_points           INTEGER,
    yes_last_trade_points   INTEGER,
    no_last_trade_points    INTEGER,
    time_remaining_seconds  REAL NOT NULL,
    active_attempts_count   INTEGER NOT NULL,
    anomaly_flag            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempt_lifecycle (
    lifecycle_id             INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id               INTEGER NOT NULL,
    cycle_number             INTEGER NOT NULL,
    timestamp                DATETIME NOT NULL,
    opposite_ask_points      INTEGER,
    distance_to_trigger      INTEGER,
    closest_approach_so_far  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_attempts_t1        ON attempts(t1_timestamp);
CREATE INDEX IF NOT EXISTS idx_attempts_delta     ON attempts(delta_points);
CREATE INDEX IF NOT EXISTS idx_attempts_s0        ON attempts(S0_points);
CREATE INDEX IF NOT EXISTS idx_attempts_composite ON attempts(S0_points, delta_points, stop_loss_threshold_points, status, t1_timestamp);
CREATE INDEX IF NOT EXISTS idx_attempts_market    ON attempts(market_id);
CREATE INDEX IF NOT EXISTS idx_attempts_status    ON attempts(status);
CREATE INDEX IF NOT EXISTS idx_snapshots_market   ON snapshots(market_id, cycle_number);
CREATE INDEX IF NOT EXISTS idx_lifecycle_attempt           ON attempt_lifecycle(attempt_id, cycle_number);
`

const snapshotRetention = 14 * 24 * time.Hour

// SQLiteStorage implements ports.Storage over a pure-Go SQLite driver.
// Every method runs against a single connection, satisfying the
// single-writer discipline the durable writer relies on.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path, applies the
// schema, and prunes stale diagnostic rows.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

func (s *SQLiteStorage) UpsertParameterSet(ctx context.Context, ps domain.ParameterSet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parameter_sets
			(parameter_set_id, name, s0_points, delta_points, trigger_rule,
			 reference_price_source, tie_break_rule, sampling_mode,
			 cycle_interval_seconds, cycles_per_market,
			 feed_gap_threshold_seconds, stop_loss_threshold_points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parameter_set_id) DO NOTHING
	`,
		ps.ParameterSetID, ps.Name, ps.S0Points, ps.DeltaPoints, string(ps.TriggerRule),
		string(ps.ReferencePriceSource), ps.TieBreakRule, string(ps.SamplingMode),
		ps.CycleIntervalSeconds, ps.CyclesPerMarket, ps.FeedGapThresholdSeconds,
		ps.StopLossThresholdPoints, ps.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage.UpsertParameterSet: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertMarket(ctx context.Context, m domain.Market) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets
			(market_id, crypto_asset, condition_id, yes_token_id, no_token_id,
			 tick_size_points, start_time, settlement_time, actual_settlement_time,
			 parameter_set_id, total_attempts, total_pairs, total_failed,
			 settlement_failures, anomaly_count, total_cycles_run,
			 max_concurrent_attempts, pair_rate, avg_time_to_pair_seconds,
			 median_time_to_pair_seconds, cycle_interval_seconds,
			 time_remaining_at_start, active, accepting_orders)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			total_attempts              = excluded.total_attempts,
			total_pairs                 = excluded.total_pairs,
			total_failed                = excluded.total_failed,
			settlement_failures         = excluded.settlement_failures,
			anomaly_count               = excluded.anomaly_count,
			total_cycles_run            = excluded.total_cycles_run,
			max_concurrent_attempts     = excluded.max_concurrent_attempts,
			pair_rate                   = excluded.pair_rate,
			avg_time_to_pair_seconds    = excluded.avg_time_to_pair_seconds,
			median_time_to_pair_seconds = excluded.median_time_to_pair_seconds,
			cycle_interval_seconds      = excluded.cycle_interval_seconds,
			time_remaining_at_start     = excluded.time_remaining_at_start,
			active                      = excluded.active,
			accepting_orders            = excluded.accepting_orders,
			actual_settlement_time      = excluded.actual_settlement_time
	`,
		m.MarketID, m.CryptoAsset, m.ConditionID, m.YesTokenID, m.NoTokenID,
		m.TickSizePoints, m.StartTime, m.SettlementTime, m.ActualSettlementTime,
		m.ParameterSetID, m.TotalAttempts, m.TotalPairs, m.TotalFailed,
		m.SettlementFailures, m.AnomalyCount, m.TotalCyclesRun,
		m.MaxConcurrentAttempts, m.PairRate, m.AvgTimeToPairSeconds,
		m.MedianTimeToPairSeconds, m.CycleIntervalSeconds,
		m.TimeRemainingAtStart, boolInt(m.Active), boolInt(m.AcceptingOrders),
	)
	if err != nil {
		return fmt.Errorf("storage.UpsertMarket: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) InsertAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts
			(attempt_id, market_id, parameter_set_id, cycle_number, t1_timestamp,
			 first_leg_side, P1_points, reference_yes_points, reference_no_points,
			 time_remaining_at_start, yes_spread_entry_points, no_spread_entry_points,
			 delta_points, S0_points, stop_loss_threshold_points, status,
			 had_feed_gap, reference_sum_anomaly, pair_constraint_impossible,
			 trigger_clamped_to_max, trigger_clamped_to_min, touched_below_trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.AttemptID, a.MarketID, a.ParameterSetID, a.CycleNumber, a.T1Timestamp,
		string(a.FirstLegSide), a.P1Points, a.ReferenceYesPoints, a.ReferenceNoPoints,
		a.TimeRemainingAtStart, a.YesSpreadEntryPoints, a.NoSpreadEntryPoints,
		a.DeltaPoints, a.S0Points, a.StopLossThresholdPoints, string(a.Status),
		boolInt(a.HadFeedGap), boolInt(a.ReferenceSumAnomaly), boolInt(a.PairConstraintImpossible),
		boolInt(a.TriggerClampedToMax), boolInt(a.TriggerClampedToMin), boolInt(a.TouchedBelowTrigger),
	)
	if err != nil {
		return fmt.Errorf("storage.InsertAttempt: %w", err)
	}
	return nil
}

// UpdateAttemptRunning writes the mutable-while-active columns. The
// WHERE clause guards against overwriting a terminal row with a stale
// in-flight update delivered out of order.
func (s *SQLiteStorage) UpdateAttemptRunning(ctx context.Context, a domain.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET
			had_feed_gap = ?,
			closest_approach_points = ?,
			max_adverse_excursion_points = ?
		WHERE market_id = ? AND attempt_id = ? AND status = 'active'
	`,
		boolInt(a.HadFeedGap), a.ClosestApproachPoints, a.MaxAdverseExcursionPoints,
		a.MarketID, a.AttemptID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateAttemptRunning: %w", err)
	}
	return nil
}

// UpdateAttemptTerminal transitions the attempt to a terminal status.
// The WHERE clause makes replays of the same command idempotent: once a
// row is no longer 'active' the UPDATE matches zero rows and the call
// silently no-ops, satisfying (P7).
func (s *SQLiteStorage) UpdateAttemptTerminal(ctx context.Context, a domain.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET
			status = ?,
			t2_timestamp = ?,
			time_to_pair_seconds = ?,
			time_remaining_at_completion = ?,
			actual_opposite_price = ?,
			pair_cost_points = ?,
			pair_profit_points = ?,
			fail_reason = ?,
			yes_spread_exit_points = ?,
			no_spread_exit_points = ?,
			had_feed_gap = ?,
			closest_approach_points = ?,
			max_adverse_excursion_points = ?
		WHERE market_id = ? AND attempt_id = ? AND status = 'active'
	`,
		string(a.Status), a.T2Timestamp, a.TimeToPairSeconds, a.TimeRemainingAtCompletion,
		a.ActualOppositePrice, a.PairCostPoints, a.PairProfitPoints, failReasonStr(a.FailReason),
		a.YesSpreadExitPoints, a.NoSpreadExitPoints,
		boolInt(a.HadFeedGap), a.ClosestApproachPoints, a.MaxAdverseExcursionPoints,
		a.MarketID, a.AttemptID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateAttemptTerminal: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) InsertSnapshot(ctx context.Context, sn domain.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(market_id, cycle_number, timestamp, yes_bid_points, yes_ask_points,
			 no_bid_points, no_ask_points, yes_last_trade_points, no_last_trade_points,
			 time_remaining_seconds, active_attempts_count, anomaly_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sn.MarketID, sn.CycleNumber, sn.Timestamp, sn.YesBidPoints, sn.YesAskPoints,
		sn.NoBidPoints, sn.NoAskPoints, sn.YesLastTradePoints, sn.NoLastTradePoints,
		sn.TimeRemainingSeconds, sn.ActiveAttemptsCount, boolInt(sn.AnomalyFlag),
	)
	if err != nil {
		return fmt.Errorf("storage.InsertSnapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) InsertLifecycle(ctx context.Context, l domain.LifecycleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_lifecycle
			(attempt_id, cycle_number, timestamp, opposite_ask_points,
			 distance_to_trigger, closest_approach_so_far)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		l.AttemptID, l.CycleNumber, l.Timestamp, l.OppositeAskPoints,
		l.DistanceToTrigger, l.ClosestApproachSoFar,
	)
	if err != nil {
		return fmt.Errorf("storage.InsertLifecycle: %w", err)
	}
	return nil
}

// FinalizeMarket runs the settlement transaction: every still-active
// attempt fails with settlement_reached, and the summary columns of the
// existing market row are updated, atomically. A missing market row is
// not created.
func (s *SQLiteStorage) FinalizeMarket(ctx context.Context, marketID string, stillActive []domain.Attempt, summary ports.MarketSummary, settledAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.FinalizeMarket: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, a := range stillActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE attempts SET
				status = 'completed_failed',
				t2_timestamp = ?,
				fail_reason = 'settlement_reached',
				yes_spread_exit_points = ?,
				no_spread_exit_points = ?
			WHERE market_id = ? AND attempt_id = ? AND status = 'active'
		`, a.T2Timestamp, a.YesSpreadExitPoints, a.NoSpreadExitPoints, marketID, a.AttemptID); err != nil {
			return fmt.Errorf("storage.FinalizeMarket: fail attempt %d: %w", a.AttemptID, err)
		}
	}

	settledTime := time.Unix(settledAt, 0).UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE markets SET
			actual_settlement_time      = ?,
			total_attempts               = ?,
			total_pairs                  = ?,
			total_failed                 = ?,
			settlement_failures          = ?,
			pair_rate                    = ?,
			avg_time_to_pair_seconds     = ?,
			median_time_to_pair_seconds  = ?,
			max_concurrent_attempts      = ?,
			total_cycles_run             = ?,
			anomaly_count                = ?,
			active                       = 0
		WHERE market_id = ?
	`,
		settledTime, summary.TotalAttempts, summary.TotalPairs, summary.TotalFailed,
		summary.SettlementFailures, nullIfZero(summary.PairRate), nullIfZero(summary.AvgTimeToPairSeconds),
		nullIfZero(summary.MedianTimeToPairSeconds), summary.MaxConcurrentAttempts,
		summary.TotalCyclesRun, summary.AnomalyCount, marketID,
	); err != nil {
		return fmt.Errorf("storage.FinalizeMarket: upsert summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.FinalizeMarket: commit: %w", err)
	}
	return nil
}

// NextAttemptID returns one past the highest attempt_id seen for
// marketID, satisfying (P6) across process restarts.
func (s *SQLiteStorage) NextAttemptID(ctx context.Context, marketID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(attempt_id) FROM attempts WHERE market_id = ?`, marketID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("storage.NextAttemptID: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-snapshotRetention)
	s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE timestamp < ?`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM attempt_lifecycle WHERE timestamp < ?`, cutoff)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfZero(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

func failReasonStr(fr *domain.FailReason) *string {
	if fr == nil {
		return nil
	}
	s := string(*fr)
	return &s
}

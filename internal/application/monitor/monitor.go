// Package monitor implements the per-market monitor state machine: it
// owns the stream subscription, the order-book mirror, the cycle
// scheduler, and the active-attempt set for one market, and invokes the
// trigger evaluator once per cycle.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/pairmeasure/internal/application/evaluator"
	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

// State is one of the four market-monitor lifecycle states.
type State string

const (
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateDraining State = "DRAINING"
	StateSettled  State = "SETTLED"
)

const bootTimeoutDefault = 5 * time.Second

// WriteSink is the subset of the durable writer the monitor depends on.
// Kept as its own interface so the monitor can be tested against a fake
// without depending on the writer package's queue internals.
type WriteSink interface {
	InsertAttempt(domain.Attempt)
	UpdateAttemptRunning(domain.Attempt)
	UpdateAttemptTerminal(domain.Attempt)
	InsertSnapshot(domain.Snapshot)
	InsertLifecycle(domain.LifecycleRecord)
	UpsertMarket(domain.Market)
	UpsertParameterSet(domain.ParameterSet)
	FinalizeMarket(ctx context.Context, marketID string, stillActive []domain.Attempt, summary ports.MarketSummary, settledAt int64) error
	NextAttemptID(ctx context.Context, marketID string) (int, error)
}

// Config carries the tunables of a monitor instance that come from the
// process's quality/data configuration rather than from a ParameterSet.
type Config struct {
	BootTimeout           time.Duration
	EnableSnapshots       bool
	EnableLifecycle       bool
	MaxAnomaliesPerMarket int

	// RESTFallbackAfter is how long the stream may go silent before the
	// monitor treats it as a reconnect storm and starts refreshing the
	// order-book mirrors from Poller each cycle, in the background, until
	// the stream catches up again.
	RESTFallbackAfter time.Duration
}

// Monitor drives the full lifecycle of one observed market: subscribe,
// wait for initial data, run scheduled cycles against every configured
// parameter set sharing one snapshot per cycle, then settle.
type Monitor struct {
	Market    domain.Market
	ParamSets []domain.ParameterSet // ParamSets[0] is primary, per the engine's per-parameter-set multiplicity.

	Stream   ports.Stream
	Poller   ports.Poller
	Sink     WriteSink
	Notifier ports.Notifier
	Cfg      Config

	yes *domain.TokenMirror
	no  *domain.TokenMirror

	stateMu     sync.RWMutex
	state       State
	cycleNumber int

	draining     chan struct{}
	drainingOnce sync.Once

	active map[int][]*domain.Attempt // parameter_set_id -> active attempts

	// nextID is the last attempt_id assigned (seeded one below
	// Storage.NextAttemptID) and is incremented before each new attempt
	// takes it. It is shared across every configured parameter set:
	// attempt ids are unique per market, not per parameter set, matching
	// the (market_id, attempt_id) primary key.
	nextID int

	totalAttempts, totalPairs, totalFailed, settlementFailures int
	anomalyCount, maxConcurrent, cyclesRun                     int
	timeToPairSeconds                                          []float64

	// pollingFallbackActive is set once the stream has been silent for
	// longer than Cfg.RESTFallbackAfter, so the monitor knows to log the
	// recovery transition rather than the storm-detected transition again
	// every cycle.
	pollingFallbackActive bool

	// runID uniquely tags every log line this monitor instance emits, so
	// operators can separate two monitors that briefly overlap during
	// rotation for the same market_id.
	runID string
	log   *slog.Logger
}

// New builds a Monitor ready to Run.
func New(market domain.Market, paramSets []domain.ParameterSet, stream ports.Stream, poller ports.Poller, sink WriteSink, notifier ports.Notifier, cfg Config) *Monitor {
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = bootTimeoutDefault
	}
	runID := uuid.NewString()
	return &Monitor{
		Market:    market,
		ParamSets: paramSets,
		Stream:    stream,
		Poller:    poller,
		Sink:      sink,
		Notifier:  notifier,
		Cfg:       cfg,
		yes:       domain.NewTokenMirror(market.YesTokenID),
		no:        domain.NewTokenMirror(market.NoTokenID),
		active:    make(map[int][]*domain.Attempt),
		draining:  make(chan struct{}),
		runID:     runID,
		log:       slog.With("market_id", market.MarketID, "run_id", runID),
	}
}

// State returns the monitor's current lifecycle state. Safe to call from
// any goroutine, in particular the discovery/rotation loop that owns this
// monitor's handle.
func (mon *Monitor) State() State {
	mon.stateMu.RLock()
	defer mon.stateMu.RUnlock()
	return mon.state
}

func (mon *Monitor) setState(s State) {
	mon.stateMu.Lock()
	mon.state = s
	mon.stateMu.Unlock()
}

// MarketID returns the id of the market this monitor observes, satisfying
// discovery.MonitorHandle.
func (mon *Monitor) MarketID() string { return mon.Market.MarketID }

// Drain signals the monitor to run one final cycle and settle, regardless
// of remaining wall-clock runway. Safe to call more than once and from any
// goroutine; only the first call has an effect.
func (mon *Monitor) Drain() {
	mon.drainingOnce.Do(func() { close(mon.draining) })
}

// primary returns the parameter set that drives scheduling and the
// status/summary line.
func (mon *Monitor) primary() domain.ParameterSet { return mon.ParamSets[0] }

// Run drives the monitor through STARTING -> ACTIVE -> DRAINING ->
// SETTLED. Drain() is called by the discovery/rotation loop when it
// determines the market is no longer the active window for its asset;
// Run also self-transitions to DRAINING once wall-clock reaches
// settlement time.
func (mon *Monitor) Run(ctx context.Context) error {
	mon.setState(StateStarting)
	if err := mon.start(ctx); err != nil {
		return err
	}

	mon.setState(StateActive)
	mon.runCycles(ctx, mon.draining)

	mon.setState(StateDraining)
	// Any in-flight evaluator call has already returned by the time
	// runCycles exits its loop.

	mon.setState(StateSettled)
	return mon.settle(ctx)
}

func (mon *Monitor) start(ctx context.Context) error {
	events, errs := mon.Stream.Start(ctx, []string{mon.Market.YesTokenID, mon.Market.NoTokenID})
	go mon.consumeEvents(events, errs)

	deadline := time.NewTimer(mon.Cfg.BootTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		if !mon.yes.Snapshot(time.Now(), time.Hour).Empty && !mon.no.Snapshot(time.Now(), time.Hour).Empty {
			break
		}
		select {
		case <-deadline.C:
			mon.fallbackInitialBooks(ctx)
			goto ready
		case <-poll.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
ready:
	last, err := mon.Sink.NextAttemptID(ctx, mon.Market.MarketID)
	if err != nil {
		mon.log.Warn("monitor: could not seed attempt id counter, starting at 1", "error", err)
	} else {
		mon.nextID = last - 1
	}
	mon.Sink.UpsertMarket(mon.Market)
	return nil
}

// fallbackInitialBooks refreshes both token mirrors from Poller. Used both
// to seed the mirrors before the stream has delivered a first book (boot
// timeout) and, repeatedly, while a reconnect storm is in progress.
func (mon *Monitor) fallbackInitialBooks(ctx context.Context) {
	if mon.Poller == nil {
		return
	}
	for _, tok := range []struct {
		mirror *domain.TokenMirror
		id     string
	}{{mon.yes, mon.Market.YesTokenID}, {mon.no, mon.Market.NoTokenID}} {
		tob, err := mon.Poller.TopOfBook(ctx, tok.id)
		if err != nil {
			mon.log.Warn("monitor: polling fallback request failed", "asset_id", tok.id, "error", err)
			continue
		}
		bid, ask := parsePointsPtr(tob.BestBidPrice), parsePointsPtr(tob.BestAskPrice)
		tok.mirror.ApplyBook(bid, ask, "", "", time.Now())
	}
}

// maybePollFallback detects a reconnect storm (the stream has been silent
// for longer than Cfg.RESTFallbackAfter) and, while it lasts, refreshes
// both token mirrors from Poller every cycle so measurement continues
// through the outage. The stream itself keeps reconnecting and
// resubscribing in the background; this only bridges the gap while it
// does.
func (mon *Monitor) maybePollFallback(ctx context.Context, now time.Time) {
	if mon.Poller == nil || mon.Cfg.RESTFallbackAfter <= 0 {
		return
	}
	last := mon.Stream.LastMessageTime()
	if last.IsZero() {
		return
	}
	silentFor := now.Sub(last)
	if silentFor <= mon.Cfg.RESTFallbackAfter {
		if mon.pollingFallbackActive {
			mon.pollingFallbackActive = false
			mon.log.Info("monitor: stream recovered, resuming stream-driven updates", "silent_for", silentFor)
		}
		return
	}

	if !mon.pollingFallbackActive {
		mon.pollingFallbackActive = true
		mon.log.Warn("monitor: reconnect storm detected, falling back to REST polling", "silent_for", silentFor)
	}
	mon.fallbackInitialBooks(ctx)
}

func parsePointsPtr(s *string) *int {
	if s == nil {
		return nil
	}
	p, err := domain.PriceToPoints(*s)
	if err != nil {
		return nil
	}
	return &p
}

func (mon *Monitor) consumeEvents(events <-chan ports.StreamEvent, errs <-chan error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			mon.applyEvent(ev)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			mon.log.Warn("monitor: stream error", "error", err)
		}
	}
}

func (mon *Monitor) applyEvent(ev ports.StreamEvent) {
	mirror := mon.yes
	if ev.AssetID == mon.Market.NoTokenID {
		mirror = mon.no
	} else if ev.AssetID != mon.Market.YesTokenID {
		return
	}

	switch ev.Kind {
	case ports.StreamEventBook:
		bid, bidSize := bestLevel(ev.Bids, true)
		ask, askSize := bestLevel(ev.Asks, false)
		mirror.ApplyBook(bid, ask, bidSize, askSize, ev.ReceiveTime)
	case ports.StreamEventPriceChange:
		mirror.ApplyPriceChange(parsePointsPtr(ev.BestBid), parsePointsPtr(ev.BestAsk), ev.ReceiveTime)
	case ports.StreamEventLastTradePrice:
		if ev.Price != nil {
			if p, err := domain.PriceToPoints(*ev.Price); err == nil {
				mirror.ApplyLastTrade(p, ev.ReceiveTime)
			}
		}
	case ports.StreamEventTickSizeChange:
		mon.log.Info("monitor: tick size change event", "asset_id", ev.AssetID)
	default:
		mon.log.Debug("monitor: unknown stream event kind", "kind", ev.Kind)
	}
}

// bestLevel finds the best bid (highest price) or best ask (lowest price)
// among raw wire levels.
func bestLevel(levels []ports.BookLevel, wantHighest bool) (*int, string) {
	var bestPoints *int
	var bestSize string
	for _, lvl := range levels {
		p, err := domain.PriceToPoints(lvl.Price)
		if err != nil {
			continue
		}
		if bestPoints == nil || (wantHighest && p > *bestPoints) || (!wantHighest && p < *bestPoints) {
			v := p
			bestPoints = &v
			bestSize = lvl.Size
		}
	}
	return bestPoints, bestSize
}

func (mon *Monitor) runCycles(ctx context.Context, draining <-chan struct{}) {
	now := time.Now()
	schedule := NewSchedule(now, mon.Market.SettlementTime, mon.primary())
	mon.Market.CycleIntervalSeconds = schedule.IntervalSeconds
	mon.Market.TimeRemainingAtStart = mon.Market.TimeRemaining(now).Seconds()

	deadline := LastCycleDeadline(mon.Market.SettlementTime)
	cycleNumber := 1

	for {
		planned := schedule.PlannedInstant(cycleNumber)
		if planned.After(deadline) {
			planned = deadline
		}

		wait := time.Until(planned)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		case <-draining:
			timer.Stop()
			mon.executeCycle(ctx, cycleNumber)
			return
		}

		now = time.Now()
		missed := schedule.CyclesMissed(cycleNumber-1, now)
		if missed > 0 {
			mon.anomalyCount += missed
			mon.log.Warn("monitor: dropped missed cycles", "missed", missed)
			cycleNumber += missed
		}

		mon.executeCycle(ctx, cycleNumber)
		mon.cyclesRun++

		if !now.Before(deadline) {
			return
		}
		select {
		case <-draining:
			return
		default:
		}
		cycleNumber++
	}
}

func (mon *Monitor) executeCycle(ctx context.Context, cycleNumber int) {
	now := time.Now()
	timeRemaining := mon.Market.TimeRemaining(now).Seconds()

	mon.maybePollFallback(ctx, now)
	feedGap := mon.detectFeedGap(now)

	yesSnap := mon.yes.Snapshot(now, feedGapThreshold(mon.primary()))
	noSnap := mon.no.Snapshot(now, feedGapThreshold(mon.primary()))

	activeCount := 0
	for i, ps := range mon.ParamSets {
		activeCount += mon.runCycleForParamSet(ctx, ps, cycleNumber, now, timeRemaining, feedGap, yesSnap, noSnap, i == 0)
	}
	if activeCount > mon.maxConcurrent {
		mon.maxConcurrent = activeCount
	}

	if mon.Cfg.EnableSnapshots {
		mon.Sink.InsertSnapshot(domain.Snapshot{
			MarketID: mon.Market.MarketID, CycleNumber: cycleNumber, Timestamp: now,
			YesBidPoints: yesSnap.Bid, YesAskPoints: yesSnap.Ask,
			NoBidPoints: noSnap.Bid, NoAskPoints: noSnap.Ask,
			YesLastTradePoints: yesSnap.LastTrade, NoLastTradePoints: noSnap.LastTrade,
			TimeRemainingSeconds: timeRemaining, ActiveAttemptsCount: activeCount,
			AnomalyFlag: feedGap,
		})
	}

	mon.yes.ResetPeriod()
	mon.no.ResetPeriod()
}

// runCycleForParamSet evaluates one cycle for a single parameter set.
// isPrimary marks the first configured parameter set, the one whose
// summary drives the console/log status line; it is also used to avoid
// double-counting the anomaly counter for cycle-level conditions (feed
// gap, empty order book) that are identical across every parameter set
// sharing this cycle's snapshot, per §4.6/B2's "one increment per market
// per cycle" rule. Anomalies specific to a parameter set's own evaluation
// (e.g. a reference-sum deviation) are still counted once per set.
func (mon *Monitor) runCycleForParamSet(ctx context.Context, ps domain.ParameterSet, cycleNumber int, now time.Time, timeRemaining float64, feedGap bool, yesSnap, noSnap domain.TokenSnapshot, isPrimary bool) (activeCount int) {
	in := evaluator.CycleInput{
		Now: now, CycleNumber: cycleNumber, TickSizePoints: mon.Market.TickSizePoints,
		Params: ps, Yes: yesSnap, No: noSnap,
		ActiveAttempts:       mon.active[ps.ParameterSetID],
		TimeRemainingSeconds: timeRemaining,
		FeedGap:              feedGap,
	}
	result := evaluator.Evaluate(in)
	if !result.Skipped || isPrimary {
		mon.anomalyCount += result.AnomalyCount
	}

	if result.Skipped {
		return len(mon.active[ps.ParameterSetID])
	}

	for _, a := range result.NewAttempts {
		mon.nextID++
		a.AttemptID = mon.nextID
		a.MarketID = mon.Market.MarketID
		mon.totalAttempts++
		mon.Sink.InsertAttempt(*a)
		mon.active[ps.ParameterSetID] = append(mon.active[ps.ParameterSetID], a)
		if mon.Notifier != nil {
			mon.Notifier.ReportAttempt(*a)
		}
	}

	if len(result.Terminated) > 0 {
		terminatedSet := make(map[int]bool, len(result.Terminated))
		for _, a := range result.Terminated {
			terminatedSet[a.AttemptID] = true
			if a.Status == domain.AttemptCompletedPaired {
				mon.totalPairs++
				if a.TimeToPairSeconds != nil {
					mon.timeToPairSeconds = append(mon.timeToPairSeconds, *a.TimeToPairSeconds)
				}
			} else {
				mon.totalFailed++
			}
			mon.Sink.UpdateAttemptTerminal(*a)
		}
		remaining := mon.active[ps.ParameterSetID][:0]
		for _, a := range mon.active[ps.ParameterSetID] {
			if !terminatedSet[a.AttemptID] {
				remaining = append(remaining, a)
			}
		}
		mon.active[ps.ParameterSetID] = remaining
	}

	for _, a := range mon.active[ps.ParameterSetID] {
		mon.Sink.UpdateAttemptRunning(*a)
		if mon.Cfg.EnableLifecycle {
			mon.Sink.InsertLifecycle(domain.LifecycleRecord{
				AttemptID: a.AttemptID, CycleNumber: cycleNumber, Timestamp: now,
				DistanceToTrigger:    a.ClosestApproachPoints,
				ClosestApproachSoFar: a.ClosestApproachPoints,
			})
		}
	}

	return len(mon.active[ps.ParameterSetID])
}

func (mon *Monitor) detectFeedGap(now time.Time) bool {
	last := mon.Stream.LastMessageTime()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > feedGapThreshold(mon.primary())
}

func feedGapThreshold(ps domain.ParameterSet) time.Duration {
	return time.Duration(ps.FeedGapThresholdSeconds) * time.Second
}

func (mon *Monitor) settle(ctx context.Context) error {
	now := time.Now()

	var stillActive []domain.Attempt
	for _, list := range mon.active {
		for _, a := range list {
			a.Status = domain.AttemptCompletedFailed
			reason := domain.FailReasonSettlementReached
			a.FailReason = &reason
			mon.settlementFailures++
			mon.totalFailed++
			stillActive = append(stillActive, *a)
		}
	}

	summary := ports.MarketSummary{
		MarketID:              mon.Market.MarketID,
		TotalAttempts:         mon.totalAttempts,
		TotalPairs:            mon.totalPairs,
		TotalFailed:           mon.totalFailed,
		SettlementFailures:    mon.settlementFailures,
		MaxConcurrentAttempts: mon.maxConcurrent,
		TotalCyclesRun:        mon.cyclesRun,
		AnomalyCount:          mon.anomalyCount,
	}
	if mon.totalAttempts > 0 {
		summary.PairRate = float64(mon.totalPairs) / float64(mon.totalAttempts)
	}
	if len(mon.timeToPairSeconds) > 0 {
		summary.AvgTimeToPairSeconds = mean(mon.timeToPairSeconds)
		summary.MedianTimeToPairSeconds = median(mon.timeToPairSeconds)
	}

	err := mon.Sink.FinalizeMarket(ctx, mon.Market.MarketID, stillActive, summary, now.Unix())
	if err != nil {
		mon.log.Error("monitor: finalize market failed", "error", err)
	}

	if stopErr := mon.Stream.Stop(); stopErr != nil {
		mon.log.Warn("monitor: stream stop error", "error", stopErr)
	}

	if mon.Notifier != nil {
		settled := mon.Market
		settled.ActualSettlementTime = &now
		settled.TotalAttempts = summary.TotalAttempts
		settled.TotalPairs = summary.TotalPairs
		settled.TotalFailed = summary.TotalFailed
		settled.SettlementFailures = summary.SettlementFailures
		settled.AnomalyCount = summary.AnomalyCount
		settled.TotalCyclesRun = summary.TotalCyclesRun
		settled.MaxConcurrentAttempts = summary.MaxConcurrentAttempts
		if mon.totalAttempts > 0 {
			pairRate := summary.PairRate
			settled.PairRate = &pairRate
		}
		mon.Notifier.ReportMarketSettled(settled)
	}

	return err
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

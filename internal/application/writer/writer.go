// Package writer implements the serialized durable writer: a single
// consumer that applies attempt/market mutations from every monitor
// in-order, in batches, guaranteeing at-most-once terminal transitions.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

// batchWindow bounds how long a command may sit in the queue before being
// applied, per the engine's "bounded write latency" guarantee.
const batchWindow = 250 * time.Millisecond

// batchThreshold flushes early once this many commands have queued up.
const batchThreshold = 64

// retryBaseWait and retryMaxWait bound the exponential backoff applied to
// a command that failed to apply, mirroring the polymarket client's own
// retry/backoff shape.
const (
	retryBaseWait = 500 * time.Millisecond
	retryMaxWait  = 30 * time.Second
)

// command is the sealed set of write commands the durable writer accepts.
// Terminal commands for an already-terminal attempt id are silently
// dropped by the Storage implementation (at-most-once), not by the
// writer itself, so replays stay simple here.
type command interface{ apply(ctx context.Context, s ports.Storage) error }

type insertAttemptCmd struct{ attempt domain.Attempt }

func (c insertAttemptCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.InsertAttempt(ctx, c.attempt)
}

type updateRunningCmd struct{ attempt domain.Attempt }

func (c updateRunningCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.UpdateAttemptRunning(ctx, c.attempt)
}

type updateTerminalCmd struct{ attempt domain.Attempt }

func (c updateTerminalCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.UpdateAttemptTerminal(ctx, c.attempt)
}

type insertSnapshotCmd struct{ snapshot domain.Snapshot }

func (c insertSnapshotCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.InsertSnapshot(ctx, c.snapshot)
}

type insertLifecycleCmd struct{ record domain.LifecycleRecord }

func (c insertLifecycleCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.InsertLifecycle(ctx, c.record)
}

type upsertMarketCmd struct{ market domain.Market }

func (c upsertMarketCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.UpsertMarket(ctx, c.market)
}

type upsertParameterSetCmd struct{ ps domain.ParameterSet }

func (c upsertParameterSetCmd) apply(ctx context.Context, s ports.Storage) error {
	return s.UpsertParameterSet(ctx, c.ps)
}

// finalizeMarketCmd is applied out of band from the batch loop: settlement
// must observe a writer acknowledgement (§5), so it is submitted through
// FinalizeMarket rather than Enqueue.
type finalizeMarketCmd struct {
	marketID    string
	stillActive []domain.Attempt
	summary     ports.MarketSummary
	settledAt   int64
	done        chan error
}

// Writer is the single serialized consumer of all write commands across
// every active monitor. One Writer instance backs the whole process.
type Writer struct {
	storage ports.Storage
	queue   chan command
	final   chan finalizeMarketCmd
	fatal   chan error

	// maxBufferedOnFailure bounds how many commands may accumulate in
	// memory while the store is unreachable before the writer treats the
	// condition as fatal (kind-4 error per the taxonomy: losing
	// measurements silently is worse than halting).
	maxBufferedOnFailure int
}

// New creates a Writer backed by the given storage. Its in-process queue
// is a channel buffered to 4096 commands, not an unbounded queue:
// enqueueing blocks while it is full.
func New(storage ports.Storage, maxBufferedOnFailure int) *Writer {
	if maxBufferedOnFailure <= 0 {
		maxBufferedOnFailure = 10000
	}
	return &Writer{
		storage:              storage,
		queue:                make(chan command, 4096),
		final:                make(chan finalizeMarketCmd),
		fatal:                make(chan error, 1),
		maxBufferedOnFailure: maxBufferedOnFailure,
	}
}

// Fatal reports a breach of maxBufferedOnFailure: the caller (main) should
// treat this as SIGTERM-equivalent and begin shutdown rather than keep
// accepting measurements it cannot durably record.
func (w *Writer) Fatal() <-chan error { return w.fatal }

// failedCommand is a command that could not be applied, held in the
// writer's retry buffer with its own backoff clock so one broken command
// never blocks the ones queued behind it.
type failedCommand struct {
	cmd       command
	attempts  int
	nextRetry time.Time
}

func retryBackoff(attempts int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempts))) * retryBaseWait
	if wait > retryMaxWait {
		return retryMaxWait
	}
	return wait
}

// Run drains the queue until ctx is cancelled, applying commands in
// batches on a short timer or when the queue exceeds batchThreshold. A
// command that fails to apply is moved into a bounded in-memory retry
// buffer and retried with exponential backoff on subsequent ticks rather
// than dropped; breaching maxBufferedOnFailure is fatal (per the writer's
// kind-4 error handling: losing measurements silently is worse than
// halting). Run returns once the queue has been fully drained after
// cancellation, satisfying the "pending commands are drained before
// shutdown" guarantee.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()

	var pending []command
	var retrying []failedCommand

	flush := func() {
		if len(pending) == 0 {
			return
		}
		for _, c := range pending {
			if err := c.apply(ctx, w.storage); err != nil {
				slog.Error("writer: command failed, moving to retry buffer", "error", err, "buffered", len(retrying)+1)
				retrying = append(retrying, failedCommand{cmd: c, attempts: 1, nextRetry: time.Now().Add(retryBackoff(1))})
			}
		}
		pending = pending[:0]
		w.checkBufferCap(len(retrying))
	}

	retry := func() {
		if len(retrying) == 0 {
			return
		}
		now := time.Now()
		kept := retrying[:0]
		for _, r := range retrying {
			if now.Before(r.nextRetry) {
				kept = append(kept, r)
				continue
			}
			if err := r.cmd.apply(ctx, w.storage); err != nil {
				r.attempts++
				r.nextRetry = now.Add(retryBackoff(r.attempts))
				slog.Error("writer: retry failed", "error", err, "attempts", r.attempts, "buffered", len(retrying))
				kept = append(kept, r)
				continue
			}
		}
		retrying = kept
		w.checkBufferCap(len(retrying))
	}

	for {
		select {
		case <-ctx.Done():
			w.drainRemaining(context.Background(), &pending, &retrying)
			flush()
			retry()
			w.forceApplyRemaining(retrying)
			return
		case cmd := <-w.queue:
			pending = append(pending, cmd)
			if len(pending) >= batchThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
			retry()
		case fin := <-w.final:
			flush()
			retry()
			fin.done <- w.applyFinalize(ctx, fin)
		}
	}
}

// checkBufferCap trips Fatal() once the retry buffer exceeds
// maxBufferedOnFailure: the store has been unreachable long enough that
// continuing to accept measurements it cannot durably record would mean
// losing them silently once the process eventually exits.
func (w *Writer) checkBufferCap(buffered int) {
	if buffered <= w.maxBufferedOnFailure {
		return
	}
	slog.Error("writer: retry buffer cap breached, treating as fatal", "buffered", buffered, "cap", w.maxBufferedOnFailure)
	select {
	case w.fatal <- fmt.Errorf("writer: retry buffer exceeded cap of %d", w.maxBufferedOnFailure):
	default:
	}
}

func (w *Writer) drainRemaining(ctx context.Context, pending *[]command, retrying *[]failedCommand) {
	for {
		select {
		case cmd := <-w.queue:
			*pending = append(*pending, cmd)
		case fin := <-w.final:
			for _, c := range *pending {
				_ = c.apply(ctx, w.storage)
			}
			*pending = (*pending)[:0]
			for i := range *retrying {
				_ = (*retrying)[i].cmd.apply(ctx, w.storage)
			}
			*retrying = (*retrying)[:0]
			fin.done <- w.applyFinalize(ctx, fin)
		default:
			return
		}
	}
}

// forceApplyRemaining makes one last, unhurried attempt (with a
// background context, since ctx is already cancelled) to apply whatever
// is still sitting in the retry buffer at shutdown, so a brief store
// outage doesn't lose measurements just because the process happened to
// exit during it.
func (w *Writer) forceApplyRemaining(retrying []failedCommand) {
	for _, r := range retrying {
		if err := r.cmd.apply(context.Background(), w.storage); err != nil {
			slog.Error("writer: command still failing at shutdown, measurement lost", "error", err, "attempts", r.attempts+1)
		}
	}
}

func (w *Writer) applyFinalize(ctx context.Context, fin finalizeMarketCmd) error {
	return w.storage.FinalizeMarket(ctx, fin.marketID, fin.stillActive, fin.summary, fin.settledAt)
}

func (w *Writer) InsertAttempt(a domain.Attempt)        { w.queue <- insertAttemptCmd{a} }
func (w *Writer) UpdateAttemptRunning(a domain.Attempt) { w.queue <- updateRunningCmd{a} }
func (w *Writer) UpdateAttemptTerminal(a domain.Attempt) { w.queue <- updateTerminalCmd{a} }
func (w *Writer) InsertSnapshot(s domain.Snapshot)       { w.queue <- insertSnapshotCmd{s} }
func (w *Writer) InsertLifecycle(l domain.LifecycleRecord) { w.queue <- insertLifecycleCmd{l} }
func (w *Writer) UpsertMarket(m domain.Market)           { w.queue <- upsertMarketCmd{m} }
func (w *Writer) UpsertParameterSet(ps domain.ParameterSet) { w.queue <- upsertParameterSetCmd{ps} }

// FinalizeMarket submits the settlement transaction and blocks until the
// writer has applied it, giving the caller the acknowledgement the
// concurrency model requires at settlement.
func (w *Writer) FinalizeMarket(ctx context.Context, marketID string, stillActive []domain.Attempt, summary ports.MarketSummary, settledAt int64) error {
	done := make(chan error, 1)
	cmd := finalizeMarketCmd{marketID: marketID, stillActive: stillActive, summary: summary, settledAt: settledAt, done: done}
	select {
	case w.final <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextAttemptID delegates straight to storage: it is a point read, not a
// mutation, so it bypasses the queue.
func (w *Writer) NextAttemptID(ctx context.Context, marketID string) (int, error) {
	return w.storage.NextAttemptID(ctx, marketID)
}

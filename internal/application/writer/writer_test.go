package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu        sync.Mutex
	inserted  []domain.Attempt
	terminals []domain.Attempt
	finalized []string
	failErr   error
}

func (f *fakeStorage) UpsertParameterSet(ctx context.Context, ps domain.ParameterSet) error { return nil }
func (f *fakeStorage) UpsertMarket(ctx context.Context, m domain.Market) error              { return nil }

func (f *fakeStorage) InsertAttempt(ctx context.Context, a domain.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeStorage) UpdateAttemptRunning(ctx context.Context, a domain.Attempt) error { return nil }

func (f *fakeStorage) UpdateAttemptTerminal(ctx context.Context, a domain.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, a)
	return nil
}

func (f *fakeStorage) InsertSnapshot(ctx context.Context, s domain.Snapshot) error       { return nil }
func (f *fakeStorage) InsertLifecycle(ctx context.Context, l domain.LifecycleRecord) error { return nil }

func (f *fakeStorage) FinalizeMarket(ctx context.Context, marketID string, stillActive []domain.Attempt, summary ports.MarketSummary, settledAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, marketID)
	return nil
}

func (f *fakeStorage) NextAttemptID(ctx context.Context, marketID string) (int, error) { return 1, nil }
func (f *fakeStorage) Close() error                                                    { return nil }

func (f *fakeStorage) count() (inserted, terminals int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted), len(f.terminals)
}

func (f *fakeStorage) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func TestWriter_InsertAttemptIsApplied(t *testing.T) {
	fs := &fakeStorage{}
	w := New(fs, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.InsertAttempt(domain.Attempt{MarketID: "m1", AttemptID: 1})

	require.Eventually(t, func() bool {
		ins, _ := fs.count()
		return ins == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
}

func TestWriter_FlushesOnBatchThreshold(t *testing.T) {
	fs := &fakeStorage{}
	w := New(fs, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < batchThreshold+1; i++ {
		w.InsertAttempt(domain.Attempt{MarketID: "m1", AttemptID: i})
	}

	require.Eventually(t, func() bool {
		ins, _ := fs.count()
		return ins == batchThreshold+1
	}, time.Second, 5*time.Millisecond)

	cancel()
}

func TestWriter_FinalizeMarketBlocksUntilApplied(t *testing.T) {
	fs := &fakeStorage{}
	w := New(fs, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	err := w.FinalizeMarket(context.Background(), "m1", nil, ports.MarketSummary{MarketID: "m1"}, time.Now().Unix())
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, []string{"m1"}, fs.finalized)
}

func TestWriter_DrainsPendingOnShutdown(t *testing.T) {
	fs := &fakeStorage{}
	w := New(fs, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.InsertAttempt(domain.Attempt{MarketID: "m1", AttemptID: 1})
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not shut down")
	}

	ins, _ := fs.count()
	assert.Equal(t, 1, ins)
}

func TestWriter_RetriesFailedCommandUntilSuccess(t *testing.T) {
	fs := &fakeStorage{failErr: errors.New("store unavailable")}
	w := New(fs, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.InsertAttempt(domain.Attempt{MarketID: "m1", AttemptID: 1})

	require.Never(t, func() bool {
		ins, _ := fs.count()
		return ins == 1
	}, 100*time.Millisecond, 10*time.Millisecond, "command should sit in the retry buffer while the store is down")

	fs.setFail(nil)

	require.Eventually(t, func() bool {
		ins, _ := fs.count()
		return ins == 1
	}, 3*time.Second, 20*time.Millisecond, "command should be retried and applied once the store recovers")
}

func TestWriter_TripsFatalWhenRetryBufferCapBreached(t *testing.T) {
	fs := &fakeStorage{failErr: errors.New("store unavailable")}
	w := New(fs, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.InsertAttempt(domain.Attempt{MarketID: "m1", AttemptID: 1})
	w.InsertAttempt(domain.Attempt{MarketID: "m1", AttemptID: 2})

	select {
	case err := <-w.Fatal():
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Fatal() to fire once the retry buffer exceeded its cap")
	}
}

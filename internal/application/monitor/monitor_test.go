package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu       sync.Mutex
	events   chan ports.StreamEvent
	errs     chan error
	stopped  bool
	lastMsg  time.Time
	started  []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan ports.StreamEvent, 16), errs: make(chan error, 1)}
}

func (f *fakeStream) Start(ctx context.Context, assetIDs []string) (<-chan ports.StreamEvent, <-chan error) {
	f.mu.Lock()
	f.started = assetIDs
	f.mu.Unlock()
	return f.events, f.errs
}
func (f *fakeStream) Subscribe(ctx context.Context, assetIDs []string) error   { return nil }
func (f *fakeStream) Unsubscribe(ctx context.Context, assetIDs []string) error { return nil }
func (f *fakeStream) LastMessageTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMsg
}
func (f *fakeStream) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) push(ev ports.StreamEvent) {
	f.mu.Lock()
	f.lastMsg = ev.ReceiveTime
	f.mu.Unlock()
	f.events <- ev
}

type fakePoller struct{}

func (fakePoller) BestPrice(ctx context.Context, assetID string) (*string, *string, error) {
	return nil, nil, nil
}
func (fakePoller) Midpoint(ctx context.Context, assetID string) (*string, error) { return nil, nil }
func (fakePoller) TopOfBook(ctx context.Context, assetID string) (ports.TopOfBook, error) {
	return ports.TopOfBook{AssetID: assetID}, nil
}
func (fakePoller) BatchTopOfBook(ctx context.Context, assetIDs []string) ([]ports.TopOfBook, error) {
	return nil, nil
}
func (fakePoller) ServerTime(ctx context.Context) (time.Time, error) { return time.Now(), nil }

type fakeSink struct {
	mu         sync.Mutex
	inserted   []domain.Attempt
	terminals  []domain.Attempt
	finalized  bool
	nextIDCall int
}

func (f *fakeSink) InsertAttempt(a domain.Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, a)
}
func (f *fakeSink) UpdateAttemptRunning(a domain.Attempt) {}
func (f *fakeSink) UpdateAttemptTerminal(a domain.Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, a)
}
func (f *fakeSink) InsertSnapshot(s domain.Snapshot)          {}
func (f *fakeSink) InsertLifecycle(l domain.LifecycleRecord)  {}
func (f *fakeSink) UpsertMarket(m domain.Market)              {}
func (f *fakeSink) UpsertParameterSet(ps domain.ParameterSet) {}
func (f *fakeSink) FinalizeMarket(ctx context.Context, marketID string, stillActive []domain.Attempt, summary ports.MarketSummary, settledAt int64) error {
	f.mu.Lock()
	f.finalized = true
	f.mu.Unlock()
	return nil
}
func (f *fakeSink) NextAttemptID(ctx context.Context, marketID string) (int, error) { return 1, nil }

type fakeNotifier struct {
	mu       sync.Mutex
	reported []domain.Attempt
	settled  bool
}

func (f *fakeNotifier) ReportCycle(statuses []ports.MonitorStatus) {}
func (f *fakeNotifier) ReportAttempt(a domain.Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, a)
}
func (f *fakeNotifier) ReportMarketSettled(m domain.Market) {
	f.mu.Lock()
	f.settled = true
	f.mu.Unlock()
}

func testMarket() domain.Market {
	return domain.Market{
		MarketID: "btc-updown-15m-1", CryptoAsset: "btc",
		YesTokenID: "yes-tok", NoTokenID: "no-tok",
		TickSizePoints: 1,
		StartTime:      time.Now(),
		SettlementTime: time.Now().Add(300 * time.Millisecond),
		ParameterSetID: 1,
	}
}

func testParamSet() domain.ParameterSet {
	return domain.ParameterSet{
		ParameterSetID: 1, Name: "baseline",
		S0Points: 5, DeltaPoints: 3,
		TriggerRule: domain.TriggerRuleAskTouch, ReferencePriceSource: domain.ReferenceMidpoint,
		SamplingMode: domain.SamplingFixedInterval, CycleIntervalSeconds: 1,
		FeedGapThresholdSeconds: 5,
	}
}

func TestMonitor_RunReachesSettledAndFinalizes(t *testing.T) {
	stream := newFakeStream()
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	mon := New(testMarket(), []domain.ParameterSet{testParamSet()}, stream, fakePoller{}, sink, notifier, Config{BootTimeout: 50 * time.Millisecond})

	go func() {
		time.Sleep(10 * time.Millisecond)
		stream.push(ports.StreamEvent{Kind: ports.StreamEventBook, AssetID: "yes-tok",
			Bids: []ports.BookLevel{{Price: "0.40", Size: "10"}}, Asks: []ports.BookLevel{{Price: "0.42", Size: "10"}},
			ReceiveTime: time.Now()})
		stream.push(ports.StreamEvent{Kind: ports.StreamEventBook, AssetID: "no-tok",
			Bids: []ports.BookLevel{{Price: "0.55", Size: "10"}}, Asks: []ports.BookLevel{{Price: "0.57", Size: "10"}},
			ReceiveTime: time.Now()})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := mon.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateSettled, mon.State())
	assert.True(t, notifier.settled)
	sink.mu.Lock()
	assert.True(t, sink.finalized)
	sink.mu.Unlock()
	assert.True(t, stream.stopped)
}

func TestMonitor_DrainStopsCyclesEarly(t *testing.T) {
	stream := newFakeStream()
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	market := testMarket()
	market.SettlementTime = time.Now().Add(time.Hour)
	mon := New(market, []domain.ParameterSet{testParamSet()}, stream, fakePoller{}, sink, notifier, Config{BootTimeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { done <- mon.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	mon.Drain()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not settle after Drain")
	}
	assert.Equal(t, StateSettled, mon.State())
}

func TestMonitor_MarketIDMatchesConstructor(t *testing.T) {
	mon := New(testMarket(), []domain.ParameterSet{testParamSet()}, newFakeStream(), fakePoller{}, &fakeSink{}, &fakeNotifier{}, Config{})
	assert.Equal(t, "btc-updown-15m-1", mon.MarketID())
}

package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

const (
	defaultStreamURL         = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	defaultPingInterval      = 30 * time.Second
	backoffMin               = 1 * time.Second
	defaultReconnectMaxDelay = 60 * time.Second
)

// StreamConfig tunes the reconnecting session's heartbeat and backoff
// behavior. Zero values fall back to the production defaults.
type StreamConfig struct {
	PingInterval      time.Duration
	ReconnectMaxDelay time.Duration
}

// StreamAdapter implements ports.Stream against the CLOB market-channel
// websocket. On every reconnect it resubscribes the full current
// asset-id set, matching the reference client's recovery behavior.
type StreamAdapter struct {
	url               string
	pingInterval      time.Duration
	reconnectMaxDelay time.Duration

	mu        sync.Mutex
	assetIDs  map[string]struct{}
	lastMsg   atomicTime
	out       chan ports.StreamEvent
	errs      chan error
	cancel    context.CancelFunc
	conn      *websocket.Conn
	connMu    sync.Mutex
	closeOnce sync.Once
}

// atomicTime is a tiny mutex-guarded clock, avoiding a dependency on
// atomic.Value for a single time.Time field read far more often than
// written.
type atomicTime struct {
	mu sync.RWMutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) { a.mu.Lock(); a.t = t; a.mu.Unlock() }
func (a *atomicTime) get() time.Time  { a.mu.RLock(); defer a.mu.RUnlock(); return a.t }

// NewStreamAdapter builds a StreamAdapter against url, or the production
// endpoint if url is empty. cfg tunes heartbeat and reconnect behavior;
// its zero value uses the production defaults.
func NewStreamAdapter(url string, cfg StreamConfig) *StreamAdapter {
	if url == "" {
		url = defaultStreamURL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	return &StreamAdapter{
		url:               url,
		pingInterval:      cfg.PingInterval,
		reconnectMaxDelay: cfg.ReconnectMaxDelay,
		assetIDs:          make(map[string]struct{}),
		out:               make(chan ports.StreamEvent, 256),
		errs:              make(chan error, 16),
	}
}

// Start begins the reconnecting session loop and returns the event and
// error channels, both closed once the session is stopped.
func (s *StreamAdapter) Start(ctx context.Context, assetIDs []string) (<-chan ports.StreamEvent, <-chan error) {
	s.mu.Lock()
	for _, id := range assetIDs {
		s.assetIDs[id] = struct{}{}
	}
	s.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.connectionLoop(sessionCtx)
	return s.out, s.errs
}

func (s *StreamAdapter) Subscribe(ctx context.Context, assetIDs []string) error {
	s.mu.Lock()
	for _, id := range assetIDs {
		s.assetIDs[id] = struct{}{}
	}
	ids := s.snapshotAssetIDs()
	s.mu.Unlock()
	return s.sendSubscribe(ids)
}

func (s *StreamAdapter) Unsubscribe(ctx context.Context, assetIDs []string) error {
	s.mu.Lock()
	for _, id := range assetIDs {
		delete(s.assetIDs, id)
	}
	ids := s.snapshotAssetIDs()
	s.mu.Unlock()
	return s.sendSubscribe(ids)
}

func (s *StreamAdapter) LastMessageTime() time.Time { return s.lastMsg.get() }

func (s *StreamAdapter) Stop() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

func (s *StreamAdapter) snapshotAssetIDs() []string {
	ids := make([]string, 0, len(s.assetIDs))
	for id := range s.assetIDs {
		ids = append(ids, id)
	}
	return ids
}

func (s *StreamAdapter) sendSubscribe(ids []string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil // session not up yet; connectionLoop subscribes on connect
	}
	msg := wsSubscribeMessage{AssetsIDs: ids, Type: "market"}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stream: marshal subscribe: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// connectionLoop dials, subscribes, and runs one session at a time,
// reconnecting with exponential backoff and jitter on any failure until
// ctx is cancelled.
func (s *StreamAdapter) connectionLoop(ctx context.Context) {
	defer close(s.out)
	defer close(s.errs)

	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.emitErr(fmt.Errorf("stream: dial: %w", err))
			sleepWithJitter(ctx, backoff)
			backoff = s.nextBackoff(backoff)
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		backoff = backoffMin

		s.mu.Lock()
		ids := s.snapshotAssetIDs()
		s.mu.Unlock()
		if err := s.sendSubscribe(ids); err != nil {
			s.emitErr(fmt.Errorf("stream: initial subscribe: %w", err))
		}

		if err := s.runSession(ctx, conn); err != nil && ctx.Err() == nil {
			s.emitErr(err)
		}

		_ = conn.Close()
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		sleepWithJitter(ctx, backoff)
		backoff = s.nextBackoff(backoff)
	}
}

func (s *StreamAdapter) runSession(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	readDeadline := 2 * s.pingInterval

	go func() {
		defer stopAll()
		t := time.NewTicker(s.pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.emitErr(fmt.Errorf("stream: ping: %w", err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream: read: %w", err)
		}
		now := time.Now()
		s.lastMsg.set(now)
		_ = conn.SetReadDeadline(now.Add(readDeadline))

		if typ != websocket.TextMessage || len(raw) == 0 {
			continue
		}

		var events []wsMessage
		if raw[0] == '[' {
			if err := json.Unmarshal(raw, &events); err != nil {
				s.emitErr(fmt.Errorf("stream: decode batch: %w", err))
				continue
			}
		} else {
			var single wsMessage
			if err := json.Unmarshal(raw, &single); err != nil {
				s.emitErr(fmt.Errorf("stream: decode message: %w", err))
				continue
			}
			events = []wsMessage{single}
		}

		for _, m := range events {
			s.dispatch(m)
		}
	}
}

// dispatch translates one wire message into a StreamEvent, mirroring the
// reference client's event_type switch.
func (s *StreamAdapter) dispatch(m wsMessage) {
	now := time.Now()
	switch m.EventType {
	case "book":
		s.emit(ports.StreamEvent{
			Kind: ports.StreamEventBook, AssetID: m.AssetID, ReceiveTime: now,
			Bids: toBookLevels(m.Bids), Asks: toBookLevels(m.Asks),
		})
	case "price_change":
		var bid, ask *string
		if m.BestBid != "" {
			b := m.BestBid
			bid = &b
		}
		if m.BestAsk != "" {
			a := m.BestAsk
			ask = &a
		}
		s.emit(ports.StreamEvent{
			Kind: ports.StreamEventPriceChange, AssetID: m.AssetID, ReceiveTime: now,
			BestBid: bid, BestAsk: ask,
		})
	case "last_trade_price":
		var price *string
		if m.Price != "" {
			p := m.Price
			price = &p
		}
		s.emit(ports.StreamEvent{
			Kind: ports.StreamEventLastTradePrice, AssetID: m.AssetID, ReceiveTime: now,
			Price: price,
		})
	case "tick_size_change":
		var tick *string
		if m.TickSize != "" {
			t := m.TickSize
			tick = &t
		}
		s.emit(ports.StreamEvent{
			Kind: ports.StreamEventTickSizeChange, AssetID: m.AssetID, ReceiveTime: now,
			NewTickSize: tick,
		})
	}
}

func toBookLevels(levels []clobBookLevel) []ports.BookLevel {
	out := make([]ports.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = ports.BookLevel{Price: l.Price, Size: l.Size}
	}
	return out
}

func (s *StreamAdapter) emit(ev ports.StreamEvent) {
	select {
	case s.out <- ev:
	default:
	}
}

func (s *StreamAdapter) emitErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *StreamAdapter) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > s.reconnectMaxDelay {
		return s.reconnectMaxDelay
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

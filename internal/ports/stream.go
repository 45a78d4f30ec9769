package ports

import (
	"context"
	"time"
)

// StreamEventKind names the four wire event kinds the stream client
// understands. Any other kind is ignored; such messages are not counted.
type StreamEventKind string

const (
	StreamEventBook           StreamEventKind = "book"
	StreamEventPriceChange    StreamEventKind = "price_change"
	StreamEventLastTradePrice StreamEventKind = "last_trade_price"
	StreamEventTickSizeChange StreamEventKind = "tick_size_change"
)

// BookLevel is one price level of a full order-book snapshot event.
type BookLevel struct {
	Price string // decimal string, parsed exactly by the caller
	Size  string
}

// StreamEvent is a single parsed message emitted by the stream client to
// its owning monitor, tagged with the wall-clock receive time.
type StreamEvent struct {
	Kind      StreamEventKind
	AssetID   string
	ReceiveTime time.Time

	// Populated for StreamEventBook.
	Bids []BookLevel
	Asks []BookLevel

	// Populated for StreamEventPriceChange.
	BestBid *string
	BestAsk *string

	// Populated for StreamEventLastTradePrice.
	Price *string

	// Populated for StreamEventTickSizeChange.
	NewTickSize *string
}

// Stream is the abstract session-oriented feed interface. Implementations
// must resubscribe the full current asset-id set on every reconnect before
// delivering further events, and must never propagate transport or parse
// errors to the caller as panics — those failures are reported out-of-band
// via the errs channel returned by Start.
type Stream interface {
	// Start establishes the session and begins delivering events for the
	// given initial asset ids. The returned channels are closed when ctx
	// is cancelled or Stop is called.
	Start(ctx context.Context, assetIDs []string) (<-chan StreamEvent, <-chan error)

	// Subscribe adds asset ids to the live session without tearing it
	// down.
	Subscribe(ctx context.Context, assetIDs []string) error

	// Unsubscribe removes asset ids from the live session.
	Unsubscribe(ctx context.Context, assetIDs []string) error

	// LastMessageTime returns the wall-clock time of the most recently
	// received message, or the zero time if none has arrived yet.
	LastMessageTime() time.Time

	// Stop gracefully tears down the session.
	Stop() error
}

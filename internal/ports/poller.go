package ports

import (
	"context"
	"time"
)

// TopOfBook is the polling-fallback shape of a single token's best prices.
type TopOfBook struct {
	AssetID       string
	BestBidPrice  *string
	BestAskPrice  *string
	MidpointPrice *string
}

// Poller is the polling-fallback interface used when the stream session is
// down or in a reconnect storm. Every method must honor ctx and should
// apply a short per-request timeout at the implementation level (default
// 5s per spec).
type Poller interface {
	BestPrice(ctx context.Context, assetID string) (bid, ask *string, err error)
	Midpoint(ctx context.Context, assetID string) (*string, error)
	TopOfBook(ctx context.Context, assetID string) (TopOfBook, error)
	BatchTopOfBook(ctx context.Context, assetIDs []string) ([]TopOfBook, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

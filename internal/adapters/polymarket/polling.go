package polymarket

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

// PollingAdapter implements ports.Poller against the CLOB REST endpoints,
// used as the fallback data path when the stream session is down or
// still reconnecting.
type PollingAdapter struct {
	client *Client
}

// NewPollingAdapter wraps client as a ports.Poller.
func NewPollingAdapter(client *Client) *PollingAdapter {
	return &PollingAdapter{client: client}
}

// BestPrice fetches the full book for assetID and returns its best bid
// and ask.
func (p *PollingAdapter) BestPrice(ctx context.Context, assetID string) (bid, ask *string, err error) {
	book, err := p.book(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	return bestOf(book.Bids, true), bestOf(book.Asks, false), nil
}

// Midpoint calls CLOB's dedicated midpoint endpoint.
func (p *PollingAdapter) Midpoint(ctx context.Context, assetID string) (*string, error) {
	u := fmt.Sprintf("%s/midpoint?token_id=%s", p.client.clobBase, url.QueryEscape(assetID))
	var resp clobMidpointResponse
	if err := p.client.get(ctx, p.client.clobLimiter, classLive, u, &resp); err != nil {
		return nil, fmt.Errorf("polling: midpoint %s: %w", assetID, err)
	}
	if resp.Mid == "" {
		return nil, nil
	}
	return &resp.Mid, nil
}

// TopOfBook combines a book fetch with a midpoint fetch into one record.
func (p *PollingAdapter) TopOfBook(ctx context.Context, assetID string) (ports.TopOfBook, error) {
	book, err := p.book(ctx, assetID)
	if err != nil {
		return ports.TopOfBook{}, err
	}
	mid, err := p.Midpoint(ctx, assetID)
	if err != nil {
		mid = nil // midpoint is best-effort; the book alone still answers the call
	}
	return ports.TopOfBook{
		AssetID:       assetID,
		BestBidPrice:  bestOf(book.Bids, true),
		BestAskPrice:  bestOf(book.Asks, false),
		MidpointPrice: mid,
	}, nil
}

// BatchTopOfBook fetches every asset's book in a single POST /books call
// and pairs results back up by asset id.
func (p *PollingAdapter) BatchTopOfBook(ctx context.Context, assetIDs []string) ([]ports.TopOfBook, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	req := make([]clobBooksRequestItem, len(assetIDs))
	for i, id := range assetIDs {
		req[i] = clobBooksRequestItem{TokenID: id}
	}
	var books []clobBookResponse
	u := fmt.Sprintf("%s/books", p.client.clobBase)
	if err := p.client.post(ctx, p.client.booksLimiter, classLive, u, req, &books); err != nil {
		return nil, fmt.Errorf("polling: batch books: %w", err)
	}
	out := make([]ports.TopOfBook, 0, len(books))
	for _, b := range books {
		out = append(out, ports.TopOfBook{
			AssetID:      b.AssetID,
			BestBidPrice: bestOf(b.Bids, true),
			BestAskPrice: bestOf(b.Asks, false),
		})
	}
	return out, nil
}

// ServerTime reads CLOB's /time endpoint for clock-skew correction.
func (p *PollingAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	u := fmt.Sprintf("%s/time", p.client.clobBase)
	var epoch int64
	if err := p.client.get(ctx, p.client.clobLimiter, classLive, u, &epoch); err != nil {
		return time.Time{}, fmt.Errorf("polling: server time: %w", err)
	}
	return time.Unix(epoch, 0).UTC(), nil
}

func (p *PollingAdapter) book(ctx context.Context, assetID string) (clobBookResponse, error) {
	u := fmt.Sprintf("%s/book?token_id=%s", p.client.clobBase, url.QueryEscape(assetID))
	var book clobBookResponse
	if err := p.client.get(ctx, p.client.booksLimiter, classLive, u, &book); err != nil {
		return clobBookResponse{}, fmt.Errorf("polling: book %s: %w", assetID, err)
	}
	return book, nil
}

// bestOf returns the highest (wantHighest) or lowest price among levels,
// comparing by parsed integer points so string sorting never applies.
func bestOf(levels []clobBookLevel, wantHighest bool) *string {
	var best *string
	var bestPoints int
	for i, lvl := range levels {
		p, err := domain.PriceToPoints(lvl.Price)
		if err != nil {
			continue
		}
		if best == nil || (wantHighest && p > bestPoints) || (!wantHighest && p < bestPoints) {
			price := levels[i].Price
			best = &price
			bestPoints = p
		}
	}
	return best
}

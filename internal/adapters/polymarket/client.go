// Package polymarket implements the discovery, polling-fallback, and
// streaming ports against Polymarket's Gamma and CLOB HTTP/WS APIs.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCLOBBase  = "https://clob.polymarket.com"
	defaultGammaBase = "https://gamma-api.polymarket.com"

	// Rate limits held at 60% of the documented ceilings.
	// CLOB /books: 500/10s -> 300/10s -> 30/s
	booksRatePerSec = 30
	// Gamma /events: 300/10s -> 180/10s -> 18/s
	gammaRatePerSec = 18
	// CLOB general (/price, /midpoint, time): 9000/10s -> 5400/10s -> 540/s
	generalRatePerSec = 540

	baseRetryWait = 500 * time.Millisecond

	// discoveryTimeout/discoveryMaxRetries bound catalog lookups: they run
	// off the measurement hot path (once per rotation interval), so it is
	// worth waiting out a slow Gamma response rather than giving up early.
	discoveryTimeout    = 10 * time.Second
	discoveryMaxRetries = 3

	// liveReadTimeout/liveMaxRetries bound book/midpoint/time reads taken
	// inside a running cycle: a passive measurement misses its window if a
	// read stalls, so these favor a fast, bounded failure over patient
	// retrying. A skipped cycle is recorded as an anomaly and costs
	// nothing; a cycle delayed by a slow retry loop costs a whole tick.
	liveReadTimeout = 5 * time.Second
	liveMaxRetries  = 1
)

// requestClass distinguishes the retry/timeout policy applied to a call:
// catalog lookups can afford to be patient, live cycle reads cannot.
type requestClass int

const (
	classDiscovery requestClass = iota
	classLive
)

func (rc requestClass) timeout() time.Duration {
	if rc == classLive {
		return liveReadTimeout
	}
	return discoveryTimeout
}

func (rc requestClass) maxRetries() int {
	if rc == classLive {
		return liveMaxRetries
	}
	return discoveryMaxRetries
}

// Client is the rate-limited, retrying HTTP client shared by the
// discovery and polling-fallback adapters.
type Client struct {
	http         *http.Client
	clobBase     string
	gammaBase    string
	clobLimiter  *rate.Limiter
	gammaLimiter *rate.Limiter
	booksLimiter *rate.Limiter
}

// NewClient builds a Client against the given base URLs. Empty strings
// fall back to the production endpoints.
func NewClient(clobBase, gammaBase string) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if gammaBase == "" {
		gammaBase = defaultGammaBase
	}
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		clobBase:     clobBase,
		gammaBase:    gammaBase,
		clobLimiter:  rate.NewLimiter(generalRatePerSec, 50),
		gammaLimiter: rate.NewLimiter(gammaRatePerSec, 10),
		booksLimiter: rate.NewLimiter(booksRatePerSec, 5),
	}
}

func (c *Client) get(ctx context.Context, limiter *rate.Limiter, rc requestClass, url string, out any) error {
	return c.doWithRetry(ctx, limiter, rc, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

func (c *Client) post(ctx context.Context, limiter *rate.Limiter, rc requestClass, url string, body, out any) error {
	return c.doWithRetry(ctx, limiter, rc, func(ctx context.Context) (*http.Response, error) {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry runs fn with exponential backoff, retrying on 429 and 5xx
// up to rc's maxRetries, with each attempt bounded by rc's timeout. Live
// cycle reads (classLive) get a short deadline and give up fast so a
// stalled fallback poll never blocks the next cycle tick; catalog lookups
// (classDiscovery) get a longer deadline and more patience since nothing
// downstream is waiting on a fixed clock.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, rc requestClass, fn func(context.Context) (*http.Response, error), out any) error {
	maxRetries := rc.maxRetries()
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, rc.timeout())
		resp, err := fn(attemptCtx)
		cancel()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("polymarket: rate limited by API", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

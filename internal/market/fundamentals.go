// Package market - fundamentals.go fetches PE/PB ratios and caches them
// in-process keyed by (ticker, session id), adapted from the teacher's
// session-scoped caching idiom in cmd/dashboard (short-TTL read caches)
// but narrowed to the single entry this data needs.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/callpipeline"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/circuit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

// Fundamentals holds the two ratios EntryEngine's fundamental filter
// consumes. Either may be nil when the broker doesn't publish it.
type Fundamentals struct {
	PE *float64
	PB *float64
}

type fundamentalsCacheEntry struct {
	value     Fundamentals
	sessionID string
	expiresAt time.Time
}

// FundamentalsConfig configures the fundamentals endpoint.
type FundamentalsConfig struct {
	BaseURL     string
	ConsumerKey string
	TTL         time.Duration // default 24h
}

// FundamentalsFetcher fetches and caches PE/PB for tickers. The cache key
// is (ticker, sessionID): a fresh login invalidates every entry tied to
// the prior session without an explicit flush.
type FundamentalsFetcher struct {
	cfg      FundamentalsConfig
	client   *http.Client
	token    func() string
	sessionID func() string
	pipeline *callpipeline.Pipeline

	mu    sync.Mutex
	cache map[string]fundamentalsCacheEntry
}

// NewFundamentalsFetcher creates a fetcher. sessionID returns an opaque
// identifier that changes whenever the broker session is re-established
// (e.g. the session JWT itself, or a counter bumped on re-login).
func NewFundamentalsFetcher(cfg FundamentalsConfig, token func() string, sessionID func() string, pipeline *callpipeline.Pipeline) *FundamentalsFetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gw-napi.kotaksecurities.com"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &FundamentalsFetcher{
		cfg:       cfg,
		client:    &http.Client{Timeout: 15 * time.Second},
		token:     token,
		sessionID: sessionID,
		pipeline:  pipeline,
		cache:     make(map[string]fundamentalsCacheEntry),
	}
}

type fundamentalsResp struct {
	PE *float64 `json:"pe"`
	PB *float64 `json:"pb"`
}

// FetchFundamentals returns {pe, pb} for ticker. A cache hit for the
// current session skips the network call entirely. Errors are never
// cached: every call after a miss retries against the endpoint.
func (f *FundamentalsFetcher) FetchFundamentals(ctx context.Context, ticker string) (Fundamentals, error) {
	sid := f.sessionID()

	f.mu.Lock()
	entry, ok := f.cache[ticker]
	f.mu.Unlock()
	if ok && entry.sessionID == sid && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	result, err := callpipeline.Call(ctx, f.pipeline, circuit.ClassFundamentals, func(ctx context.Context) (Fundamentals, error) {
		return f.fetch(ctx, ticker)
	})
	if err != nil {
		return Fundamentals{}, err
	}
	if result.PE == nil && result.PB == nil {
		// Nothing published (e.g. a 404): return the null pair uncached.
		return result, nil
	}

	f.mu.Lock()
	f.cache[ticker] = fundamentalsCacheEntry{
		value:     result,
		sessionID: sid,
		expiresAt: time.Now().Add(f.cfg.TTL),
	}
	f.mu.Unlock()

	return result, nil
}

func (f *FundamentalsFetcher) fetch(ctx context.Context, ticker string) (Fundamentals, error) {
	url := fmt.Sprintf("%s/Quotes/1.0/fundamentals?symbol=%s", f.cfg.BaseURL, ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fundamentals{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-consumer-key", f.cfg.ConsumerKey)
	if tok := f.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Fundamentals{}, errs.New(errs.Transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fundamentals{}, errs.New(errs.Transient, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Fundamentals{}, errs.Newf(errs.AuthExpired, "market: fundamentals 401: %s", string(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return Fundamentals{}, errs.Newf(errs.RateLimited, "market: fundamentals 429: %s", string(body))
	case resp.StatusCode == http.StatusNotFound:
		// No fundamentals published for this ticker: not an error, just
		// both ratios unset. FetchFundamentals does not cache this result.
		return Fundamentals{}, nil
	case resp.StatusCode >= 500:
		return Fundamentals{}, errs.Newf(errs.Transient, "market: fundamentals %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode >= 400:
		return Fundamentals{}, errs.Newf(errs.BrokerReject, "market: fundamentals %d: %s", resp.StatusCode, string(body))
	}

	var parsed fundamentalsResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Fundamentals{}, fmt.Errorf("parse fundamentals response: %w", err)
	}
	return Fundamentals{PE: parsed.PE, PB: parsed.PB}, nil
}

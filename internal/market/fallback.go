// Package market - fallback.go implements get_ltp_fallback: prefer a
// fresh WebSocket tick, fall back to the last daily close when the feed
// is stale or has nothing cached yet.
package market

import (
	"context"
	"fmt"
)

// PriceSource identifies which path produced a PriceFallback result.
type PriceSource string

const (
	SourceLiveWS        PriceSource = "live_ws"
	SourceLastDailyClose PriceSource = "last_daily_close"
)

// PriceResult carries the resolved price and which source produced it,
// so callers can reason about freshness downstream.
type PriceResult struct {
	Price  float64
	Source PriceSource
}

// PriceFallback resolves a current price for brokerSymbol/ticker: the
// live WebSocket cache if a tick younger than StaleThreshold exists,
// otherwise the most recent daily close from historical OHLCV.
type PriceFallback struct {
	live       *LivePriceCache
	historical *HistoricalFetcher
}

// NewPriceFallback wires a live cache and historical fetcher together.
func NewPriceFallback(live *LivePriceCache, historical *HistoricalFetcher) *PriceFallback {
	return &PriceFallback{live: live, historical: historical}
}

// GetLTPFallback returns the best available price for brokerSymbol. The
// WebSocket path is tried first; historical.FetchOHLCV backs it when the
// feed has nothing fresh. The instrumentToken argument is the broker's
// resolved instrument identifier for the historical request.
func (p *PriceFallback) GetLTPFallback(ctx context.Context, brokerSymbol, ticker, instrumentToken string) (PriceResult, error) {
	if p.live != nil {
		if price, age, ok := p.live.GetLTP(brokerSymbol); ok && age <= StaleThreshold {
			return PriceResult{Price: price, Source: SourceLiveWS}, nil
		}
	}

	candles, err := p.historical.FetchOHLCV(ctx, ticker, instrumentToken, IntervalDaily, 1)
	if err != nil && len(candles) == 0 {
		return PriceResult{}, fmt.Errorf("market: no live tick and no historical close for %s: %w", ticker, err)
	}
	if len(candles) == 0 {
		return PriceResult{}, fmt.Errorf("market: no price available for %s", ticker)
	}
	last := candles[len(candles)-1]
	return PriceResult{Price: last.Close, Source: SourceLastDailyClose}, nil
}

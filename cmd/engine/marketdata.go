package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/broker"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/callpipeline"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/config"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/entry"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/indicators"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/market"
)

// marketData wires the historical/fundamentals/live-price fetchers behind
// the function-value seams EntryEngine and ExitEngine depend on, and owns
// the scrip-master cache both need to turn a ticker into the instrument
// token those fetchers require.
type marketData struct {
	historical   *market.HistoricalFetcher
	fundamentals *market.FundamentalsFetcher
	live         *market.LivePriceCache
	fallback     *market.PriceFallback
	logger       *log.Logger

	mu   sync.RWMutex
	scrip map[string]string
}

func newMarketData(cfg *config.Config, dataBroker broker.Broker, pipeline *callpipeline.Pipeline, logger *log.Logger) *marketData {
	var kotakCfg broker.KotakNeoConfig
	if raw, ok := cfg.BrokerConfig["kotakneo"]; ok {
		if err := json.Unmarshal(raw, &kotakCfg); err != nil {
			logger.Printf("WARNING: could not parse kotakneo broker_config for market data endpoints: %v", err)
		}
	}

	historical := market.NewHistoricalFetcher(market.HistoricalConfig{BaseURL: kotakCfg.BaseURL, ConsumerKey: kotakCfg.ConsumerKey}, dataBroker.Token, pipeline)
	sessionCounter := 0
	sessionID := func() string { sessionCounter++; return dataBroker.Token() }
	fundamentals := market.NewFundamentalsFetcher(market.FundamentalsConfig{BaseURL: kotakCfg.BaseURL, ConsumerKey: kotakCfg.ConsumerKey}, dataBroker.Token, sessionID, pipeline)

	live := market.NewLivePriceCache(market.LivePriceConfig{
		ReconnectBase: time.Duration(cfg.Pacing.ReconnectBackoffBaseSeconds) * time.Second,
	})

	return &marketData{
		historical:   historical,
		fundamentals: fundamentals,
		live:         live,
		fallback:     market.NewPriceFallback(live, historical),
		logger:       logger,
		scrip:        make(map[string]string),
	}
}

func (m *marketData) refreshScripMaster(ctx context.Context, br broker.Broker) error {
	sm, err := br.ScripMaster(ctx)
	if err != nil {
		return fmt.Errorf("marketdata: refresh scrip master: %w", err)
	}
	m.mu.Lock()
	m.scrip = sm
	m.mu.Unlock()
	return nil
}

func (m *marketData) token(ticker string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scrip[ticker]
}

// avgVolume satisfies entry.AvgVolumeFunc: 20-day average traded volume
// from daily OHLCV history.
func (m *marketData) avgVolume(ctx context.Context, ticker string) (float64, error) {
	candles, err := m.historical.FetchOHLCV(ctx, ticker, m.token(ticker), market.IntervalDaily, 1)
	if err != nil {
		return 0, err
	}
	return indicators.AverageVolume(candles, 20), nil
}

// currentPrice satisfies entry.CurrentPriceFunc: live tick, falling back to
// the last daily close.
func (m *marketData) currentPrice(ctx context.Context, brokerSymbol, ticker string) (decimal.Decimal, error) {
	res, err := m.fallback.GetLTPFallback(ctx, brokerSymbol, ticker, m.token(ticker))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(res.Price), nil
}

// livePrice satisfies exit.LivePriceFunc; identical resolution path to
// currentPrice, kept as a distinct method since the two engines depend on
// distinct function types.
func (m *marketData) livePrice(ctx context.Context, brokerSymbol, ticker string) (decimal.Decimal, error) {
	return m.currentPrice(ctx, brokerSymbol, ticker)
}

// candles satisfies exit.CandlesFunc: enough daily history for EMA9/EMA200.
func (m *marketData) candles(ctx context.Context, ticker, instrumentToken string) ([]indicators.Candle, error) {
	return m.historical.FetchOHLCV(ctx, ticker, instrumentToken, market.IntervalDaily, 2)
}

// indicatorsFor satisfies entry.IndicatorsFunc: RSI10/EMA9/EMA200/close for
// one open position's re-entry evaluation.
func (m *marketData) indicatorsFor(ctx context.Context, ticker string) (entry.Indicators, error) {
	token := m.token(ticker)
	candles, err := m.historical.FetchOHLCV(ctx, ticker, token, market.IntervalDaily, 2)
	if err != nil {
		return entry.Indicators{}, err
	}
	if len(candles) == 0 {
		return entry.Indicators{}, fmt.Errorf("marketdata: no candles for %s", ticker)
	}
	return entry.Indicators{
		RSI10:  indicators.CalculateRSI(candles, 10),
		Close:  candles[len(candles)-1].Close,
		EMA9:   indicators.CalculateEMA(candles, 9),
		EMA200: indicators.CalculateEMA(candles, 200),
	}, nil
}

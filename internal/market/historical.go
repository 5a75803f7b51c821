// Package market - historical.go implements historical OHLCV fetching
// against Kotak Neo's charts API, adapted from the teacher's
// internal/market/dhan_data.go (90-day chunking, securityId resolution,
// throttled HTTP) but routed through the shared callpipeline instead of a
// bespoke per-provider rate limiter/instrument file.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/callpipeline"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/circuit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/indicators"
)

// maxChunkDays is the maximum span Kotak Neo's historical endpoint allows
// per request; wider ranges are split and stitched together.
const maxChunkDays = 90

// MinDailyBars is the minimum daily coverage EMA200 requires.
const MinDailyBars = 200

// MinWeeklyBarsRecommended is the "recommended" weekly coverage; unlike the
// daily minimum, falling short of it does not fail the fetch.
const MinWeeklyBarsRecommended = 20

// Interval selects daily or weekly aggregation for FetchOHLCV.
type Interval string

const (
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
)

// HistoricalConfig configures the historical data endpoint.
type HistoricalConfig struct {
	BaseURL     string
	ConsumerKey string
}

// HistoricalFetcher fetches daily/weekly OHLCV history for a ticker.
type HistoricalFetcher struct {
	cfg      HistoricalConfig
	client   *http.Client
	token    func() string
	pipeline *callpipeline.Pipeline
}

// NewHistoricalFetcher creates a fetcher. token returns the current session
// JWT (typically the broker's, shared across the process).
func NewHistoricalFetcher(cfg HistoricalConfig, token func() string, pipeline *callpipeline.Pipeline) *HistoricalFetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gw-napi.kotaksecurities.com"
	}
	return &HistoricalFetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: 30 * time.Second},
		token:    token,
		pipeline: pipeline,
	}
}

type chartRequest struct {
	InstrumentToken string `json:"instrument_token"`
	Exchange        string `json:"exchange_segment"`
	FromDate        string `json:"from_date"`
	ToDate          string `json:"to_date"`
}

type chartResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []int64   `json:"volume"`
	Timestamp []int64   `json:"timestamp"`
}

// FetchOHLCV retrieves `years` of history for ticker at instrumentToken.
// Daily requests shorter than MinDailyBars return errs.InsufficientData
// (not retried by RetryPolicy, not counted as a circuit-breaker failure).
// Weekly requests below MinWeeklyBarsRecommended still return successfully.
func (h *HistoricalFetcher) FetchOHLCV(ctx context.Context, ticker, instrumentToken string, interval Interval, years int) ([]indicators.Candle, error) {
	to := time.Now().In(IST)
	from := to.AddDate(-years, 0, 0)

	daily, err := h.fetchDailyRange(ctx, ticker, instrumentToken, from, to)
	if err != nil {
		return nil, err
	}

	if interval == IntervalWeekly {
		weekly := resampleWeekly(daily)
		return weekly, nil
	}

	if len(daily) < MinDailyBars {
		return daily, errs.Newf(errs.InsufficientData, "%s: only %d daily bars available, need >= %d", ticker, len(daily), MinDailyBars)
	}
	return daily, nil
}

func (h *HistoricalFetcher) fetchDailyRange(ctx context.Context, ticker, instrumentToken string, from, to time.Time) ([]indicators.Candle, error) {
	var all []indicators.Candle
	chunkStart := from

	for !chunkStart.After(to) {
		chunkEnd := chunkStart.AddDate(0, 0, maxChunkDays-1)
		if chunkEnd.After(to) {
			chunkEnd = to
		}

		resp, err := callpipeline.Call(ctx, h.pipeline, circuit.ClassHistoricalOHLCV, func(ctx context.Context) (*chartResponse, error) {
			return h.fetchChunk(ctx, instrumentToken, chunkStart, chunkEnd)
		})
		if err != nil {
			return all, fmt.Errorf("market: fetch %s [%s to %s]: %w", ticker, chunkStart.Format("2006-01-02"), chunkEnd.Format("2006-01-02"), err)
		}

		for i := range resp.Timestamp {
			t := time.Unix(resp.Timestamp[i], 0).In(IST)
			all = append(all, indicators.Candle{
				Symbol: ticker,
				Date:   time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IST),
				Open:   resp.Open[i],
				High:   resp.High[i],
				Low:    resp.Low[i],
				Close:  resp.Close[i],
				Volume: resp.Volume[i],
			})
		}

		chunkStart = chunkEnd.AddDate(0, 0, 1)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Date.Before(all[j].Date) })
	return all, nil
}

func (h *HistoricalFetcher) fetchChunk(ctx context.Context, instrumentToken string, from, to time.Time) (*chartResponse, error) {
	reqBody := chartRequest{
		InstrumentToken: instrumentToken,
		Exchange:        "nse_cm",
		FromDate:        from.Format("2006-01-02"),
		ToDate:          to.Format("2006-01-02"),
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := h.cfg.BaseURL + "/Charts/1.0/charts/history"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-consumer-key", h.cfg.ConsumerKey)
	if tok := h.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errs.New(errs.Transient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.Transient, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errs.Newf(errs.AuthExpired, "market: 401: %s", string(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.Newf(errs.RateLimited, "market: 429: %s", string(body))
	case resp.StatusCode >= 500:
		return nil, errs.Newf(errs.Transient, "market: %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode >= 400:
		return nil, errs.Newf(errs.BrokerReject, "market: %d: %s", resp.StatusCode, string(body))
	}

	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &chart, nil
}

// resampleWeekly aggregates a sorted-ascending daily series into ISO weeks:
// open = first day's open, close = last day's close, high/low = extrema,
// volume = sum.
func resampleWeekly(daily []indicators.Candle) []indicators.Candle {
	if len(daily) == 0 {
		return nil
	}

	var weekly []indicators.Candle
	var cur indicators.Candle
	haveCur := false
	curYear, curWeek := 0, 0

	flush := func() {
		if haveCur {
			weekly = append(weekly, cur)
		}
	}

	for _, c := range daily {
		y, w := c.Date.ISOWeek()
		if !haveCur || y != curYear || w != curWeek {
			flush()
			cur = c
			haveCur = true
			curYear, curWeek = y, w
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	flush()
	return weekly
}

// Package entry implements EntryEngine: the new-entry and re-entry buy
// protocols that turn accepted Candidates and re-entry dip signals into
// broker orders and TradeStore fills. It is the only place level-state
// flags are ever set to true, and only after a broker order acknowledgement
// — never at signal time — so a watched-but-unplaced dip is never
// mislabelled as a filled pyramid level.
package entry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/broker"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/candidates"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/notify"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/store"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/symbols"
)

// SkipReason names why a candidate or re-entry signal produced no order.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipPortfolioFull      SkipReason = "portfolio_full"
	SkipDuplicate          SkipReason = "duplicate"
	SkipQtyZero            SkipReason = "qty_zero"
	SkipIlliquid           SkipReason = "illiquid"
	SkipDailyCap           SkipReason = "daily_cap"
	SkipNoReentrySignal    SkipReason = "no_reentry_signal"
	SkipBelowMinimumAffordable SkipReason = "affordable_qty_zero"
	SkipNotAccepted        SkipReason = "not_accepted"
)

// DefaultDailyReentryCap matches spec §4.4.b step 4: at most one re-entry
// fill per ticker per day regardless of how many levels it could unlock.
const DefaultDailyReentryCap = 1

// Config holds the sizing/portfolio parameters EntryEngine enforces.
// Hot-reloadable fields are read through a *Config pointer supplied at
// call time by the caller (see cmd/engine), not cached inside Engine.
type Config struct {
	MaxPortfolioSize            int
	DefaultCapitalPerTrade      decimal.Decimal
	MinCombinedScore            float64
	MaxPositionToAvgVolumeRatio float64
	DailyReentryCap             int
}

// AvgVolumeFunc reports a ticker's recent average daily traded volume,
// used by the liquidity guard. Implementations typically wrap
// indicators.AverageVolume over historical OHLCV.
type AvgVolumeFunc func(ctx context.Context, ticker string) (float64, error)

// CurrentPriceFunc resolves the current reference price for a ticker
// (WebSocket-first, historical-close fallback) for re-entry sizing.
type CurrentPriceFunc func(ctx context.Context, brokerSymbol, ticker string) (decimal.Decimal, error)

// Indicators are the per-ticker technical values the re-entry protocol
// evaluates each monitor cycle.
type Indicators struct {
	RSI10  float64
	Close  float64
	EMA9   float64
	EMA200 float64
}

// IndicatorsFunc resolves current indicators for one open position's ticker.
type IndicatorsFunc func(ctx context.Context, ticker string) (Indicators, error)

// Outcome records what happened to one candidate or re-entry evaluation.
type Outcome struct {
	Ticker string
	Placed bool
	OrderID string
	Qty    int
	Level  int
	Reason SkipReason
	Err    error
}

// Report aggregates the outcomes of one EntryEngine pass.
type Report struct {
	Outcomes []Outcome
}

func (r *Report) record(o Outcome) { r.Outcomes = append(r.Outcomes, o) }

// Placed returns outcomes where an order was successfully placed.
func (r *Report) Placed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Placed {
			out = append(out, o)
		}
	}
	return out
}

// Engine is the EntryEngine: it owns no state of its own beyond its
// dependencies — TradeStore is the single source of truth for positions,
// level-state, and the failed-order queue.
type Engine struct {
	store    *store.Store
	broker   broker.Broker
	notifier notify.Notifier
	logger   *log.Logger

	avgVolume    AvgVolumeFunc
	currentPrice CurrentPriceFunc
}

// New creates an EntryEngine. avgVolume/currentPrice may be nil; a nil
// avgVolume disables the liquidity guard (it always passes), and a nil
// currentPrice makes re-entry sizing fall back to the indicator close
// supplied by the caller.
func New(st *store.Store, br broker.Broker, notifier notify.Notifier, avgVolume AvgVolumeFunc, currentPrice CurrentPriceFunc, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[entry] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Engine{store: st, broker: br, notifier: notifier, avgVolume: avgVolume, currentPrice: currentPrice, logger: logger}
}

// ProcessNewCandidates runs the new-entry protocol (spec §4.4.a) over
// candidates in the order given — callers are responsible for having
// already sorted by priority_score. variety selects AMO (at market open)
// or MARKET (intraday failed-order retry) for the buy order placed.
func (e *Engine) ProcessNewCandidates(ctx context.Context, cfg Config, cands []candidates.Candidate, variety broker.OrderVariety, now time.Time) (*Report, error) {
	report := &Report{}

	holdings, err := e.broker.GetHoldings(ctx)
	if err != nil {
		return report, fmt.Errorf("entry: fetch holdings: %w", err)
	}
	held := heldSet(holdings)

	funds, err := e.broker.GetFunds(ctx)
	if err != nil {
		return report, fmt.Errorf("entry: fetch funds: %w", err)
	}
	availableCash := decimal.NewFromFloat(funds.AvailableCash)

	portfolioFull := false
	for _, c := range cands {
		if portfolioFull {
			report.record(Outcome{Ticker: c.Ticker, Reason: SkipPortfolioFull})
			continue
		}
		if len(e.store.OpenPositions()) >= cfg.MaxPortfolioSize {
			portfolioFull = true
			report.record(Outcome{Ticker: c.Ticker, Reason: SkipPortfolioFull})
			continue
		}

		outcome, newCash := e.tryPlaceEntry(ctx, cfg, c, held, availableCash, variety, now)
		availableCash = newCash
		report.record(outcome)
	}
	return report, nil
}

// RetryFailedOrders re-attempts every queued FailedOrder once, using the
// same acceptance/sizing/affordability protocol as a fresh candidate.
// Intended for the 09:00 pre-market task (spec §4.6).
func (e *Engine) RetryFailedOrders(ctx context.Context, cfg Config, variety broker.OrderVariety, now time.Time) (*Report, error) {
	report := &Report{}

	failed := e.store.FailedOrders()
	if len(failed) == 0 {
		return report, nil
	}

	holdings, err := e.broker.GetHoldings(ctx)
	if err != nil {
		return report, fmt.Errorf("entry: fetch holdings: %w", err)
	}
	held := heldSet(holdings)

	funds, err := e.broker.GetFunds(ctx)
	if err != nil {
		return report, fmt.Errorf("entry: fetch funds: %w", err)
	}
	availableCash := decimal.NewFromFloat(funds.AvailableCash)

	for _, fo := range failed {
		c := candidates.Candidate{
			Ticker:           fo.Candidate.Ticker,
			LastClose:        fo.Candidate.LastClose,
			FinalVerdict:     candidates.Verdict(fo.Candidate.FinalVerdict),
			CombinedScore:    fo.Candidate.CombinedScore,
			ExecutionCapital: fo.Candidate.ExecutionCapital,
		}
		if len(e.store.OpenPositions()) >= cfg.MaxPortfolioSize {
			report.record(Outcome{Ticker: c.Ticker, Reason: SkipPortfolioFull})
			continue
		}
		outcome, newCash := e.tryPlaceEntry(ctx, cfg, c, held, availableCash, variety, now)
		availableCash = newCash
		if outcome.Placed || outcome.Reason != SkipBelowMinimumAffordable {
			_ = e.store.RemoveFailed(c.Ticker)
		}
		report.record(outcome)
	}
	return report, nil
}

func (e *Engine) tryPlaceEntry(ctx context.Context, cfg Config, c candidates.Candidate, held map[string]bool, availableCash decimal.Decimal, variety broker.OrderVariety, now time.Time) (Outcome, decimal.Decimal) {
	if !c.Accepted(cfg.MinCombinedScore) {
		return Outcome{Ticker: c.Ticker, Reason: SkipNotAccepted}, availableCash
	}

	if _, ok := e.store.Position(c.Ticker); ok {
		return Outcome{Ticker: c.Ticker, Reason: SkipDuplicate}, availableCash
	}
	for _, variant := range symbols.Variants(c.Ticker) {
		if held[variant] {
			return Outcome{Ticker: c.Ticker, Reason: SkipDuplicate}, availableCash
		}
	}

	execCapital := c.ExecutionCapital
	if execCapital.IsZero() {
		execCapital = cfg.DefaultCapitalPerTrade
	}
	if c.LastClose.IsZero() {
		return Outcome{Ticker: c.Ticker, Reason: SkipQtyZero}, availableCash
	}
	qty := execCapital.Div(c.LastClose).Floor().IntPart()
	if qty < 1 {
		return Outcome{Ticker: c.Ticker, Reason: SkipQtyZero}, availableCash
	}

	if e.avgVolume != nil && cfg.MaxPositionToAvgVolumeRatio > 0 {
		avgVol, err := e.avgVolume(ctx, c.Ticker)
		if err == nil && avgVol > 0 {
			positionValue := decimal.NewFromInt(qty).Mul(c.LastClose)
			threshold := decimal.NewFromFloat(cfg.MaxPositionToAvgVolumeRatio).Mul(decimal.NewFromFloat(avgVol))
			if positionValue.GreaterThan(threshold) {
				return Outcome{Ticker: c.Ticker, Reason: SkipIlliquid}, availableCash
			}
		}
	}

	affordableQty := availableCash.Div(c.LastClose).Floor().IntPart()
	if qty > affordableQty {
		snapshot := store.CandidateSnapshot{
			Ticker:           c.Ticker,
			LastClose:        c.LastClose,
			FinalVerdict:     string(c.FinalVerdict),
			CombinedScore:    c.CombinedScore,
			ExecutionCapital: execCapital,
		}
		if err := e.store.EnqueueFailed(snapshot, "insufficient_funds", now); err != nil {
			e.logger.Printf("[entry] enqueue failed order for %s: %v", c.Ticker, err)
		}
		e.notifier.Notify(notify.Event{Kind: notify.EventInsufficientFunds, Ticker: c.Ticker, Message: fmt.Sprintf("need qty=%d, affordable=%d", qty, affordableQty), Time: now})
		return Outcome{Ticker: c.Ticker, Reason: SkipBelowMinimumAffordable}, availableCash
	}

	brokerSymbol := c.Ticker + "-EQ"
	order := broker.Order{
		Symbol:   brokerSymbol,
		Exchange: "NSE",
		Side:     broker.OrderSideBuy,
		Type:     broker.OrderTypeMarket,
		Variety:  variety,
		Quantity: int(qty),
		Price:    priceFloat(c.LastClose),
		Product:  "CNC",
		Tag:      "rsidip-entry",
	}
	resp, err := e.broker.PlaceOrder(ctx, order)
	if err != nil {
		e.notifier.Notify(notify.Event{Kind: notify.EventRejection, Ticker: c.Ticker, Message: err.Error(), Time: now})
		return Outcome{Ticker: c.Ticker, Err: err}, availableCash
	}
	if resp.Status == broker.OrderStatusRejected {
		e.notifier.Notify(notify.Event{Kind: notify.EventRejection, Ticker: c.Ticker, Message: resp.Message, Time: now})
		return Outcome{Ticker: c.Ticker, Err: fmt.Errorf("broker rejected: %s", resp.Message)}, availableCash
	}

	fill := store.Fill{
		Time:      now,
		Price:     c.LastClose,
		Qty:       int(qty),
		Side:      "buy",
		Level:     30,
		EntryKind: store.EntryKindInitial,
		OrderID:   resp.OrderID,
	}
	if err := e.store.AddFill(c.Ticker, c.Ticker, brokerSymbol, fill); err != nil {
		return Outcome{Ticker: c.Ticker, Err: fmt.Errorf("record fill: %w", err)}, availableCash
	}
	e.notifier.Notify(notify.Event{Kind: notify.EventExecution, Ticker: c.Ticker, Message: fmt.Sprintf("BUY %d @ %s (initial, level 30)", qty, c.LastClose.String()), Time: now})

	availableCash = availableCash.Sub(decimal.NewFromInt(qty).Mul(c.LastClose))
	return Outcome{Ticker: c.Ticker, Placed: true, OrderID: resp.OrderID, Qty: int(qty), Level: 30}, availableCash
}

// ProcessReentries runs the re-entry protocol (spec §4.4.b) over every
// currently open position, evaluating level transitions purely from
// committed level-state and placing MARKET buys for unlocked levels.
func (e *Engine) ProcessReentries(ctx context.Context, cfg Config, lookup IndicatorsFunc, now time.Time) (*Report, error) {
	report := &Report{}
	dailyCap := cfg.DailyReentryCap
	if dailyCap <= 0 {
		dailyCap = DefaultDailyReentryCap
	}

	for _, p := range e.store.OpenPositions() {
		ind, err := lookup(ctx, p.Ticker)
		if err != nil {
			report.record(Outcome{Ticker: p.Ticker, Err: err})
			continue
		}

		if ind.RSI10 > 30 {
			if err := e.store.MarkResetReady(p.Ticker); err != nil {
				e.logger.Printf("[entry] mark_reset_ready %s: %v", p.Ticker, err)
			}
		}

		// Re-read after the possible reset-ready mutation above.
		p, _ = e.store.Position(p.Ticker)
		levels := p.Levels

		nextLevel := 0
		switch {
		case ind.RSI10 < 30 && levels.ResetReady:
			if err := e.store.ResetLevels(p.Ticker); err != nil {
				e.logger.Printf("[entry] reset_levels %s: %v", p.Ticker, err)
				report.record(Outcome{Ticker: p.Ticker, Err: err})
				continue
			}
			nextLevel = 30
		case levels.Level30 && !levels.Level20 && ind.RSI10 < 20:
			nextLevel = 20
		case levels.Level20 && !levels.Level10 && ind.RSI10 < 10:
			nextLevel = 10
		}

		if nextLevel == 0 {
			report.record(Outcome{Ticker: p.Ticker, Reason: SkipNoReentrySignal})
			continue
		}

		if e.store.ReentriesToday(p.Ticker, now) >= dailyCap {
			report.record(Outcome{Ticker: p.Ticker, Level: nextLevel, Reason: SkipDailyCap})
			continue
		}

		outcome := e.tryPlaceReentry(ctx, cfg, p, nextLevel, ind, now)
		report.record(outcome)
	}
	return report, nil
}

func (e *Engine) tryPlaceReentry(ctx context.Context, cfg Config, p *store.Position, level int, ind Indicators, now time.Time) Outcome {
	price := decimal.NewFromFloat(ind.Close)
	if e.currentPrice != nil {
		if live, err := e.currentPrice(ctx, p.BrokerSymbol, p.Ticker); err == nil && !live.IsZero() {
			price = live
		}
	}
	if price.IsZero() {
		return Outcome{Ticker: p.Ticker, Level: level, Reason: SkipQtyZero}
	}

	execCapital := cfg.DefaultCapitalPerTrade
	qty := execCapital.Div(price).Floor().IntPart()

	if e.avgVolume != nil && cfg.MaxPositionToAvgVolumeRatio > 0 {
		avgVol, err := e.avgVolume(ctx, p.Ticker)
		if err == nil && avgVol > 0 {
			positionValue := decimal.NewFromInt(qty).Mul(price)
			threshold := decimal.NewFromFloat(cfg.MaxPositionToAvgVolumeRatio).Mul(decimal.NewFromFloat(avgVol))
			if positionValue.GreaterThan(threshold) {
				return Outcome{Ticker: p.Ticker, Level: level, Reason: SkipIlliquid}
			}
		}
	}

	funds, err := e.broker.GetFunds(ctx)
	if err != nil {
		return Outcome{Ticker: p.Ticker, Level: level, Err: err}
	}
	affordableQty := decimal.NewFromFloat(funds.AvailableCash).Div(price).Floor().IntPart()
	if qty > affordableQty {
		qty = affordableQty
	}
	if qty < 1 {
		return Outcome{Ticker: p.Ticker, Level: level, Reason: SkipBelowMinimumAffordable}
	}

	order := broker.Order{
		Symbol:   p.BrokerSymbol,
		Exchange: "NSE",
		Side:     broker.OrderSideBuy,
		Type:     broker.OrderTypeMarket,
		Variety:  broker.VarietyRegular,
		Quantity: int(qty),
		Price:    priceFloat(price),
		Product:  "CNC",
		Tag:      "rsidip-reentry",
	}
	resp, err := e.broker.PlaceOrder(ctx, order)
	if err != nil {
		e.notifier.Notify(notify.Event{Kind: notify.EventRejection, Ticker: p.Ticker, Message: err.Error(), Time: now})
		return Outcome{Ticker: p.Ticker, Level: level, Err: err}
	}
	if resp.Status == broker.OrderStatusRejected {
		e.notifier.Notify(notify.Event{Kind: notify.EventRejection, Ticker: p.Ticker, Message: resp.Message, Time: now})
		return Outcome{Ticker: p.Ticker, Level: level, Err: fmt.Errorf("broker rejected: %s", resp.Message)}
	}

	fill := store.Fill{
		Time:      now,
		Price:     price,
		Qty:       int(qty),
		Side:      "buy",
		Level:     level,
		EntryKind: store.EntryKindReentry,
		OrderID:   resp.OrderID,
	}
	if err := e.store.AddFill(p.Ticker, p.BaseSymbol, p.BrokerSymbol, fill); err != nil {
		return Outcome{Ticker: p.Ticker, Level: level, Err: fmt.Errorf("record fill: %w", err)}
	}
	e.notifier.Notify(notify.Event{Kind: notify.EventExecution, Ticker: p.Ticker, Message: fmt.Sprintf("BUY %d @ %s (reentry, level %d)", qty, price.String(), level), Time: now})

	return Outcome{Ticker: p.Ticker, Placed: true, OrderID: resp.OrderID, Qty: int(qty), Level: level}
}

func heldSet(holdings []broker.Holding) map[string]bool {
	set := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		if h.Quantity > 0 {
			set[h.Symbol] = true
		}
	}
	return set
}

func priceFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

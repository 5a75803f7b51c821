// Package exit implements ExitEngine: the per-position EMA9 trailing sell
// trailer. Every open Position gets a day limit sell at EMA9, revised
// downward only, and is closed the moment its sell order reports complete.
// No other subsystem ever places or cancels a sell order.
package exit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/broker"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/indicators"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/store"
)

// DefaultMaxWorkers bounds per-cycle concurrency across open positions
// (spec §4.5: "up to MaxWorkers positions processed concurrently per cycle").
const DefaultMaxWorkers = 10

// SafetyFloorRatio is the minimum fraction of entry price EMA9 must clear
// before a sell is placed or revised (never sell at >=5% loss via EMA9).
const SafetyFloorRatio = 0.95

// maxCancelAttempts bounds the cancel-then-place retry before an update
// cycle gives up and leaves the existing order standing.
const maxCancelAttempts = 2

// CandlesFunc resolves the last 200+ daily candles for a ticker, used to
// recompute EMA9 with the live price appended as a provisional bar.
type CandlesFunc func(ctx context.Context, ticker, instrumentToken string) ([]indicators.Candle, error)

// LivePriceFunc resolves the current reference price for a broker symbol,
// WebSocket-first with historical fallback already applied by the caller.
type LivePriceFunc func(ctx context.Context, brokerSymbol, ticker string) (decimal.Decimal, error)

// Action names what ExitEngine did for one position in a cycle.
type Action string

const (
	ActionNone             Action = "none"
	ActionPlaced           Action = "placed"
	ActionRevised          Action = "revised"
	ActionSkippedFloor     Action = "skip_below_safety_floor"
	ActionClosed           Action = "closed"
	ActionCancelFailed     Action = "cancel_failed"
)

// Outcome records what ExitEngine did for one open position in one cycle.
type Outcome struct {
	Ticker string
	Action Action
	EMA9   decimal.Decimal
	Err    error
}

// Report aggregates one ExitEngine cycle's outcomes.
type Report struct {
	mu       sync.Mutex
	Outcomes []Outcome
}

func (r *Report) record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Outcomes = append(r.Outcomes, o)
}

// Engine is the ExitEngine: it owns every outbound sell order and is the
// only writer of lowest_ema9_seen and a Position's closing fields.
type Engine struct {
	store      *store.Store
	broker     broker.Broker
	candles    CandlesFunc
	livePrice  LivePriceFunc
	logger     *log.Logger
	maxWorkers int
}

// New wires an ExitEngine. A zero maxWorkers falls back to DefaultMaxWorkers.
func New(st *store.Store, br broker.Broker, candles CandlesFunc, livePrice LivePriceFunc, maxWorkers int, logger *log.Logger) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[exit] ", log.LstdFlags)
	}
	return &Engine{store: st, broker: br, candles: candles, livePrice: livePrice, maxWorkers: maxWorkers, logger: logger}
}

// RunCycle drives one monitor cycle over every open position, bounded to
// maxWorkers concurrent positions (spec §4.5 parallelism rule: no single
// position's slow call starves another).
func (e *Engine) RunCycle(ctx context.Context, now time.Time) *Report {
	report := &Report{}
	positions := e.store.OpenPositions()

	sem := make(chan struct{}, e.maxWorkers)
	var wg sync.WaitGroup
	for _, p := range positions {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			report.record(e.processPosition(ctx, p, now))
		}()
	}
	wg.Wait()
	return report
}

func (e *Engine) processPosition(ctx context.Context, p *store.Position, now time.Time) Outcome {
	if p.SellOrderID != "" {
		status, err := e.broker.GetOrderStatus(ctx, p.SellOrderID)
		if err != nil {
			return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: order status %s: %w", p.SellOrderID, err)}
		}
		if status.Status == broker.OrderStatusCompleted {
			execPrice := decimal.NewFromFloat(status.AveragePrice)
			if execPrice.IsZero() {
				execPrice = orDefault(p.LowestEMA9Seen)
			}
			if err := e.store.ClosePosition(p.Ticker, execPrice, now, "ema9_target", p.SellOrderID); err != nil {
				return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: close %s: %w", p.Ticker, err)}
			}
			return Outcome{Ticker: p.Ticker, Action: ActionClosed, EMA9: execPrice}
		}
	}

	ema9, err := e.currentEMA9(ctx, p, now)
	if err != nil {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: err}
	}

	floor := p.EntryPrice.Mul(decimal.NewFromFloat(SafetyFloorRatio))
	if ema9.LessThan(floor) {
		e.logger.Printf("[exit] %s: ema9 %s below safety floor %s, skipping", p.Ticker, ema9, floor)
		return Outcome{Ticker: p.Ticker, Action: ActionSkippedFloor, EMA9: ema9}
	}

	if p.SellOrderID == "" {
		return e.placeInitialSell(ctx, p, ema9, now)
	}

	if p.LowestEMA9Seen != nil && !ema9.LessThan(*p.LowestEMA9Seen) {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, EMA9: ema9}
	}

	return e.reviseSell(ctx, p, ema9, now)
}

func (e *Engine) currentEMA9(ctx context.Context, p *store.Position, now time.Time) (decimal.Decimal, error) {
	candles, err := e.candles(ctx, p.Ticker, "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("exit: candles %s: %w", p.Ticker, err)
	}
	live, err := e.livePrice(ctx, p.BrokerSymbol, p.Ticker)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exit: live price %s: %w", p.BrokerSymbol, err)
	}
	liveF, _ := live.Float64()
	ema9 := indicators.CalculateEMASeries(candles, 9, liveF, now)
	return decimal.NewFromFloat(ema9), nil
}

func (e *Engine) placeInitialSell(ctx context.Context, p *store.Position, ema9 decimal.Decimal, now time.Time) Outcome {
	resp, err := e.broker.PlaceOrder(ctx, sellOrder(p, ema9, broker.VarietyRegular))
	if err != nil {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: place sell %s: %w", p.Ticker, err)}
	}
	if resp.Status == broker.OrderStatusRejected {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: sell rejected for %s: %s", p.Ticker, resp.Message)}
	}
	if err := e.store.SetSellOrder(p.Ticker, resp.OrderID, ema9); err != nil {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: persist sell order %s: %w", p.Ticker, err)}
	}
	return Outcome{Ticker: p.Ticker, Action: ActionPlaced, EMA9: ema9}
}

// reviseSell implements the cancel-then-place update protocol. If cancel
// fails after maxCancelAttempts, the existing order is left standing and no
// new order is placed (spec §4.5: "if cancel fails, do not place").
func (e *Engine) reviseSell(ctx context.Context, p *store.Position, ema9 decimal.Decimal, now time.Time) Outcome {
	var cancelErr error
	for attempt := 1; attempt <= maxCancelAttempts; attempt++ {
		if cancelErr = e.broker.CancelOrder(ctx, p.SellOrderID); cancelErr == nil {
			break
		}
		e.logger.Printf("[exit] %s: cancel attempt %d/%d failed: %v", p.Ticker, attempt, maxCancelAttempts, cancelErr)
	}
	if cancelErr != nil {
		return Outcome{Ticker: p.Ticker, Action: ActionCancelFailed, EMA9: ema9, Err: cancelErr}
	}

	resp, err := e.broker.PlaceOrder(ctx, sellOrder(p, ema9, broker.VarietyRegular))
	if err != nil {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: place revised sell %s: %w", p.Ticker, err)}
	}
	if resp.Status == broker.OrderStatusRejected {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: revised sell rejected for %s: %s", p.Ticker, resp.Message)}
	}
	if err := e.store.SetSellOrder(p.Ticker, resp.OrderID, ema9); err != nil {
		return Outcome{Ticker: p.Ticker, Action: ActionNone, Err: fmt.Errorf("exit: persist revised sell %s: %w", p.Ticker, err)}
	}
	return Outcome{Ticker: p.Ticker, Action: ActionRevised, EMA9: ema9}
}

func sellOrder(p *store.Position, price decimal.Decimal, variety broker.OrderVariety) broker.Order {
	priceF, _ := price.Float64()
	return broker.Order{
		Symbol:   p.BrokerSymbol,
		Exchange: "NSE",
		Side:     broker.OrderSideSell,
		Type:     broker.OrderTypeLimit,
		Variety:  variety,
		Quantity: p.CurrentQty,
		Price:    priceF,
		Product:  "CNC",
		Tag:      "rsidip-exit",
	}
}

func orDefault(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

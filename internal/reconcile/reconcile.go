// Package reconcile implements Reconciler: the periodic cross-check
// between TradeStore's view of open positions and what the broker's demat
// account actually holds. It is the only subsystem permitted to detect and
// surface trades placed outside the system; it never manages a holding the
// ledger doesn't already know about (spec §4.7 step 4).
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/broker"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/notify"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/store"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/symbols"
)

// EventKind names what a single reconciliation action did for one ticker.
type EventKind string

const (
	EventNone           EventKind = "none"
	EventManualSell     EventKind = "manual_sell"
	EventQtyAdjusted    EventKind = "manual_trade_detected"
	EventUntrackedHold  EventKind = "untracked_holding"
)

// Outcome records one ticker's reconciliation result for a cycle.
type Outcome struct {
	Ticker string
	Kind   EventKind
	Err    error
}

// Report aggregates one reconciliation pass.
type Report struct {
	Outcomes []Outcome
}

func (r *Report) record(o Outcome) { r.Outcomes = append(r.Outcomes, o) }

// Reconciler cross-checks TradeStore against broker holdings.
type Reconciler struct {
	store    *store.Store
	broker   broker.Broker
	notifier notify.Notifier
	logger   *log.Logger
}

// New wires a Reconciler.
func New(st *store.Store, br broker.Broker, notifier notify.Notifier, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(log.Writer(), "[reconcile] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Reconciler{store: st, broker: br, notifier: notifier, logger: logger}
}

// RunCycle fetches current holdings and reconciles every open Position
// against them (spec §4.7).
func (r *Reconciler) RunCycle(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{}

	holdings, err := r.broker.GetHoldings(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: fetch holdings: %w", err)
	}
	heldQty := aggregateByBase(holdings)

	trackedTickers := make(map[string]bool)
	for _, p := range r.store.OpenPositions() {
		trackedTickers[p.Ticker] = true
		brokerQty := heldQty[p.Ticker]

		switch {
		case brokerQty == 0:
			// Execution price is unknown for a sell placed outside the
			// system; record it as zero rather than guess.
			if err := r.store.ClosePosition(p.Ticker, decimal.Zero, now, "manual_sell", ""); err != nil {
				report.record(Outcome{Ticker: p.Ticker, Err: fmt.Errorf("close on manual sell: %w", err)})
				continue
			}
			r.notifier.Notify(notify.Event{Kind: notify.EventManualTrade, Ticker: p.Ticker, Message: "position fully closed outside the system", Time: now})
			report.record(Outcome{Ticker: p.Ticker, Kind: EventManualSell})

		case brokerQty != p.CurrentQty:
			if err := r.store.AdjustQuantity(p.Ticker, brokerQty); err != nil {
				report.record(Outcome{Ticker: p.Ticker, Err: fmt.Errorf("adjust quantity: %w", err)})
				continue
			}
			r.notifier.Notify(notify.Event{
				Kind:    notify.EventManualTrade,
				Ticker:  p.Ticker,
				Message: fmt.Sprintf("ledger qty %d != broker qty %d, adjusted", p.CurrentQty, brokerQty),
				Time:    now,
			})
			report.record(Outcome{Ticker: p.Ticker, Kind: EventQtyAdjusted})

		default:
			report.record(Outcome{Ticker: p.Ticker, Kind: EventNone})
		}
	}

	for base := range heldQty {
		if trackedTickers[base] {
			continue
		}
		r.notifier.Notify(notify.Event{Kind: notify.EventManualTrade, Ticker: base, Message: "broker holding has no matching tracked position", Time: now})
		report.record(Outcome{Ticker: base, Kind: EventUntrackedHold})
	}

	return report, nil
}

// aggregateByBase sums holding quantities to their base ticker, collapsing
// exchange-segment symbol variants (spec §6 symbol variants).
func aggregateByBase(holdings []broker.Holding) map[string]int {
	out := make(map[string]int, len(holdings))
	for _, h := range holdings {
		base := symbols.Base(h.Symbol)
		out[base] += h.Quantity
	}
	return out
}

package exit_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/broker"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/exit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/indicators"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/store"
)

type fakeExitBroker struct {
	mu        sync.Mutex
	nextID    int
	statusOf  map[string]broker.OrderStatusResponse
	cancelled map[string]bool
	cancelErr map[string]int // number of remaining failures before success
}

func newFakeExitBroker() *fakeExitBroker {
	return &fakeExitBroker{
		statusOf:  make(map[string]broker.OrderStatusResponse),
		cancelled: make(map[string]bool),
		cancelErr: make(map[string]int),
	}
}

func (f *fakeExitBroker) Login(context.Context) error                                  { return nil }
func (f *fakeExitBroker) ScripMaster(context.Context) (map[string]string, error)       { return nil, nil }
func (f *fakeExitBroker) GetFunds(context.Context) (*broker.Fund, error)               { return &broker.Fund{}, nil }
func (f *fakeExitBroker) GetHoldings(context.Context) ([]broker.Holding, error)        { return nil, nil }
func (f *fakeExitBroker) GetPositions(context.Context) ([]broker.Position, error)      { return nil, nil }

func (f *fakeExitBroker) PlaceOrder(_ context.Context, order broker.Order) (*broker.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("SELL-%d", f.nextID)
	f.statusOf[id] = broker.OrderStatusResponse{OrderID: id, Status: broker.OrderStatusOpen}
	return &broker.OrderResponse{OrderID: id, Status: broker.OrderStatusCompleted}, nil
}

func (f *fakeExitBroker) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining, ok := f.cancelErr[orderID]; ok && remaining > 0 {
		f.cancelErr[orderID] = remaining - 1
		return fmt.Errorf("simulated cancel failure")
	}
	f.cancelled[orderID] = true
	return nil
}

func (f *fakeExitBroker) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statusOf[orderID]
	if !ok {
		return &broker.OrderStatusResponse{OrderID: orderID, Status: broker.OrderStatusOpen}, nil
	}
	return &st, nil
}

func (f *fakeExitBroker) Token() string { return "" }

func (f *fakeExitBroker) setStatus(orderID string, status broker.OrderStatusResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusOf[orderID] = status
}

func newExitStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	return st
}

func candlesAt(closes ...float64) []indicators.Candle {
	out := make([]indicators.Candle, len(closes))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = indicators.Candle{Symbol: "X", Date: base.AddDate(0, 0, i), Close: c}
	}
	return out
}

// S5: over nine flat 2500 closes, with the live tick appended as a
// provisional bar (k = 0.2), ticks 2500, 2400, 2450, 2300 give EMA9 2500,
// 2480, 2490, 2460: initial placement at 2500, then revisions down to 2480
// and 2460, with no action taken when EMA9 rises back to 2490.
func TestRunCycle_TrailSequence(t *testing.T) {
	st := newExitStore(t)
	require.NoError(t, st.AddFill("RELIANCE", "RELIANCE", "RELIANCE-EQ", store.Fill{
		Time: time.Now(), Price: decimal.NewFromInt(2450), Qty: 40, Side: "buy", Level: 30, EntryKind: store.EntryKindInitial,
	}))

	fb := newFakeExitBroker()
	ticks := []float64{2500, 2400, 2450, 2300}
	idx := 0
	candlesFn := func(context.Context, string, string) ([]indicators.Candle, error) {
		return candlesAt(2500, 2500, 2500, 2500, 2500, 2500, 2500, 2500, 2500), nil
	}
	liveFn := func(context.Context, string, string) (decimal.Decimal, error) {
		v := ticks[idx]
		return decimal.NewFromFloat(v), nil
	}
	eng := exit.New(st, fb, candlesFn, liveFn, 4, nil)
	ctx := context.Background()

	// Cycle 1: initial placement at 2500.
	eng.RunCycle(ctx, time.Now())
	pos, _ := st.Position("RELIANCE")
	require.NotEmpty(t, pos.SellOrderID)
	require.True(t, decimal.NewFromInt(2500).Equal(*pos.LowestEMA9Seen))

	// Cycle 2: EMA9 drop to 2480 triggers cancel+place.
	idx = 1
	eng.RunCycle(ctx, time.Now())
	pos, _ = st.Position("RELIANCE")
	require.True(t, decimal.NewFromInt(2480).Equal(*pos.LowestEMA9Seen))

	// Cycle 3: EMA9 rise to 2490 must not raise the limit.
	idx = 2
	eng.RunCycle(ctx, time.Now())
	pos, _ = st.Position("RELIANCE")
	require.True(t, decimal.NewFromInt(2480).Equal(*pos.LowestEMA9Seen))

	// Cycle 4: EMA9 drop to 2460 triggers another cancel+place.
	idx = 3
	eng.RunCycle(ctx, time.Now())
	pos, _ = st.Position("RELIANCE")
	require.True(t, decimal.NewFromInt(2460).Equal(*pos.LowestEMA9Seen))
}

// S6: EMA9 below the 5% safety floor blocks any sell placement.
func TestRunCycle_SafetyFloorSkipsPlacement(t *testing.T) {
	st := newExitStore(t)
	require.NoError(t, st.AddFill("WIPRO", "WIPRO", "WIPRO-EQ", store.Fill{
		Time: time.Now(), Price: decimal.NewFromInt(2450), Qty: 100, Side: "buy", Level: 30, EntryKind: store.EntryKindInitial,
	}))

	fb := newFakeExitBroker()
	candlesFn := func(context.Context, string, string) ([]indicators.Candle, error) {
		return candlesAt(2300, 2300, 2300, 2300, 2300, 2300, 2300, 2300, 2300), nil
	}
	liveFn := func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(2300), nil
	}
	eng := exit.New(st, fb, candlesFn, liveFn, 2, nil)

	report := eng.RunCycle(context.Background(), time.Now())
	require.Len(t, report.Outcomes, 1)
	require.Equal(t, exit.ActionSkippedFloor, report.Outcomes[0].Action)

	pos, _ := st.Position("WIPRO")
	require.Empty(t, pos.SellOrderID)
	require.Nil(t, pos.LowestEMA9Seen)
}

// A completed sell order closes the position instead of re-placing one.
func TestRunCycle_ClosesOnCompletedSell(t *testing.T) {
	st := newExitStore(t)
	require.NoError(t, st.AddFill("INFY", "INFY", "INFY-EQ", store.Fill{
		Time: time.Now(), Price: decimal.NewFromInt(1500), Qty: 50, Side: "buy", Level: 30, EntryKind: store.EntryKindInitial,
	}))
	require.NoError(t, st.SetSellOrder("INFY", "SELL-EXISTING", decimal.NewFromInt(1550)))

	fb := newFakeExitBroker()
	fb.setStatus("SELL-EXISTING", broker.OrderStatusResponse{OrderID: "SELL-EXISTING", Status: broker.OrderStatusCompleted, AveragePrice: 1552.5})

	eng := exit.New(st, fb, nil, nil, 2, nil)
	report := eng.RunCycle(context.Background(), time.Now())
	require.Len(t, report.Outcomes, 1)
	require.Equal(t, exit.ActionClosed, report.Outcomes[0].Action)

	pos, _ := st.Position("INFY")
	require.Equal(t, store.StatusClosed, pos.Status)
	require.Equal(t, "ema9_target", pos.ExitReason)
}

// A cancel failure must not result in a new order being placed.
func TestRunCycle_CancelFailureBlocksPlacement(t *testing.T) {
	st := newExitStore(t)
	require.NoError(t, st.AddFill("TCS", "TCS", "TCS-EQ", store.Fill{
		Time: time.Now(), Price: decimal.NewFromInt(3500), Qty: 10, Side: "buy", Level: 30, EntryKind: store.EntryKindInitial,
	}))
	require.NoError(t, st.SetSellOrder("TCS", "SELL-OLD", decimal.NewFromInt(3600)))

	fb := newFakeExitBroker()
	fb.cancelErr["SELL-OLD"] = 99 // always fails
	candlesFn := func(context.Context, string, string) ([]indicators.Candle, error) {
		return candlesAt(3550, 3550, 3550, 3550, 3550, 3550, 3550, 3550, 3550), nil
	}
	liveFn := func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.NewFromInt(3550), nil
	}
	eng := exit.New(st, fb, candlesFn, liveFn, 2, nil)

	report := eng.RunCycle(context.Background(), time.Now())
	require.Len(t, report.Outcomes, 1)
	require.Equal(t, exit.ActionCancelFailed, report.Outcomes[0].Action)

	pos, _ := st.Position("TCS")
	require.Equal(t, "SELL-OLD", pos.SellOrderID)
	require.True(t, decimal.NewFromInt(3600).Equal(*pos.LowestEMA9Seen))
}

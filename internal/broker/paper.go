// Package broker - paper.go implements the paper trading broker.
//
// The paper broker simulates order execution: every accepted order fills
// immediately at the order's own price.
// It uses the same interface as live brokers so all engine logic
// remains identical between paper and live modes.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaperBroker simulates broker operations for paper trading.
// Orders are filled immediately at the requested price (simplified).
// In a more advanced version, fills would be based on next-candle OHLCV.
type PaperBroker struct {
	mu       sync.Mutex
	funds    Fund
	orders   map[string]*paperOrder
	holdings map[string]*Holding
	nextID   int
}

type paperOrder struct {
	Order    Order
	Response OrderStatusResponse
}

// NewPaperBroker creates a paper broker with the given initial capital.
func NewPaperBroker(initialCapital float64) *PaperBroker {
	return &PaperBroker{
		funds: Fund{
			AvailableCash: initialCapital,
			TotalBalance:  initialCapital,
		},
		orders:   make(map[string]*paperOrder),
		holdings: make(map[string]*Holding),
	}
}

// Login is a no-op for paper trading: there is no real session to refresh.
func (pb *PaperBroker) Login(_ context.Context) error {
	return nil
}

// ScripMaster maps each symbol currently held in the paper account to
// itself, since paper trading never resolves a real broker instrument
// token. Symbols not held are absent from the mapping.
func (pb *PaperBroker) ScripMaster(_ context.Context) (map[string]string, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	mapping := make(map[string]string, len(pb.holdings))
	for symbol := range pb.holdings {
		mapping[symbol] = symbol
	}
	return mapping, nil
}

func (pb *PaperBroker) GetFunds(_ context.Context) (*Fund, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	f := pb.funds
	return &f, nil
}

func (pb *PaperBroker) GetHoldings(_ context.Context) ([]Holding, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	result := make([]Holding, 0, len(pb.holdings))
	for _, h := range pb.holdings {
		result = append(result, *h)
	}
	return result, nil
}

func (pb *PaperBroker) GetPositions(_ context.Context) ([]Position, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	// In delivery trading, positions are essentially holdings.
	positions := make([]Position, 0, len(pb.holdings))
	for _, h := range pb.holdings {
		positions = append(positions, Position{
			Symbol:       h.Symbol,
			Exchange:     h.Exchange,
			Quantity:     h.Quantity,
			AveragePrice: h.AveragePrice,
			LastPrice:    h.LastPrice,
			PnL:          h.PnL,
			Product:      "CNC",
		})
	}
	return positions, nil
}

// PlaceOrder simulates order placement.
// For paper trading, market and limit orders are filled immediately at the order price.
func (pb *PaperBroker) PlaceOrder(_ context.Context, order Order) (*OrderResponse, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.nextID++
	orderID := fmt.Sprintf("PAPER-%d", pb.nextID)

	fillPrice := order.Price
	if order.Type == OrderTypeMarket {
		// In paper mode, market orders fill at the specified price.
		// Real implementation would use last traded price.
		fillPrice = order.Price
	}

	cost := fillPrice * float64(order.Quantity)

	if order.Side == OrderSideBuy {
		if cost > pb.funds.AvailableCash {
			return &OrderResponse{
				OrderID:   orderID,
				Status:    OrderStatusRejected,
				Message:   "insufficient funds",
				Timestamp: time.Now(),
			}, nil
		}

		pb.funds.AvailableCash -= cost
		pb.funds.UsedMargin += cost

		// Update or create holding.
		if h, exists := pb.holdings[order.Symbol]; exists {
			totalQty := h.Quantity + order.Quantity
			h.AveragePrice = (h.AveragePrice*float64(h.Quantity) + fillPrice*float64(order.Quantity)) / float64(totalQty)
			h.Quantity = totalQty
		} else {
			pb.holdings[order.Symbol] = &Holding{
				Symbol:       order.Symbol,
				Exchange:     order.Exchange,
				Quantity:     order.Quantity,
				AveragePrice: fillPrice,
				LastPrice:    fillPrice,
			}
		}
	} else if order.Side == OrderSideSell {
		h, exists := pb.holdings[order.Symbol]
		if !exists || h.Quantity < order.Quantity {
			return &OrderResponse{
				OrderID:   orderID,
				Status:    OrderStatusRejected,
				Message:   "insufficient holdings",
				Timestamp: time.Now(),
			}, nil
		}

		proceeds := fillPrice * float64(order.Quantity)
		pb.funds.AvailableCash += proceeds
		pb.funds.UsedMargin -= h.AveragePrice * float64(order.Quantity)

		h.Quantity -= order.Quantity
		if h.Quantity == 0 {
			delete(pb.holdings, order.Symbol)
		}
	}

	// Record order as completed.
	pb.orders[orderID] = &paperOrder{
		Order: order,
		Response: OrderStatusResponse{
			OrderID:      orderID,
			Status:       OrderStatusCompleted,
			FilledQty:    order.Quantity,
			PendingQty:   0,
			AveragePrice: fillPrice,
			Message:      "paper fill",
			Timestamp:    time.Now(),
		},
	}

	return &OrderResponse{
		OrderID:   orderID,
		Status:    OrderStatusCompleted,
		Message:   "paper order filled",
		Timestamp: time.Now(),
	}, nil
}

func (pb *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	po, exists := pb.orders[orderID]
	if !exists {
		return fmt.Errorf("paper broker: order %s not found", orderID)
	}
	if po.Response.Status == OrderStatusCompleted {
		return fmt.Errorf("paper broker: order %s already completed", orderID)
	}

	po.Response.Status = OrderStatusCancelled
	return nil
}

func (pb *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (*OrderStatusResponse, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	po, exists := pb.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("paper broker: order %s not found", orderID)
	}

	resp := po.Response
	return &resp, nil
}

// Token returns "": the paper broker never holds a real broker session.
func (pb *PaperBroker) Token() string {
	return ""
}

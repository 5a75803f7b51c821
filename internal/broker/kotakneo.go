// Package broker - kotakneo.go implements the Broker interface against
// Kotak Neo's trading API, replacing the teacher's Dhan implementation
// (internal/broker/dhan.go) with the same request/response/error-mapping
// shape adapted to Kotak Neo's endpoints and auth model.
//
// Kotak Neo API (HSM/TOTP login, JWT session):
//   - Auth: POST /login/1.0/login/v2/validate; bearer
//     JWT returned is valid "for the trading day but may revoke" per the
//     broker's own wording — treated as opaque by SessionGuard.
//   - Orders: POST /Orders/2.0/quick/order/rule/ru (place),
//     GET /Orders/2.0/quick/order/status/<id>,
//     DELETE /Orders/2.0/quick/order/cancel/<id>
//   - Funds: GET /Orders/2.0/quick/user/limits
//   - Holdings: GET /Portfolio/1.0/portfolio/holdings
//   - Scrip master: GET /masterscrip/<segment>.csv (refreshed daily)
//   - Rate limit: broker-documented ~10 req/sec; engine-side RateLimiter
//     independently enforces its own pacing regardless.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	kerrs "github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

// KotakNeoConfig holds Kotak Neo-specific API configuration.
type KotakNeoConfig struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	MobileNumber   string `json:"mobile_number"`
	Password       string `json:"password"`
	MPIN           string `json:"mpin"`
	BaseURL        string `json:"base_url"`
}

// KotakNeoBroker implements the Broker interface for Kotak Neo / NSE cash
// equities. It is stateless with respect to positions (TradeStore owns
// those); the only state it holds is the live session token and the
// scrip-master symbol map, both of which SessionGuard/MarketDataService
// treat as recoverable cache, never as the source of truth.
type KotakNeoBroker struct {
	config KotakNeoConfig
	client *http.Client

	mu          sync.RWMutex
	sessionJWT  string
	scripMaster map[string]string // trading symbol (dump's first column) -> instrument token
}

func init() {
	Registry["kotakneo"] = NewKotakNeoBroker
}

// NewKotakNeoBroker creates a new Kotak Neo broker instance from JSON config.
func NewKotakNeoBroker(configJSON []byte) (Broker, error) {
	var cfg KotakNeoConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("kotakneo broker: parse config: %w", err)
	}
	if cfg.ConsumerKey == "" || cfg.MobileNumber == "" {
		return nil, fmt.Errorf("kotakneo broker: consumer_key and mobile_number are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gw-napi.kotaksecurities.com"
	}

	return &KotakNeoBroker{
		config: cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Login authenticates against Kotak Neo and stores the resulting session
// JWT for subsequent requests. Safe to call repeatedly; SessionGuard is the
// only caller that should ever invoke it outside of construction.
func (k *KotakNeoBroker) Login(ctx context.Context) error {
	body := map[string]string{
		"mobileNumber": k.config.MobileNumber,
		"password":     k.config.Password,
		"mpin":         k.config.MPIN,
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kotakneo broker Login: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.config.BaseURL+"/login/1.0/login/v2/validate", bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("kotakneo broker Login: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-consumer-key", k.config.ConsumerKey)

	resp, err := k.client.Do(req)
	if err != nil {
		return kerrs.New(kerrs.Transient, fmt.Errorf("kotakneo broker Login: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return kerrs.New(kerrs.Transient, fmt.Errorf("kotakneo broker Login: read response: %w", err))
	}
	if resp.StatusCode >= 400 {
		return kerrs.Newf(kerrs.AuthExpired, "kotakneo broker Login failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &loginResp); err != nil {
		return fmt.Errorf("kotakneo broker Login: parse response: %w", err)
	}

	k.mu.Lock()
	k.sessionJWT = loginResp.Token
	k.mu.Unlock()
	return nil
}

func (k *KotakNeoBroker) token() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sessionJWT
}

// Token exposes the current session bearer token for callers that hit
// Kotak Neo endpoints directly rather than through the methods above
// (internal/market's historical/fundamentals fetchers).
func (k *KotakNeoBroker) Token() string {
	return k.token()
}

// ScripMaster fetches Kotak Neo's published CSV dump on every call and
// replaces the stored trading-symbol -> instrument-token mapping with it;
// resolveToken reads the most recently loaded mapping.
func (k *KotakNeoBroker) ScripMaster(ctx context.Context) (map[string]string, error) {
	respBody, err := k.doRequest(ctx, http.MethodGet, "/masterscrip/nse_cm.csv", nil)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker ScripMaster: %w", err)
	}

	mapping := parseScripMasterCSV(respBody)

	k.mu.Lock()
	k.scripMaster = mapping
	k.mu.Unlock()
	return mapping, nil
}

func (k *KotakNeoBroker) resolveToken(symbol string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.scripMaster == nil {
		return "", errors.New("scrip master not loaded — call ScripMaster first")
	}
	tok, ok := k.scripMaster[symbol]
	if !ok {
		return "", fmt.Errorf("no instrument token for symbol %q", symbol)
	}
	return tok, nil
}

// mapNeoOrderType converts our OrderType to Kotak Neo's enum.
func mapNeoOrderType(ot OrderType) string {
	switch ot {
	case OrderTypeLimit:
		return "L"
	case OrderTypeMarket:
		return "MKT"
	case OrderTypeSL:
		return "SL"
	case OrderTypeSLM:
		return "SL-M"
	default:
		return "MKT"
	}
}

func mapNeoVariety(v OrderVariety) string {
	if v == VarietyAMO {
		return "AMO"
	}
	return "REGULAR"
}

// mapNeoStatus converts Kotak Neo order status strings to our OrderStatus.
func mapNeoStatus(s string) OrderStatus {
	switch s {
	case "complete", "COMPLETE":
		return OrderStatusCompleted
	case "cancelled", "CANCELLED":
		return OrderStatusCancelled
	case "rejected", "REJECTED":
		return OrderStatusRejected
	case "open", "OPEN", "trigger pending":
		return OrderStatusOpen
	default:
		return OrderStatusPending
	}
}

// --- Kotak Neo API request/response types ---

type neoPlaceOrderReq struct {
	Symbol       string `json:"trading_symbol"`
	Token        string `json:"instrument_token"`
	Exchange     string `json:"exchange_segment"`
	TransType    string `json:"transaction_type"`
	OrderType    string `json:"order_type"`
	Variety      string `json:"order_variety"`
	Product      string `json:"product"`
	Quantity     int    `json:"quantity"`
	Price        string `json:"price"`
	TriggerPrice string `json:"trigger_price"`
	Validity     string `json:"validity"`
	Tag          string `json:"tag,omitempty"`
}

type neoPlaceOrderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"stat"`
}

type neoOrderDetailResp struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"order_status"`
	FilledQty     int    `json:"filled_qty"`
	RemainingQty  int    `json:"remaining_qty"`
	AveragePrice  string `json:"avg_price"`
	RejectReason  string `json:"rej_reason"`
}

type neoFundResp struct {
	AvailableCash string `json:"Net"`
	UsedMargin    string `json:"MarginUsed"`
	TotalBalance  string `json:"Collateral"`
}

type neoHoldingResp struct {
	Exchange      string `json:"exchange_segment"`
	TradingSymbol string `json:"trading_symbol"`
	Quantity      int    `json:"quantity"`
	AveragePrice  string `json:"average_price"`
}

// --- HTTP helper ---

func (k *KotakNeoBroker) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	url := k.config.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := k.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, kerrs.New(kerrs.Transient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kerrs.New(kerrs.Transient, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, kerrs.Newf(kerrs.AuthExpired, "kotakneo broker: 401: %s", string(respBody))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, kerrs.Newf(kerrs.RateLimited, "kotakneo broker: 429: %s", string(respBody))
	case resp.StatusCode >= 500:
		return nil, kerrs.Newf(kerrs.Transient, "kotakneo broker: %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		return nil, kerrs.Newf(kerrs.BrokerReject, "kotakneo broker: %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// --- Broker interface implementation ---

// PlaceOrder submits an order to Kotak Neo.
func (k *KotakNeoBroker) PlaceOrder(ctx context.Context, order Order) (*OrderResponse, error) {
	token, err := k.resolveToken(order.Symbol)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker: %w", err)
	}

	product := order.Product
	if product == "" {
		product = "CNC"
	}

	neoReq := neoPlaceOrderReq{
		Symbol:       order.Symbol,
		Token:        token,
		Exchange:     "nse_cm",
		TransType:    string(order.Side),
		OrderType:    mapNeoOrderType(order.Type),
		Variety:      mapNeoVariety(order.Variety),
		Product:      product,
		Quantity:     order.Quantity,
		Price:        strconv.FormatFloat(order.Price, 'f', 2, 64),
		TriggerPrice: strconv.FormatFloat(order.TriggerPrice, 'f', 2, 64),
		Validity:     "DAY",
		Tag:          order.Tag,
	}

	respBody, err := k.doRequest(ctx, http.MethodPost, "/Orders/2.0/quick/order/rule/ru", neoReq)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker PlaceOrder: %w", err)
	}

	var neoResp neoPlaceOrderResp
	if err := json.Unmarshal(respBody, &neoResp); err != nil {
		return nil, fmt.Errorf("kotakneo broker PlaceOrder: parse response: %w", err)
	}

	return &OrderResponse{
		OrderID:   neoResp.OrderID,
		Status:    OrderStatusPending,
		Message:   fmt.Sprintf("order placed: %s %d %s @ %s (%s)", order.Side, order.Quantity, order.Symbol, mapNeoOrderType(order.Type), mapNeoVariety(order.Variety)),
		Timestamp: time.Now(),
	}, nil
}

// GetOrderStatus checks order status.
func (k *KotakNeoBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatusResponse, error) {
	respBody, err := k.doRequest(ctx, http.MethodGet, "/Orders/2.0/quick/order/status/"+orderID, nil)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker GetOrderStatus: %w", err)
	}

	var detail neoOrderDetailResp
	if err := json.Unmarshal(respBody, &detail); err != nil {
		return nil, fmt.Errorf("kotakneo broker GetOrderStatus: parse response: %w", err)
	}

	avg, _ := strconv.ParseFloat(detail.AveragePrice, 64)
	return &OrderStatusResponse{
		OrderID:      detail.OrderID,
		Status:       mapNeoStatus(detail.Status),
		FilledQty:    detail.FilledQty,
		PendingQty:   detail.RemainingQty,
		AveragePrice: avg,
		Message:      detail.RejectReason,
		Timestamp:    time.Now(),
	}, nil
}

// CancelOrder cancels a pending order. An already-cancelled or
// already-complete order reports a no-op ack rather than an error, per the
// idempotence requirement on this call.
func (k *KotakNeoBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := k.doRequest(ctx, http.MethodDelete, "/Orders/2.0/quick/order/cancel/"+orderID, nil)
	if err != nil {
		if kerrs.Is(err, kerrs.BrokerReject) {
			// Kotak Neo reports a 4xx for cancelling an already-terminal
			// order; treat that as the idempotent no-op the spec requires.
			return nil
		}
		return fmt.Errorf("kotakneo broker CancelOrder: %w", err)
	}
	return nil
}

// GetFunds retrieves available funds.
func (k *KotakNeoBroker) GetFunds(ctx context.Context) (*Fund, error) {
	respBody, err := k.doRequest(ctx, http.MethodGet, "/Orders/2.0/quick/user/limits", nil)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker GetFunds: %w", err)
	}

	var fundResp neoFundResp
	if err := json.Unmarshal(respBody, &fundResp); err != nil {
		return nil, fmt.Errorf("kotakneo broker GetFunds: parse response: %w", err)
	}

	cash, _ := strconv.ParseFloat(fundResp.AvailableCash, 64)
	used, _ := strconv.ParseFloat(fundResp.UsedMargin, 64)
	total, _ := strconv.ParseFloat(fundResp.TotalBalance, 64)

	return &Fund{AvailableCash: cash, UsedMargin: used, TotalBalance: total}, nil
}

// GetHoldings retrieves delivery holdings across all known symbol variants.
func (k *KotakNeoBroker) GetHoldings(ctx context.Context) ([]Holding, error) {
	respBody, err := k.doRequest(ctx, http.MethodGet, "/Portfolio/1.0/portfolio/holdings", nil)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker GetHoldings: %w", err)
	}

	var neoHoldings []neoHoldingResp
	if err := json.Unmarshal(respBody, &neoHoldings); err != nil {
		return nil, fmt.Errorf("kotakneo broker GetHoldings: parse response: %w", err)
	}

	holdings := make([]Holding, 0, len(neoHoldings))
	for _, h := range neoHoldings {
		avg, _ := strconv.ParseFloat(h.AveragePrice, 64)
		holdings = append(holdings, Holding{
			Symbol:       h.TradingSymbol,
			Exchange:     "NSE",
			Quantity:     h.Quantity,
			AveragePrice: avg,
		})
	}
	return holdings, nil
}

// GetPositions retrieves open positions. For CNC delivery trading, Kotak
// Neo's positions feed and holdings feed largely overlap; this mirrors
// holdings with the CNC product tag since the engine never trades margin.
func (k *KotakNeoBroker) GetPositions(ctx context.Context) ([]Position, error) {
	holdings, err := k.GetHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("kotakneo broker GetPositions: %w", err)
	}

	positions := make([]Position, 0, len(holdings))
	for _, h := range holdings {
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

// parseScripMasterCSV parses Kotak Neo's "tradingsymbol,instrumenttoken,..."
// master scrip dump into a map keyed by the trading symbol exactly as the
// first column gives it (e.g. "RELIANCE-EQ"), valued by token. Malformed or
// short rows are skipped rather than aborting the whole load.
func parseScripMasterCSV(raw []byte) map[string]string {
	mapping := make(map[string]string)
	lines := splitLines(raw)
	for i, line := range lines {
		if i == 0 || len(line) == 0 {
			continue // header or blank
		}
		fields := splitCSVLine(line)
		if len(fields) < 2 {
			continue
		}
		mapping[fields[0]] = fields[1]
	}
	return mapping
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			end := i
			if end > start && raw[end-1] == '\r' {
				end--
			}
			lines = append(lines, string(raw[start:end]))
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	return lines
}

func splitCSVLine(line string) []string {
	var fields []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ',' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}
	fields = append(fields, line[start:])
	return fields
}

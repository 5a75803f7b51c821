// Package market - liveprice.go maintains a WebSocket-fed symbol -> LTP
// cache, adapted from sdibella-kalshi-btc15m's internal/kalshi/ws.go
// (connect/reconnect loop, subscription tracking that survives a
// reconnect) but narrowed to a flat price cache instead of an orderbook.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StaleThreshold is the default maximum age get_ltp_fallback will accept
// from the WebSocket cache before falling back to the last daily close.
const StaleThreshold = 60 * time.Second

const connectLogThrottle = 60 * time.Second

type tick struct {
	price float64
	ts    time.Time
}

// LivePriceConfig configures the WebSocket feed connection.
type LivePriceConfig struct {
	WSURL          string
	ReconnectBase  time.Duration // default 2s
	ConnectTimeout time.Duration // default 10s, used by WaitForConnection
}

// LivePriceCache maintains symbol -> (price, ts) from broker tick
// messages, reconnecting with backoff and resubscribing the tracked
// symbol set whenever the connection drops.
type LivePriceCache struct {
	cfg LivePriceConfig

	mu    sync.RWMutex
	conn  *websocket.Conn
	ticks map[string]tick

	subMu       sync.RWMutex
	subscribed  map[string]bool

	connectedCh chan struct{}
	connOnce    sync.Once

	logMu        sync.Mutex
	lastConnLog  time.Time
}

// NewLivePriceCache creates a cache. Call Run in its own goroutine to
// start the connect/reconnect loop.
func NewLivePriceCache(cfg LivePriceConfig) *LivePriceCache {
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = 2 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &LivePriceCache{
		cfg:         cfg,
		ticks:       make(map[string]tick),
		subscribed:  make(map[string]bool),
		connectedCh: make(chan struct{}),
	}
}

// Run connects and reconnects forever with exponential-ish backoff until
// ctx is cancelled. Intended to run in its own goroutine for the process
// lifetime.
func (c *LivePriceCache) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	const maxBackoff = 30 * time.Second

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("live price ws disconnected", "err", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *LivePriceCache) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("live price ws dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logConnectThrottled()
	c.connOnce.Do(func() { close(c.connectedCh) })

	if symbols := c.subscribedList(); len(symbols) > 0 {
		if err := c.sendSubscribe(conn, symbols); err != nil {
			slog.Warn("live price ws resubscribe failed", "err", err, "symbols", len(symbols))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(45 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(msg)
	}
}

// logConnectThrottled emits at most one INFO connect log per 60s window,
// collapsing the reconnect storms a flaky feed produces.
func (c *LivePriceCache) logConnectThrottled() {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	now := time.Now()
	if now.Sub(c.lastConnLog) < connectLogThrottle {
		return
	}
	c.lastConnLog = now
	slog.Info("live price ws connected")
}

// WaitForConnection blocks until the first successful connection, ctx
// expiry, or cfg.ConnectTimeout, whichever comes first. Subscribers must
// call this before the first get_ltp to avoid racing an empty cache.
func (c *LivePriceCache) WaitForConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	select {
	case <-c.connectedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe tracks symbols for streaming and sends a live subscribe
// command if currently connected. Tracked symbols are auto-resubscribed
// on reconnect.
func (c *LivePriceCache) Subscribe(symbols []string) error {
	c.subMu.Lock()
	for _, s := range symbols {
		c.subscribed[s] = true
	}
	c.subMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return c.sendSubscribe(conn, symbols)
}

// Unsubscribe drops symbols from tracking and clears their cached ticks.
func (c *LivePriceCache) Unsubscribe(symbols []string) {
	c.subMu.Lock()
	for _, s := range symbols {
		delete(c.subscribed, s)
	}
	c.subMu.Unlock()

	c.mu.Lock()
	for _, s := range symbols {
		delete(c.ticks, s)
	}
	c.mu.Unlock()
}

func (c *LivePriceCache) subscribedList() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		out = append(out, s)
	}
	return out
}

type wsSubscribeCmd struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

func (c *LivePriceCache) sendSubscribe(conn *websocket.Conn, symbols []string) error {
	return conn.WriteJSON(wsSubscribeCmd{Action: "subscribe", Symbols: symbols})
}

type wsTickMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"ltp"`
}

func (c *LivePriceCache) handleMessage(data []byte) {
	var msg wsTickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("live price ws: bad tick message", "err", err)
		return
	}
	if msg.Symbol == "" {
		return
	}

	c.mu.Lock()
	c.ticks[msg.Symbol] = tick{price: msg.Price, ts: time.Now()}
	c.mu.Unlock()
}

// GetLTP returns the cached price and its age for symbol, or false if
// nothing has been received for it yet.
func (c *LivePriceCache) GetLTP(symbol string) (price float64, age time.Duration, ok bool) {
	c.mu.RLock()
	t, found := c.ticks[symbol]
	c.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	return t.price, time.Since(t.ts), true
}

// Package store is the TradeStore: the single source of truth for open and
// closed positions, per-position level-state, and the failed-order retry
// queue. Persistence follows eddiefleurent-scranton_strangler's
// internal/storage atomic-write pattern (temp file in the same directory,
// fsync, rename, fsync parent dir, with an EXDEV fallback copy) rather than
// the teacher's unfinished Postgres layer.
//
// All mutating operations serialize through a single mutex; callers never
// observe a partially written ledger on disk because writes never touch the
// real path until the replacement file is fully synced.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/market"
)

// EntryKind distinguishes a position's initial fill from a pyramided re-entry.
type EntryKind string

const (
	EntryKindInitial EntryKind = "initial"
	EntryKindReentry EntryKind = "reentry"
)

// Status is a Position's lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Fill is one broker-acknowledged buy or sell execution against a Position.
type Fill struct {
	ID         string          `json:"id"`
	Time       time.Time       `json:"time"`
	Price      decimal.Decimal `json:"price"`
	Qty        int             `json:"qty"`
	Side       string          `json:"side"` // "buy" or "sell"
	Level      int             `json:"level,omitempty"` // triggering RSI bucket: 30, 20, or 10
	EntryKind  EntryKind       `json:"entry_kind,omitempty"`
	OrderID    string          `json:"order_id"`
}

// LevelState is the per-position tri-flag recording which RSI dip levels
// have already produced a fill in the current cycle.
type LevelState struct {
	Level30    bool `json:"level_30"`
	Level20    bool `json:"level_20"`
	Level10    bool `json:"level_10"`
	ResetReady bool `json:"reset_ready"`
}

// Taken reports whether the given level (30, 20, or 10) has a fill this cycle.
func (l LevelState) Taken(level int) bool {
	switch level {
	case 30:
		return l.Level30
	case 20:
		return l.Level20
	case 10:
		return l.Level10
	default:
		return false
	}
}

// mark sets the flag for level (30, 20, or 10). Unknown levels are a no-op.
func (l *LevelState) mark(level int) {
	switch level {
	case 30:
		l.Level30 = true
	case 20:
		l.Level20 = true
	case 10:
		l.Level10 = true
	}
}

// Position is an open or closed holding of one ticker.
type Position struct {
	Ticker       string          `json:"ticker"`
	BaseSymbol   string          `json:"base_symbol"`
	BrokerSymbol string          `json:"broker_symbol"` // includes exchange segment, e.g. FOO-EQ
	EntryPrice   decimal.Decimal `json:"entry_price"`
	EntryTime    time.Time       `json:"entry_time"`
	CurrentQty   int             `json:"current_qty"`
	Fills        []Fill          `json:"fills"`
	Levels       LevelState      `json:"levels"`
	Status       Status          `json:"status"`

	ExitPrice   decimal.Decimal `json:"exit_price,omitempty"`
	ExitTime    time.Time       `json:"exit_time,omitempty"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	ExitOrderID string          `json:"exit_order_id,omitempty"`
	PnL         decimal.Decimal `json:"pnl,omitempty"`

	// LowestEMA9Seen is nil until the first sell order is placed; thereafter
	// it is monotonically non-increasing for the life of the Position.
	LowestEMA9Seen  *decimal.Decimal `json:"lowest_ema9_seen,omitempty"`
	SellOrderID     string           `json:"sell_order_id,omitempty"`
}

// CandidateSnapshot is the subset of a Candidate captured at the moment a
// buy attempt fails, so a retry can be attempted without re-reading the
// original candidate file.
type CandidateSnapshot struct {
	Ticker           string          `json:"ticker"`
	LastClose        decimal.Decimal `json:"last_close"`
	FinalVerdict     string          `json:"final_verdict"`
	CombinedScore    float64         `json:"combined_score"`
	ExecutionCapital decimal.Decimal `json:"execution_capital,omitempty"`
}

// FailedOrder is a buy attempt that failed for a retryable reason.
type FailedOrder struct {
	Candidate     CandidateSnapshot `json:"candidate"`
	FirstFailedAt time.Time         `json:"first_failed_at"`
	Attempts      int               `json:"attempts"`
	LastReason    string            `json:"last_reason"`
}

// ledger is the on-disk shape. Field names are stable across versions.
// json.Unmarshal into this struct ignores unknown fields in an on-disk
// file, so the next save does not write them back; any future migration
// should add fields here rather than rename existing ones.
type ledger struct {
	Positions    map[string]*Position `json:"positions"`
	FailedOrders []FailedOrder        `json:"failed_orders"`
}

func newLedger() *ledger {
	return &ledger{Positions: make(map[string]*Position)}
}

// Store is the TradeStore.
type Store struct {
	mu   sync.Mutex
	path string
	data *ledger
}

// New opens (or initializes) a Store backed by path. If the file does not
// exist yet, an empty ledger is used and will be created on first Save.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating parent directory: %w", err)
	}

	s := &Store{path: path, data: newLedger()}

	if _, err := os.Stat(path); err == nil {
		if loadErr := s.Load(); loadErr != nil {
			return nil, fmt.Errorf("store: loading ledger: %w", loadErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: stat ledger file: %w", err)
	}

	return s, nil
}

// Load reads the ledger from disk, replacing in-memory state.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	loaded := newLedger()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return err
	}
	if loaded.Positions == nil {
		loaded.Positions = make(map[string]*Position)
	}
	s.data = loaded
	return nil
}

// Save atomically replaces the ledger file with the current in-memory state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked performs the atomic write. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tradestore-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.data); err != nil {
		return fmt.Errorf("store: encode ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}

	dirSynced := false
	if err := os.Rename(tmpName, s.path); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if copyErr := copyFile(tmpName, s.path); copyErr != nil {
				return fmt.Errorf("store: cross-device copy: %w", copyErr)
			}
			dirSynced = true
		} else {
			return fmt.Errorf("store: rename temp file: %w", err)
		}
	}
	tmpName = ""

	if !dirSynced {
		if err := syncDir(dir); err != nil {
			return fmt.Errorf("store: fsync parent directory: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	out, err := os.CreateTemp(dir, ".tradestore-copy-*")
	if err != nil {
		return err
	}
	outName := out.Name()
	defer func() {
		_ = out.Close()
		_ = os.Remove(outName)
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(outName, dst); err != nil {
		return err
	}
	outName = ""
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// OpenPositions returns a snapshot copy of every open Position.
func (s *Store) OpenPositions() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Position, 0, len(s.data.Positions))
	for _, p := range s.data.Positions {
		if p.Status == StatusOpen {
			out = append(out, clonePosition(p))
		}
	}
	return out
}

// Position returns a snapshot copy of the Position for ticker, if any.
func (s *Store) Position(ticker string) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.Positions[ticker]
	if !ok {
		return nil, false
	}
	return clonePosition(p), true
}

// AddFill appends fill to the Position for ticker, creating it if absent,
// and atomically updates level-state in the same transaction (spec §4.4,
// §8 invariant 5). For a new Position, fill must carry EntryKind initial.
func (s *Store) AddFill(ticker, baseSymbol, brokerSymbol string, fill Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}

	p, ok := s.data.Positions[ticker]
	if !ok {
		p = &Position{
			Ticker:       ticker,
			BaseSymbol:   baseSymbol,
			BrokerSymbol: brokerSymbol,
			EntryPrice:   fill.Price,
			EntryTime:    fill.Time,
			Status:       StatusOpen,
		}
		s.data.Positions[ticker] = p
	}

	p.Fills = append(p.Fills, fill)
	if fill.Side == "buy" {
		p.CurrentQty += fill.Qty
	} else {
		p.CurrentQty -= fill.Qty
	}
	if fill.Level != 0 {
		p.Levels.mark(fill.Level)
	}

	return s.saveLocked()
}

// ClosePosition transitions a Position to closed and computes realized P&L
// as sum(sell qty*price) - sum(buy qty*price) over its recorded fills, with
// the quantity still held counted as sold at exitPrice.
func (s *Store) ClosePosition(ticker string, exitPrice decimal.Decimal, exitTime time.Time, reason, exitOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.Positions[ticker]
	if !ok {
		return fmt.Errorf("store: close_position: no position for %s", ticker)
	}

	bought := decimal.Zero
	sold := decimal.Zero
	for _, f := range p.Fills {
		amount := f.Price.Mul(decimal.NewFromInt(int64(f.Qty)))
		if f.Side == "sell" {
			sold = sold.Add(amount)
		} else {
			bought = bought.Add(amount)
		}
	}
	if p.CurrentQty > 0 {
		sold = sold.Add(exitPrice.Mul(decimal.NewFromInt(int64(p.CurrentQty))))
	}

	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ExitTime = exitTime
	p.ExitReason = reason
	p.ExitOrderID = exitOrderID
	p.PnL = sold.Sub(bought)

	return s.saveLocked()
}

// AdjustQuantity overwrites current_quantity for an open Position to match
// a broker-reported value discovered by reconciliation (e.g. a manual
// partial sell placed outside the system). It does not append a Fill: the
// adjustment has no known price or order id, only the new quantity.
func (s *Store) AdjustQuantity(ticker string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.Positions[ticker]
	if !ok {
		return fmt.Errorf("store: adjust_quantity: no position for %s", ticker)
	}
	p.CurrentQty = qty
	return s.saveLocked()
}

// MarkResetReady sets the reset_ready flag (spec §4.4.b step 1).
func (s *Store) MarkResetReady(ticker string) error {
	return s.mutateLevels(ticker, func(l *LevelState) { l.ResetReady = true })
}

// ResetLevels clears all three level flags and reset_ready (spec §4.4.b
// step 2, the cycle-reset transition).
func (s *Store) ResetLevels(ticker string) error {
	return s.mutateLevels(ticker, func(l *LevelState) {
		*l = LevelState{}
	})
}

// MarkLevelTaken sets a single level flag without touching the others.
func (s *Store) MarkLevelTaken(ticker string, level int) error {
	return s.mutateLevels(ticker, func(l *LevelState) { l.mark(level) })
}

func (s *Store) mutateLevels(ticker string, mutate func(*LevelState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.Positions[ticker]
	if !ok {
		return fmt.Errorf("store: no position for %s", ticker)
	}
	mutate(&p.Levels)
	return s.saveLocked()
}

// EnqueueFailed records a failed buy attempt. If an entry for the same
// ticker already exists from earlier today, its attempt count is
// incremented in place rather than duplicated.
func (s *Store) EnqueueFailed(candidate CandidateSnapshot, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.FailedOrders {
		fo := &s.data.FailedOrders[i]
		if fo.Candidate.Ticker == candidate.Ticker && sameDay(fo.FirstFailedAt, now) {
			fo.Attempts++
			fo.LastReason = reason
			return s.saveLocked()
		}
	}

	s.data.FailedOrders = append(s.data.FailedOrders, FailedOrder{
		Candidate:     candidate,
		FirstFailedAt: now,
		Attempts:      1,
		LastReason:    reason,
	})
	return s.saveLocked()
}

// FailedOrders returns a snapshot copy of the current retry queue.
func (s *Store) FailedOrders() []FailedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FailedOrder, len(s.data.FailedOrders))
	copy(out, s.data.FailedOrders)
	return out
}

// RemoveFailed drops a FailedOrder for ticker from the queue (called once
// a retried buy succeeds).
func (s *Store) RemoveFailed(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.FailedOrders[:0]
	for _, fo := range s.data.FailedOrders {
		if fo.Candidate.Ticker != ticker {
			kept = append(kept, fo)
		}
	}
	s.data.FailedOrders = kept
	return s.saveLocked()
}

// PurgeExpiredFailed drops entries per spec §3: a missing timestamp is
// purged unconditionally; anything older than yesterday is purged
// unconditionally; yesterday's entries are retained only until 09:15 local
// (IST); today's entries are always retained.
func (s *Store) PurgeExpiredFailed(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowIST := now.In(market.IST)
	cutoff := time.Date(nowIST.Year(), nowIST.Month(), nowIST.Day(), 9, 15, 0, 0, market.IST)
	startOfYesterday := time.Date(nowIST.Year(), nowIST.Month(), nowIST.Day(), 0, 0, 0, 0, market.IST).AddDate(0, 0, -1)

	kept := s.data.FailedOrders[:0]
	for _, fo := range s.data.FailedOrders {
		if fo.FirstFailedAt.IsZero() {
			continue
		}
		failedAt := fo.FirstFailedAt.In(market.IST)
		if failedAt.Before(startOfYesterday) {
			continue
		}
		if sameDay(failedAt, startOfYesterday) && nowIST.After(cutoff) {
			continue
		}
		kept = append(kept, fo)
	}
	s.data.FailedOrders = kept
	return s.saveLocked()
}

// ReentriesToday counts fills with EntryKind reentry for ticker dated today
// (IST calendar day), the canonical definition per the spec's resolution
// of re-entry accounting (see DESIGN.md).
func (s *Store) ReentriesToday(ticker string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.Positions[ticker]
	if !ok {
		return 0
	}

	count := 0
	for _, f := range p.Fills {
		if f.EntryKind == EntryKindReentry && sameDay(f.Time.In(market.IST), now.In(market.IST)) {
			count++
		}
	}
	return count
}

// SetSellOrder records the active sell order id and the EMA9 price it was
// placed at, enforcing the monotonic-trail invariant (spec §8 invariant 3):
// it is an error to call this with a price higher than the previously
// recorded LowestEMA9Seen.
func (s *Store) SetSellOrder(ticker, orderID string, ema9 decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.Positions[ticker]
	if !ok {
		return fmt.Errorf("store: no position for %s", ticker)
	}
	if p.LowestEMA9Seen != nil && ema9.GreaterThan(*p.LowestEMA9Seen) {
		return fmt.Errorf("store: refusing to raise trailing sell for %s: new ema9 %s > lowest seen %s", ticker, ema9, *p.LowestEMA9Seen)
	}

	p.SellOrderID = orderID
	seen := ema9
	p.LowestEMA9Seen = &seen
	return s.saveLocked()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func clonePosition(p *Position) *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Fills = make([]Fill, len(p.Fills))
	copy(cp.Fills, p.Fills)
	if p.LowestEMA9Seen != nil {
		v := *p.LowestEMA9Seen
		cp.LowestEMA9Seen = &v
	}
	return &cp
}

// Package notify defines the outbound event surface (spec §6: rejection,
// execution, partial fill, insufficient funds, manual trade detected,
// daily summary). Transport is pluggable; LogNotifier is the default,
// matching the teacher's stance that notification transport is an
// external collaborator, not part of the core.
package notify

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// EventKind names an outbound notification category.
type EventKind string

const (
	EventRejection       EventKind = "rejection"
	EventExecution       EventKind = "execution"
	EventPartialFill     EventKind = "partial_fill"
	EventInsufficientFunds EventKind = "insufficient_funds"
	EventManualTrade     EventKind = "manual_trade_detected"
	EventDailySummary    EventKind = "daily_summary"
	EventCritical        EventKind = "critical"
)

// Event is a single outbound notification.
type Event struct {
	Kind      EventKind
	Ticker    string // empty for account-wide events such as daily summary
	Message   string
	Time      time.Time
}

// Notifier is the pluggable transport for outbound events.
type Notifier interface {
	Notify(e Event) error
}

// LogNotifier writes events through a *log.Logger. It is the default
// transport: always available, never requires external configuration.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger falls back to
// log.Default().
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(e Event) error {
	if e.Ticker != "" {
		n.logger.Printf("[notify] %s %s: %s", e.Kind, e.Ticker, e.Message)
	} else {
		n.logger.Printf("[notify] %s: %s", e.Kind, e.Message)
	}
	return nil
}

// TelegramNotifier posts events to a Telegram chat via the Bot API. It is
// not constructed by default; wire it into a MultiNotifier only when a bot
// token and chat id are configured.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a TelegramNotifier posting to the given chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Notify(e Event) error {
	text := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Ticker != "" {
		text = fmt.Sprintf("[%s] %s: %s", e.Kind, e.Ticker, e.Message)
	}

	form := url.Values{"chat_id": {t.chatID}, "text": {text}}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	resp, err := t.client.PostForm(endpoint, form)
	if err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram send: status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans an event out to every wrapped Notifier, collecting
// (not stopping on) individual failures.
type MultiNotifier struct {
	targets []Notifier
}

// NewMultiNotifier wires together the given notifiers.
func NewMultiNotifier(targets ...Notifier) *MultiNotifier {
	return &MultiNotifier{targets: targets}
}

func (m *MultiNotifier) Notify(e Event) error {
	var firstErr error
	for _, t := range m.targets {
		if err := t.Notify(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DailySummary is the end-of-day aggregate per spec §6.
type DailySummary struct {
	Date            time.Time
	EntriesPlaced   int
	ReentriesPlaced int
	ExitsCompleted  int
	Rejections      int
	RealizedPnL     float64
}

// Summarize renders a DailySummary into the daily_summary event message.
func Summarize(s DailySummary) Event {
	return Event{
		Kind: EventDailySummary,
		Message: fmt.Sprintf(
			"entries=%d reentries=%d exits=%d rejections=%d realized_pnl=%.2f",
			s.EntriesPlaced, s.ReentriesPlaced, s.ExitsCompleted, s.Rejections, s.RealizedPnL,
		),
		Time: s.Date,
	}
}

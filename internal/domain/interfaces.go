package domain

import (
	"context"
	"time"
)

// DataProvider fetches OHLC bars for a symbol at a timeframe.
// Implementations own their rate limiting; callers see only bars or an
// error. A nil/empty result with nil error means "no data".
type DataProvider interface {
	// ID returns the provider identifier (e.g. "yahoo", "twelvedata").
	ID() string
	// FetchOHLC returns up to count bars, oldest first.
	FetchOHLC(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Bar, error)
	// Available reports whether the provider's dependencies are usable
	// (credentials resolve, client library present).
	Available() bool
}

// Position is an open position reported by a broker.
type Position struct {
	Ticket     string    `json:"ticket"`
	Symbol     string    `json:"symbol"`
	Type       string    `json:"type"` // BUY or SELL
	Volume     float64   `json:"volume"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Profit     float64   `json:"profit"`
	OpenTime   time.Time `json:"open_time"`
	SignalID   string    `json:"signal_id,omitempty"`
}

// ExecutionResult is the broker's answer to an order request.
type ExecutionResult struct {
	Success bool    `json:"success"`
	Ticket  string  `json:"ticket,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Reason  string  `json:"reason,omitempty"` // rejection reason when !Success
}

// BrokerTradeClosedEvent is the normalized close event every broker
// connector emits. EventKindTradeClosed is the only kind the listener
// accepts; anything else is dropped as a protocol violation.
type BrokerTradeClosedEvent struct {
	Kind  string      `json:"kind"`
	Trade TradeResult `json:"trade"`
}

// EventKindTradeClosed is the event kind for closed-trade events.
const EventKindTradeClosed = "TRADE_CLOSED"

// BrokerConnector is the normalized broker interface the engine consumes.
// Implementations with thread-affinity requirements (MT5) must funnel all
// calls through a dedicated goroutine internally.
type BrokerConnector interface {
	ID() string
	Connect() bool
	IsConnected() bool
	GetOpenPositions() ([]Position, error)
	GetClosedPositions(hours int) ([]Position, error)
	GetAccountBalance() (float64, error)
	ExecuteOrder(signal Signal, volume float64) (ExecutionResult, error)
	// DrainClosedEvents returns and clears pending close events.
	DrainClosedEvents() []BrokerTradeClosedEvent
	Close() error
}

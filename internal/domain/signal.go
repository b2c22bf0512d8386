package domain

import "time"

// SignalType is the direction of a trading signal.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

// SignalStatus is the lifecycle state of a signal. Transitions are
// persisted through storage: PENDING -> EXECUTED | EXPIRED, and
// EXECUTED -> CLOSED once the broker reports the position closed.
type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalExpired  SignalStatus = "EXPIRED"
	SignalClosed   SignalStatus = "CLOSED"
)

// Signal is a trade proposal produced by the signal factory.
type Signal struct {
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	Type          SignalType        `json:"type"`
	Timeframe     Timeframe         `json:"timeframe"`
	EntryPrice    float64           `json:"entry_price"`
	StopLoss      float64           `json:"stop_loss"`
	TakeProfit    float64           `json:"take_profit"`
	Confidence    float64           `json:"confidence"`
	StrategyID    string            `json:"strategy_id"`
	ConnectorType string            `json:"connector_type"`
	Regime        Regime            `json:"regime"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	TraceID       string            `json:"trace_id"`
	Status        SignalStatus      `json:"status"`
}

// ExecutionMode gates whether a strategy's signals reach the broker.
// Missing ranking entries are treated as LIVE for legacy strategies.
type ExecutionMode string

const (
	// ExecutionLive - signals execute normally
	ExecutionLive ExecutionMode = "LIVE"
	// ExecutionShadow - signals are recorded but never sent to the broker
	ExecutionShadow ExecutionMode = "SHADOW"
	// ExecutionQuarantine - signals are blocked entirely
	ExecutionQuarantine ExecutionMode = "QUARANTINE"
)

package domain

import "time"

// TradeOutcome is the realized result of a closed trade.
type TradeOutcome string

const (
	TradeWin       TradeOutcome = "WIN"
	TradeLoss      TradeOutcome = "LOSS"
	TradeBreakeven TradeOutcome = "BREAKEVEN"
)

// ExitReason describes why a position was closed.
type ExitReason string

const (
	ExitStopLoss    ExitReason = "stop_loss_hit"
	ExitTakeProfit  ExitReason = "take_profit_hit"
	ExitManualClose ExitReason = "manual_close"
	ExitOther       ExitReason = "other"
)

// TradeResult is the normalized record of one closed trade.
// Ticket is the idempotence key: at most one row per ticket exists in
// storage no matter how many times the broker redelivers the event.
type TradeResult struct {
	Ticket     string            `json:"ticket"`
	SignalID   string            `json:"signal_id,omitempty"`
	Symbol     string            `json:"symbol"`
	EntryPrice float64           `json:"entry_price"`
	ExitPrice  float64           `json:"exit_price"`
	EntryTime  time.Time         `json:"entry_time"`
	ExitTime   time.Time         `json:"exit_time"`
	ProfitLoss float64           `json:"profit_loss"`
	Pips       float64           `json:"pips"`
	ExitReason ExitReason        `json:"exit_reason"`
	Result     TradeOutcome      `json:"result"`
	BrokerID   string            `json:"broker_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsWin reports whether the trade closed profitably.
func (t *TradeResult) IsWin() bool {
	return t.Result == TradeWin
}

// OutcomeFromPnL derives the trade outcome from realized profit/loss.
func OutcomeFromPnL(pnl float64) TradeOutcome {
	switch {
	case pnl > 0:
		return TradeWin
	case pnl < 0:
		return TradeLoss
	default:
		return TradeBreakeven
	}
}

// SessionStats tracks per-day pipeline counters. Reconstructed from
// storage on boot: SignalsExecuted always comes from persisted EXECUTED
// signals, the other counters are restored only when the persisted date
// matches today.
type SessionStats struct {
	Date             string `json:"date"` // YYYY-MM-DD
	SignalsProcessed int    `json:"signals_processed"`
	SignalsExecuted  int    `json:"signals_executed"`
	CyclesCompleted  int    `json:"cycles_completed"`
	ErrorsCount      int    `json:"errors_count"`
	SignalsRejected  int    `json:"signals_rejected"`
	SignalsExpired   int    `json:"signals_expired"`
	TradesClosed     int    `json:"trades_closed"`
}

// Package broker holds the broker connector implementations. The paper
// connector fills orders instantly at the signal's entry price and is
// the default for development and tests; real connectors (MT5 bridge,
// exchange gateways) satisfy the same domain.BrokerConnector interface.
package broker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
)

// PaperConnector simulates a broker account in memory.
type PaperConnector struct {
	id  string
	log zerolog.Logger

	mu        sync.Mutex
	connected bool
	balance   float64
	open      map[string]domain.Position
	closed    []closedPosition
	events    []domain.BrokerTradeClosedEvent
}

type closedPosition struct {
	position domain.Position
	closedAt time.Time
}

// NewPaperConnector creates a paper account with the given starting
// balance.
func NewPaperConnector(id string, balance float64, log zerolog.Logger) *PaperConnector {
	if id == "" {
		id = "paper"
	}
	return &PaperConnector{
		id:      id,
		log:     log.With().Str("component", "broker").Str("connector", id).Logger(),
		balance: balance,
		open:    make(map[string]domain.Position),
	}
}

func (c *PaperConnector) ID() string { return c.id }

func (c *PaperConnector) Connect() bool {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return true
}

func (c *PaperConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *PaperConnector) GetOpenPositions() ([]domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Position, 0, len(c.open))
	for _, p := range c.open {
		out = append(out, p)
	}
	return out, nil
}

func (c *PaperConnector) GetClosedPositions(hours int) ([]domain.Position, error) {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Position
	for _, cp := range c.closed {
		if cp.closedAt.After(cutoff) {
			out = append(out, cp.position)
		}
	}
	return out, nil
}

func (c *PaperConnector) GetAccountBalance() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

// ExecuteOrder fills immediately at the signal's entry price.
func (c *PaperConnector) ExecuteOrder(sig domain.Signal, volume float64) (domain.ExecutionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ExecutionResult{Success: false, Reason: "not connected"}, nil
	}
	if volume <= 0 {
		return domain.ExecutionResult{Success: false, Reason: "invalid volume"}, nil
	}

	ticket := uuid.NewString()
	c.open[ticket] = domain.Position{
		Ticket:     ticket,
		Symbol:     sig.Symbol,
		Type:       string(sig.Type),
		Volume:     volume,
		EntryPrice: sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		OpenTime:   time.Now(),
		SignalID:   sig.ID,
	}
	c.log.Info().
		Str("ticket", ticket).
		Str("symbol", sig.Symbol).
		Float64("volume", volume).
		Msg("Paper order filled")
	return domain.ExecutionResult{
		Success: true,
		Ticket:  ticket,
		Price:   sig.EntryPrice,
		Volume:  volume,
	}, nil
}

// ClosePosition settles an open position at exitPrice and queues the
// close event for the listener.
func (c *PaperConnector) ClosePosition(ticket string, exitPrice float64, reason domain.ExitReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.open[ticket]
	if !ok {
		return fmt.Errorf("no open position with ticket %s", ticket)
	}
	delete(c.open, ticket)

	direction := 1.0
	if pos.Type == string(domain.SignalSell) {
		direction = -1.0
	}
	pnl := (exitPrice - pos.EntryPrice) * pos.Volume * direction
	c.balance += pnl

	now := time.Now()
	pos.Profit = pnl
	c.closed = append(c.closed, closedPosition{position: pos, closedAt: now})

	trade := domain.TradeResult{
		Ticket:     ticket,
		SignalID:   pos.SignalID,
		Symbol:     pos.Symbol,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.OpenTime,
		ExitTime:   now,
		ProfitLoss: pnl,
		Pips:       math.Abs(exitPrice-pos.EntryPrice) * 1e4,
		ExitReason: reason,
		Result:     domain.OutcomeFromPnL(pnl),
		BrokerID:   c.id,
	}
	c.events = append(c.events, domain.BrokerTradeClosedEvent{
		Kind:  domain.EventKindTradeClosed,
		Trade: trade,
	})
	c.log.Info().
		Str("ticket", ticket).
		Float64("pnl", pnl).
		Str("reason", string(reason)).
		Msg("Paper position closed")
	return nil
}

// DrainClosedEvents returns all pending close events and clears the
// queue.
func (c *PaperConnector) DrainClosedEvents() []domain.BrokerTradeClosedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

func (c *PaperConnector) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

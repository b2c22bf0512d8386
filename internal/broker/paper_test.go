package broker

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/domain"
)

func testSignal() domain.Signal {
	return domain.Signal{
		ID:         "sig-1",
		Symbol:     "EURUSD",
		Type:       domain.SignalBuy,
		EntryPrice: 1.1000,
		StopLoss:   1.0900,
		TakeProfit: 1.1200,
	}
}

func TestExecuteOrderRequiresConnection(t *testing.T) {
	c := NewPaperConnector("paper", 10000, zerolog.Nop())
	res, err := c.ExecuteOrder(testSignal(), 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not connected", res.Reason)
}

func TestExecuteAndCloseRoundTrip(t *testing.T) {
	c := NewPaperConnector("paper", 10000, zerolog.Nop())
	require.True(t, c.Connect())

	res, err := c.ExecuteOrder(testSignal(), 2)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1.1000, res.Price)

	open, err := c.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "sig-1", open[0].SignalID)

	require.NoError(t, c.ClosePosition(res.Ticket, 1.1200, domain.ExitTakeProfit))

	open, err = c.GetOpenPositions()
	require.NoError(t, err)
	assert.Empty(t, open)

	// +0.02 price move on 2 units.
	balance, err := c.GetAccountBalance()
	require.NoError(t, err)
	assert.InDelta(t, 10000.04, balance, 1e-9)

	closed, err := c.GetClosedPositions(1)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestSellPnLDirection(t *testing.T) {
	c := NewPaperConnector("paper", 1000, zerolog.Nop())
	c.Connect()
	sig := testSignal()
	sig.Type = domain.SignalSell
	sig.StopLoss = 1.1100
	sig.TakeProfit = 1.0800

	res, err := c.ExecuteOrder(sig, 10)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Price fell: a short profits.
	require.NoError(t, c.ClosePosition(res.Ticket, 1.0800, domain.ExitTakeProfit))
	events := c.DrainClosedEvents()
	require.Len(t, events, 1)
	assert.Greater(t, events[0].Trade.ProfitLoss, 0.0)
	assert.Equal(t, domain.TradeWin, events[0].Trade.Result)
}

func TestDrainClosedEventsClearsQueue(t *testing.T) {
	c := NewPaperConnector("paper", 1000, zerolog.Nop())
	c.Connect()
	res, _ := c.ExecuteOrder(testSignal(), 1)
	require.NoError(t, c.ClosePosition(res.Ticket, 1.0900, domain.ExitStopLoss))

	events := c.DrainClosedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventKindTradeClosed, events[0].Kind)
	assert.Empty(t, c.DrainClosedEvents())
}

func TestCloseUnknownTicket(t *testing.T) {
	c := NewPaperConnector("paper", 1000, zerolog.Nop())
	c.Connect()
	assert.Error(t, c.ClosePosition("missing", 1.0, domain.ExitManualClose))
}

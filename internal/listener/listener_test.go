package listener

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/storage"
	"github.com/tradecore/engine/internal/tuner"
)

var memCounter int

func newTestListener(t *testing.T, cfg Config) (*Listener, *storage.Store, *risk.Manager) {
	t.Helper()
	memCounter++
	dsn := fmt.Sprintf("file:listener_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	riskMgr, err := risk.NewManager(store, zerolog.Nop())
	require.NoError(t, err)
	edgeTuner := tuner.New(tuner.Config{}, store, zerolog.Nop())

	l := New(cfg, store, riskMgr, edgeTuner, zerolog.Nop(), prometheus.NewRegistry())
	return l, store, riskMgr
}

func closedEvent(ticket string, pnl float64) domain.BrokerTradeClosedEvent {
	now := time.Now()
	return domain.BrokerTradeClosedEvent{
		Kind: domain.EventKindTradeClosed,
		Trade: domain.TradeResult{
			Ticket:     ticket,
			Symbol:     "EURUSD",
			EntryPrice: 1.10,
			ExitPrice:  1.11,
			EntryTime:  now.Add(-time.Hour),
			ExitTime:   now,
			ProfitLoss: pnl,
			ExitReason: domain.ExitTakeProfit,
			Result:     domain.OutcomeFromPnL(pnl),
		},
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBackoff)
}

func TestHandlePersistsTrade(t *testing.T) {
	l, store, _ := newTestListener(t, Config{})

	saved, err := l.HandleTradeClosedEvent(closedEvent("t-1", 25))
	require.NoError(t, err)
	assert.True(t, saved)

	count, err := store.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1.0, l.SuccessRate())
}

func TestHandleRejectsWrongKind(t *testing.T) {
	l, store, _ := newTestListener(t, Config{})

	ev := closedEvent("t-1", 25)
	ev.Kind = "POSITION_UPDATE"
	saved, err := l.HandleTradeClosedEvent(ev)
	require.NoError(t, err)
	assert.False(t, saved)

	count, err := store.CountTrades()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleDuplicateTicketIsNoOp(t *testing.T) {
	l, store, riskMgr := newTestListener(t, Config{})

	saved, err := l.HandleTradeClosedEvent(closedEvent("t-1", -10))
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 1, riskMgr.ConsecutiveLosses())

	// Redelivery: no new row, no second risk update.
	saved, err = l.HandleTradeClosedEvent(closedEvent("t-1", -10))
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, 1, riskMgr.ConsecutiveLosses())

	count, err := store.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandleConcurrentDeliveries(t *testing.T) {
	l, store, riskMgr := newTestListener(t, Config{})

	// Ten concurrent deliveries of distinct trades plus one duplicate:
	// exactly ten rows land, and the duplicate is counted once.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.HandleTradeClosedEvent(closedEvent(fmt.Sprintf("t-%d", i), 10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := l.HandleTradeClosedEvent(closedEvent("t-0", 10))
		assert.NoError(t, err)
	}()
	wg.Wait()

	count, err := store.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	_, saved, _ := l.Stats()
	assert.Equal(t, int64(10), saved)
	assert.Equal(t, 0, riskMgr.ConsecutiveLosses())
}

func TestHandleMissingTicketDropped(t *testing.T) {
	l, store, _ := newTestListener(t, Config{})

	ev := closedEvent("", 10)
	saved, err := l.HandleTradeClosedEvent(ev)
	require.NoError(t, err)
	assert.False(t, saved)

	count, err := store.CountTrades()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHandleClosesOriginatingSignal(t *testing.T) {
	l, store, _ := newTestListener(t, Config{})

	require.NoError(t, store.SaveSignal(domain.Signal{
		ID:     "sig-1",
		Symbol: "EURUSD",
		Type:   domain.SignalBuy,
		Status: domain.SignalExecuted,
	}))

	ev := closedEvent("t-1", 25)
	ev.Trade.SignalID = "sig-1"
	_, err := l.HandleTradeClosedEvent(ev)
	require.NoError(t, err)

	sig, err := store.GetSignalByID("sig-1")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SignalClosed, sig.Status)
}

func TestTunerTriggeredByLossStreak(t *testing.T) {
	l, store, _ := newTestListener(t, Config{TuneEverySaves: 100})

	// Seed enough history for the tuner to act once triggered.
	for i := 0; i < 12; i++ {
		_, err := store.SaveTradeResult(domain.TradeResult{
			Ticket:     fmt.Sprintf("seed-%d", i),
			Symbol:     "EURUSD",
			ProfitLoss: -5,
			Result:     domain.TradeLoss,
			ExitTime:   time.Now().Add(-time.Duration(20-i) * time.Minute),
		})
		require.NoError(t, err)
	}

	// Three consecutive losses through the listener trip the streak
	// trigger even though the save-count trigger is far away.
	for i := 0; i < 3; i++ {
		_, err := l.HandleTradeClosedEvent(closedEvent(fmt.Sprintf("live-%d", i), -10))
		require.NoError(t, err)
	}

	history, err := store.GetTuningHistory(10)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestSuccessRateTracksFailures(t *testing.T) {
	l, _, _ := newTestListener(t, Config{})

	_, err := l.HandleTradeClosedEvent(closedEvent("t-1", 10))
	require.NoError(t, err)
	ev := closedEvent("t-2", 10)
	ev.Kind = "BOGUS"
	_, err = l.HandleTradeClosedEvent(ev)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, l.SuccessRate(), 1e-9)
}

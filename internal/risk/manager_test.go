package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

var memCounter int

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	memCounter++
	dsn := fmt.Sprintf("file:risk_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func validBuy() domain.Signal {
	return domain.Signal{
		ID:         "sig-1",
		Symbol:     "EURUSD",
		Type:       domain.SignalBuy,
		EntryPrice: 1.1000,
		StopLoss:   1.0900,
		TakeProfit: 1.1200,
		Confidence: 0.6,
	}
}

func TestValidateSignalAcceptsSaneBuy(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, m.ValidateSignal(validBuy(), nil))
}

func TestValidateSignalRejectsLowConfidence(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)
	sig := validBuy()
	sig.Confidence = 0.1
	assert.ErrorContains(t, m.ValidateSignal(sig, nil), "confidence")
}

func TestValidateSignalRejectsBadLevels(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)

	sig := validBuy()
	sig.StopLoss = 1.15 // above entry on a BUY
	assert.ErrorContains(t, m.ValidateSignal(sig, nil), "stop loss")

	sig = validBuy()
	sig.TakeProfit = 1.05
	assert.ErrorContains(t, m.ValidateSignal(sig, nil), "take profit")

	sig = validBuy()
	sig.EntryPrice = 0
	assert.ErrorContains(t, m.ValidateSignal(sig, nil), "non-positive")
}

func TestValidateSignalRejectsSellWithBuyLevels(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)
	sig := validBuy()
	sig.Type = domain.SignalSell
	assert.ErrorContains(t, m.ValidateSignal(sig, nil), "SELL stop loss")
}

func TestValidateSignalRejectsTightStop(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)
	sig := validBuy()
	sig.StopLoss = sig.EntryPrice - 0.0001 // well under 0.05%
	assert.ErrorContains(t, m.ValidateSignal(sig, nil), "stop distance")
}

func TestValidateSignalEnforcesExposureLimits(t *testing.T) {
	store := openTestStore(t)
	m, err := NewManager(store, zerolog.Nop())
	require.NoError(t, err)

	// Per-symbol limit first.
	open := []domain.Position{{Symbol: "EURUSD"}}
	assert.ErrorContains(t, m.ValidateSignal(validBuy(), open), "positions for EURUSD")

	// Then total cap.
	open = []domain.Position{
		{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}, {Symbol: "D"}, {Symbol: "E"},
	}
	assert.ErrorContains(t, m.ValidateSignal(validBuy(), open), "max open positions")
}

func TestPositionSize(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)

	// 1% of 10000 = 100 risk over 0.01 stop distance = 10000 units,
	// floored at lot granularity.
	sig := validBuy()
	volume := m.PositionSize(10000, sig)
	assert.InDelta(t, 100.0/0.01, volume, 1)

	assert.Zero(t, m.PositionSize(0, sig))
	sig.StopLoss = sig.EntryPrice
	assert.Zero(t, m.PositionSize(10000, sig))
}

func TestLossStreakTripsLockdown(t *testing.T) {
	store := openTestStore(t)
	m, err := NewManager(store, zerolog.Nop())
	require.NoError(t, err)

	m.RecordTradeResult(false, -10)
	m.RecordTradeResult(false, -10)
	assert.False(t, m.InLockdown())

	m.RecordTradeResult(false, -10)
	assert.True(t, m.InLockdown())
	assert.Equal(t, 3, m.ConsecutiveLosses())

	// Signals are rejected while locked down.
	assert.ErrorContains(t, m.ValidateSignal(validBuy(), nil), "lockdown")
}

func TestWinResetsStreak(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)

	m.RecordTradeResult(false, -10)
	m.RecordTradeResult(false, -10)
	m.RecordTradeResult(true, 25)
	assert.Equal(t, 0, m.ConsecutiveLosses())

	m.RecordTradeResult(false, -10)
	assert.False(t, m.InLockdown())
}

func TestBreakevenDoesNotExtendStreak(t *testing.T) {
	m, err := NewManager(openTestStore(t), zerolog.Nop())
	require.NoError(t, err)

	m.RecordTradeResult(false, -10)
	m.RecordTradeResult(false, 0) // breakeven: not a win, not a loss
	assert.Equal(t, 1, m.ConsecutiveLosses())
}

func TestLockdownSurvivesRestart(t *testing.T) {
	store := openTestStore(t)
	m, err := NewManager(store, zerolog.Nop())
	require.NoError(t, err)

	m.RecordTradeResult(false, -10)
	m.RecordTradeResult(false, -10)
	m.RecordTradeResult(false, -10)
	require.True(t, m.InLockdown())

	// A fresh manager over the same store restores the streak and the
	// active cooldown.
	m2, err := NewManager(store, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, m2.InLockdown())
	assert.Equal(t, 3, m2.ConsecutiveLosses())
}

func TestExpiredLockdownClears(t *testing.T) {
	store := openTestStore(t)
	m, err := NewManager(store, zerolog.Nop())
	require.NoError(t, err)

	m.mu.Lock()
	m.consecutiveLosses = 3
	m.lockdownUntil = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	assert.False(t, m.InLockdown())
	assert.Equal(t, 0, m.ConsecutiveLosses())
}

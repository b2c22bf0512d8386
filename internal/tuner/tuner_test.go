package tuner

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
	dsn := fmt.Sprintf("file:tuner_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedTrades writes trades oldest-first; outcomes[len-1] becomes the
// newest trade.
func seedTrades(t *testing.T, store *storage.Store, outcomes []domain.TradeOutcome) {
	t.Helper()
	base := time.Now().Add(-time.Duration(len(outcomes)) * time.Minute)
	for i, outcome := range outcomes {
		pnl := 10.0
		if outcome == domain.TradeLoss {
			pnl = -10.0
		}
		_, err := store.SaveTradeResult(domain.TradeResult{
			Ticket:     fmt.Sprintf("t-%d", i),
			Symbol:     "EURUSD",
			ProfitLoss: pnl,
			Result:     outcome,
			EntryTime:  base.Add(time.Duration(i) * time.Minute),
			ExitTime:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
		require.NoError(t, err)
	}
}

func repeat(o domain.TradeOutcome, n int) []domain.TradeOutcome {
	out := make([]domain.TradeOutcome, n)
	for i := range out {
		out[i] = o
	}
	return out
}

func TestTuneHoldsBelowMinimumTrades(t *testing.T) {
	store := openTestStore(t)
	seedTrades(t, store, repeat(domain.TradeLoss, 5))

	adj, err := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop()).Tune()
	require.NoError(t, err)
	assert.Nil(t, adj)
}

func TestTuneConservativeOnLowWinRate(t *testing.T) {
	store := openTestStore(t)
	// 2 wins, 10 losses: win rate ~0.17. End on a win so the loss-streak
	// trigger stays out of the way.
	outcomes := append(repeat(domain.TradeLoss, 10), domain.TradeWin, domain.TradeWin)
	seedTrades(t, store, outcomes)

	adj, err := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop()).Tune()
	require.NoError(t, err)
	require.NotNil(t, adj)
	assert.Equal(t, "win_rate_low", adj.Trigger)

	// Confidence bar went up from the 0.55 default.
	params, err := store.GetDynamicParams()
	require.NoError(t, err)
	assert.InDelta(t, 0.55*1.10, params["base_confidence"], 1e-9)
	assert.InDelta(t, 2.0*1.10, params["atr_mult_sl"], 1e-9)
}

func TestTuneConservativeOnLossStreak(t *testing.T) {
	store := openTestStore(t)
	// Overall win rate is fine, but the last three trades lost.
	outcomes := append(repeat(domain.TradeWin, 10), repeat(domain.TradeLoss, 3)...)
	seedTrades(t, store, outcomes)

	adj, err := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop()).Tune()
	require.NoError(t, err)
	require.NotNil(t, adj)
	assert.Equal(t, "loss_streak", adj.Trigger)
	assert.Equal(t, 3.0, adj.Stats["consecutive_losses"])
}

func TestTuneAggressiveOnHighWinRate(t *testing.T) {
	store := openTestStore(t)
	outcomes := append(repeat(domain.TradeWin, 9), domain.TradeLoss, domain.TradeWin)
	seedTrades(t, store, outcomes)

	adj, err := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop()).Tune()
	require.NoError(t, err)
	require.NotNil(t, adj)
	assert.Equal(t, "win_rate_high", adj.Trigger)

	params, err := store.GetDynamicParams()
	require.NoError(t, err)
	assert.InDelta(t, 0.55*0.95, params["base_confidence"], 1e-9)
	assert.InDelta(t, 3.0*1.05, params["atr_mult_tp"], 1e-9)
}

func TestTuneHoldsInNeutralBand(t *testing.T) {
	store := openTestStore(t)
	// Alternating outcomes: 50% win rate, streak 0 or 1.
	outcomes := make([]domain.TradeOutcome, 12)
	for i := range outcomes {
		if i%2 == 0 {
			outcomes[i] = domain.TradeWin
		} else {
			outcomes[i] = domain.TradeLoss
		}
	}
	seedTrades(t, store, outcomes)

	adj, err := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop()).Tune()
	require.NoError(t, err)
	assert.Nil(t, adj)
}

func TestTuneRespectsBounds(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.UpdateDynamicParams(map[string]float64{
		"base_confidence": 0.89,
		"atr_mult_sl":     3.9,
	}))
	seedTrades(t, store, repeat(domain.TradeLoss, 12))

	tn := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop())
	for i := 0; i < 5; i++ {
		_, err := tn.Tune()
		require.NoError(t, err)
	}

	params, err := store.GetDynamicParams()
	require.NoError(t, err)
	assert.LessOrEqual(t, params["base_confidence"], 0.90)
	assert.LessOrEqual(t, params["atr_mult_sl"], 4.0)
}

func TestTuneWritesAuditTrail(t *testing.T) {
	store := openTestStore(t)
	seedTrades(t, store, repeat(domain.TradeLoss, 12))

	_, err := New(Config{MinTradesForTuning: 10}, store, zerolog.Nop()).Tune()
	require.NoError(t, err)

	history, err := store.GetTuningHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].NewParams)

	learning, err := store.GetEdgeLearningHistory(10)
	require.NoError(t, err)
	assert.Len(t, learning, 1)
}

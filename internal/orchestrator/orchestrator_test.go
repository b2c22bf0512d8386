package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/broker"
	"github.com/tradecore/engine/internal/dataprovider"
	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/executor"
	"github.com/tradecore/engine/internal/listener"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/scanner"
	"github.com/tradecore/engine/internal/signals"
	"github.com/tradecore/engine/internal/storage"
	"github.com/tradecore/engine/internal/tuner"
)

var memCounter int

// alwaysBuy emits one valid BUY per view, the simplest strategy that
// drives the whole pipeline.
type alwaysBuy struct{}

func (s *alwaysBuy) ID() string   { return "always_buy" }
func (s *alwaysBuy) Name() string { return "always buy" }
func (s *alwaysBuy) Generate(view signals.MarketView, _ map[string]float64) []domain.Signal {
	return []domain.Signal{{
		Symbol:     view.Key.Symbol,
		Type:       domain.SignalBuy,
		Timeframe:  view.Key.Timeframe,
		EntryPrice: 1.1000,
		StopLoss:   1.0900,
		TakeProfit: 1.1200,
		Confidence: 0.6,
	}}
}

type harness struct {
	store *storage.Store
	orch  *Orchestrator
	scan  *scanner.Scanner
	conn  *broker.PaperConnector
	risk  *risk.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	memCounter++
	dsn := fmt.Sprintf("file:orchestrator_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "synthetic", Kind: storage.ProviderSynthetic,
		Enabled: true, Priority: 1, IsSystem: true,
	}))

	manager := dataprovider.NewManager(store, zerolog.Nop())
	scan := scanner.New(scanner.Config{
		Assets:     []string{"EURUSD"},
		Timeframes: []domain.Timeframe{domain.TimeframeM5},
	}, manager, store, zerolog.Nop(), prometheus.NewRegistry())

	// One brief scanner run warms the single stream.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scan.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return len(scan.Snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond, "scanner never produced a snapshot")
	cancel()
	<-done

	factory := signals.NewFactory(store, zerolog.Nop())
	require.NoError(t, factory.Register(&alwaysBuy{}))

	riskMgr, err := risk.NewManager(store, zerolog.Nop())
	require.NoError(t, err)
	exec := executor.New(store, zerolog.Nop())
	edgeTuner := tuner.New(tuner.Config{}, store, zerolog.Nop())
	lst := listener.New(listener.Config{}, store, riskMgr, edgeTuner, zerolog.Nop(), prometheus.NewRegistry())

	conn := broker.NewPaperConnector("paper", 10000, zerolog.Nop())
	conn.Connect()

	orch := New(Config{}, store, scan, factory, riskMgr, exec, lst,
		[]domain.BrokerConnector{conn}, zerolog.Nop(), prometheus.NewRegistry())
	return &harness{store: store, orch: orch, scan: scan, conn: conn, risk: riskMgr}
}

func TestRunCycleExecutesValidSignal(t *testing.T) {
	h := newHarness(t)
	h.orch.runCycle(context.Background())

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.SignalsProcessed)
	assert.Equal(t, 1, stats.SignalsExecuted)
	assert.Equal(t, 1, stats.CyclesCompleted)

	open, err := h.conn.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)

	executed, err := h.store.GetRecentSignals(storage.SignalFilter{Status: domain.SignalExecuted})
	require.NoError(t, err)
	assert.Len(t, executed, 1)
}

func TestPerSymbolExposureBlocksSecondCycle(t *testing.T) {
	h := newHarness(t)
	h.orch.runCycle(context.Background())
	h.orch.runCycle(context.Background())

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.SignalsExecuted)
	assert.Equal(t, 1, stats.SignalsRejected)

	open, err := h.conn.GetOpenPositions()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestLockdownBlocksExecution(t *testing.T) {
	h := newHarness(t)
	h.risk.RecordTradeResult(false, -10)
	h.risk.RecordTradeResult(false, -10)
	h.risk.RecordTradeResult(false, -10)
	require.True(t, h.risk.InLockdown())

	h.orch.runCycle(context.Background())

	stats := h.orch.Stats()
	assert.Zero(t, stats.SignalsExecuted)
	assert.Equal(t, 1, stats.SignalsRejected)
}

func TestExecutorToggleLeavesSignalPending(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.EnsureDefaultModules())
	require.NoError(t, h.store.SetGlobalModuleEnabled(storage.ModuleExecutor, false))

	h.orch.runCycle(context.Background())

	stats := h.orch.Stats()
	assert.Zero(t, stats.SignalsExecuted)

	pending, err := h.store.GetRecentSignals(storage.SignalFilter{Status: domain.SignalPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Re-enabling takes effect on the very next cycle.
	require.NoError(t, h.store.SetGlobalModuleEnabled(storage.ModuleExecutor, true))
	h.orch.runCycle(context.Background())
	assert.Equal(t, 1, h.orch.Stats().SignalsExecuted)
}

func TestScannerToggleSkipsSignalGeneration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.EnsureDefaultModules())
	require.NoError(t, h.store.SetGlobalModuleEnabled(storage.ModuleScanner, false))

	h.orch.runCycle(context.Background())

	// A disabled scanner reduces the cycle to a tick: the counter moves,
	// nothing is generated or executed.
	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.CyclesCompleted)
	assert.Zero(t, stats.SignalsProcessed)
	assert.Zero(t, stats.SignalsExecuted)

	require.NoError(t, h.store.SetGlobalModuleEnabled(storage.ModuleScanner, true))
	h.orch.runCycle(context.Background())

	stats = h.orch.Stats()
	assert.Equal(t, 2, stats.CyclesCompleted)
	assert.Equal(t, 1, stats.SignalsProcessed)
	assert.Equal(t, 1, stats.SignalsExecuted)
}

func TestStatsReadableWhileCycleRuns(t *testing.T) {
	// The status endpoint polls Stats from its own goroutine while the
	// loop mutates the counters; both sides go through the stats lock.
	h := newHarness(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = h.orch.Stats()
		}
	}()

	h.orch.runCycle(context.Background())
	<-done

	assert.Equal(t, 1, h.orch.Stats().CyclesCompleted)
}

func TestShadowStrategyRecordedNotExecuted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetExecutionMode("always_buy", domain.ExecutionShadow))

	h.orch.runCycle(context.Background())

	assert.Zero(t, h.orch.Stats().SignalsExecuted)
	pending, err := h.store.GetRecentSignals(storage.SignalFilter{Status: domain.SignalPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestQuarantinedStrategyBlocked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetExecutionMode("always_buy", domain.ExecutionQuarantine))

	h.orch.runCycle(context.Background())

	assert.Zero(t, h.orch.Stats().SignalsExecuted)
	expired, err := h.store.GetRecentSignals(storage.SignalFilter{Status: domain.SignalExpired})
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestDrainBrokerEventsFeedsListener(t *testing.T) {
	h := newHarness(t)
	h.orch.runCycle(context.Background())

	open, err := h.conn.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, h.conn.ClosePosition(open[0].Ticket, 1.1200, domain.ExitTakeProfit))

	h.orch.runCycle(context.Background())

	stats := h.orch.Stats()
	assert.Equal(t, 1, stats.TradesClosed)
	count, err := h.store.CountTrades()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The close also released the per-symbol slot: the signal from the
	// second cycle executed.
	assert.Equal(t, 2, stats.SignalsExecuted)
}

func TestSessionReconstruction(t *testing.T) {
	h := newHarness(t)
	h.orch.runCycle(context.Background())
	require.Equal(t, 1, h.orch.Stats().SignalsExecuted)

	// A fresh orchestrator over the same store rebuilds today's state:
	// executed from the signals table, soft counters from persisted
	// stats.
	h.orch.stats = domain.SessionStats{}
	h.orch.reconstructSession()

	stats := h.orch.Stats()
	assert.Equal(t, time.Now().Format("2006-01-02"), stats.Date)
	assert.Equal(t, 1, stats.SignalsExecuted)
	assert.Equal(t, 1, stats.CyclesCompleted)
}

func TestSessionReconstructionDropsStaleCounters(t *testing.T) {
	h := newHarness(t)
	h.orch.runCycle(context.Background())

	// Pretend the persisted stats are from yesterday.
	stale := h.orch.Stats()
	stale.Date = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, h.store.SaveSessionStats(stale))

	h.orch.stats = domain.SessionStats{}
	h.orch.reconstructSession()

	stats := h.orch.Stats()
	assert.Zero(t, stats.CyclesCompleted, "yesterday's counters must not leak")
	// Executed still counts today's EXECUTED signals from the table.
	assert.Equal(t, 1, stats.SignalsExecuted)
}

func TestExpireStaleSignals(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveSignal(domain.Signal{
		ID:        "old-sig",
		Symbol:    "EURUSD",
		Type:      domain.SignalBuy,
		Timeframe: domain.TimeframeM5,
		Status:    domain.SignalPending,
		Timestamp: time.Now().Add(-time.Hour),
	}))

	h.orch.expireStaleSignals()
	assert.Equal(t, 1, h.orch.Stats().SignalsExpired)

	sig, err := h.store.GetSignalByID("old-sig")
	require.NoError(t, err)
	assert.Equal(t, domain.SignalExpired, sig.Status)
}

func TestCycleSleepCappedWithPendingSignals(t *testing.T) {
	h := newHarness(t)

	// Whatever regime the warm stream settled on, the uncapped pace is
	// at least the TREND interval.
	assert.GreaterOrEqual(t, h.orch.cycleSleep(), 5*time.Second)

	require.NoError(t, h.store.SaveSignal(domain.Signal{
		ID:        "pending-sig",
		Symbol:    "EURUSD",
		Type:      domain.SignalBuy,
		Timeframe: domain.TimeframeM5,
		Status:    domain.SignalPending,
		Timestamp: time.Now(),
	}))
	assert.Equal(t, 3*time.Second, h.orch.cycleSleep())
}

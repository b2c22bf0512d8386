// Package orchestrator runs the main trading cycle: collect classified
// market state, generate signals, filter them through risk, execute the
// survivors, and feed broker close events back into the pipeline. The
// cycle pace adapts to the most aggressive regime currently observed.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/executor"
	"github.com/tradecore/engine/internal/listener"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/scanner"
	"github.com/tradecore/engine/internal/signals"
	"github.com/tradecore/engine/internal/storage"
)

// Config holds the orchestrator pacing and lifecycle knobs.
type Config struct {
	// Heartbeat intervals per most-aggressive regime.
	TrendSleep  time.Duration
	RangeSleep  time.Duration
	NormalSleep time.Duration
	CrashSleep  time.Duration
	// ActiveSignalCap bounds the sleep while PENDING signals exist.
	ActiveSignalCap time.Duration

	// PENDING signals older than this many bar durations expire.
	SignalExpiryBars int

	// Positions open longer than this are flagged by the position
	// manager pass.
	StalePositionAfter time.Duration

	Account string
}

func (c Config) withDefaults() Config {
	if c.TrendSleep <= 0 {
		c.TrendSleep = 5 * time.Second
	}
	if c.RangeSleep <= 0 {
		c.RangeSleep = 30 * time.Second
	}
	if c.NormalSleep <= 0 {
		c.NormalSleep = 15 * time.Second
	}
	if c.CrashSleep <= 0 {
		c.CrashSleep = 60 * time.Second
	}
	if c.ActiveSignalCap <= 0 {
		c.ActiveSignalCap = 3 * time.Second
	}
	if c.SignalExpiryBars <= 0 {
		c.SignalExpiryBars = 2
	}
	if c.StalePositionAfter <= 0 {
		c.StalePositionAfter = 48 * time.Hour
	}
	return c
}

const sleepQuantum = time.Second

// Orchestrator wires the pipeline components together.
type Orchestrator struct {
	cfg      Config
	store    *storage.Store
	scanner  *scanner.Scanner
	factory  *signals.Factory
	risk     *risk.Manager
	executor *executor.Executor
	listener *listener.Listener
	brokers  []domain.BrokerConnector
	log      zerolog.Logger

	// statsMu guards stats: the cycle loop writes while the API status
	// handler reads through Stats.
	statsMu sync.RWMutex
	stats   domain.SessionStats

	cyclesCtr prometheus.Counter
	errorsCtr prometheus.Counter
}

// New creates an orchestrator over the assembled components.
func New(
	cfg Config,
	store *storage.Store,
	scan *scanner.Scanner,
	factory *signals.Factory,
	riskMgr *risk.Manager,
	exec *executor.Executor,
	lst *listener.Listener,
	brokers []domain.BrokerConnector,
	log zerolog.Logger,
	reg prometheus.Registerer,
) *Orchestrator {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory2 := promauto.With(reg)
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		scanner:  scan,
		factory:  factory,
		risk:     riskMgr,
		executor: exec,
		listener: lst,
		brokers:  brokers,
		log:      log.With().Str("component", "orchestrator").Logger(),
		cyclesCtr: factory2.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cycles_total",
			Help: "Completed orchestrator cycles.",
		}),
		errorsCtr: factory2.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_cycle_errors_total",
			Help: "Cycle steps that reported an error.",
		}),
	}
}

// Run executes cycles until ctx is cancelled, then shuts down
// gracefully.
func (o *Orchestrator) Run(ctx context.Context) {
	o.reconstructSession()
	started := o.Stats()
	o.log.Info().
		Str("session_date", started.Date).
		Int("signals_executed", started.SignalsExecuted).
		Msg("Orchestrator started")

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		default:
		}

		o.runCycle(ctx)
		o.sleep(ctx, o.cycleSleep())
	}
}

// reconstructSession rebuilds today's counters after a restart. The
// executed count always comes from the signals table; the soft counters
// survive only when the persisted stats are from today.
func (o *Orchestrator) reconstructSession() {
	today := time.Now().Format("2006-01-02")
	stats := domain.SessionStats{Date: today}

	persisted, err := o.store.GetSessionStats()
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to load persisted session stats")
	} else if persisted != nil && persisted.Date == today {
		stats = *persisted
	}

	executed, err := o.store.CountExecutedSignals(today)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to count executed signals")
	} else {
		stats.SignalsExecuted = executed
	}

	o.statsMu.Lock()
	o.stats = stats
	o.statsMu.Unlock()
}

// runCycle is one full pass of the pipeline.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.rolloverSession()
	if err := o.store.UpdateHeartbeat("orchestrator"); err != nil {
		o.countError(err, "heartbeat")
	}

	o.expireStaleSignals()
	o.positionManagerPass()

	scanEnabled, err := o.store.ResolveModuleEnabled(o.cfg.Account, storage.ModuleScanner)
	if err != nil {
		o.countError(err, "scanner toggle")
		scanEnabled = false
	}
	if !scanEnabled {
		// With the scanner off the cycle only ticks: no snapshot reads,
		// no signal generation.
		o.finishCycle()
		return
	}

	traceID := uuid.NewString()
	views := o.collectViews()
	if len(views) > 0 {
		sigs := o.factory.Generate(ctx, views, traceID)
		o.updateStats(func(s *domain.SessionStats) { s.SignalsProcessed += len(sigs) })
		o.processSignals(sigs)
	}

	o.drainBrokerEvents()
	o.finishCycle()
}

// finishCycle counts the cycle and persists the session counters.
func (o *Orchestrator) finishCycle() {
	o.updateStats(func(s *domain.SessionStats) { s.CyclesCompleted++ })
	o.cyclesCtr.Inc()
	if err := o.store.SaveSessionStats(o.Stats()); err != nil {
		o.countError(err, "session stats")
	}
}

// rolloverSession resets the counters at local midnight.
func (o *Orchestrator) rolloverSession() {
	today := time.Now().Format("2006-01-02")
	o.statsMu.Lock()
	if o.stats.Date == today {
		o.statsMu.Unlock()
		return
	}
	closed := o.stats
	o.stats = domain.SessionStats{Date: today}
	o.statsMu.Unlock()

	o.log.Info().
		Str("closed", closed.Date).
		Int("cycles", closed.CyclesCompleted).
		Int("executed", closed.SignalsExecuted).
		Msg("Session rolled over")
}

// expireStaleSignals retires PENDING signals older than the expiry
// window of their timeframe.
func (o *Orchestrator) expireStaleSignals() {
	now := time.Now()
	for _, tf := range domain.Timeframes {
		cutoff := now.Add(-time.Duration(o.cfg.SignalExpiryBars) * tf.Duration())
		n, err := o.store.ExpirePendingBefore(tf, cutoff)
		if err != nil {
			o.countError(err, "signal expiry")
			continue
		}
		o.updateStats(func(s *domain.SessionStats) { s.SignalsExpired += n })
	}
}

// positionManagerPass flags positions that have been open past the
// stale threshold. Closing or modifying them is left to the operator;
// the pass only surfaces them.
func (o *Orchestrator) positionManagerPass() {
	enabled, err := o.store.ResolveModuleEnabled(o.cfg.Account, storage.ModulePositionManager)
	if err != nil || !enabled {
		return
	}
	for _, b := range o.brokers {
		if !b.IsConnected() {
			continue
		}
		positions, err := b.GetOpenPositions()
		if err != nil {
			o.countError(err, "open positions")
			continue
		}
		for _, p := range positions {
			if time.Since(p.OpenTime) > o.cfg.StalePositionAfter {
				o.log.Warn().
					Str("ticket", p.Ticket).
					Str("symbol", p.Symbol).
					Time("open_since", p.OpenTime).
					Msg("Stale position flagged")
			}
		}
	}
}

// collectViews assembles strategy input from the scanner's state.
func (o *Orchestrator) collectViews() []signals.MarketView {
	snapshot := o.scanner.Snapshot()
	views := make([]signals.MarketView, 0, len(snapshot))
	for _, state := range snapshot {
		frame := o.scanner.GetFrame(state.Key)
		if len(frame) == 0 {
			continue
		}
		views = append(views, signals.MarketView{
			Key:     state.Key,
			Regime:  state.Regime,
			Metrics: state.Metrics,
			Bars:    frame,
		})
	}
	return views
}

// processSignals persists, filters and executes the cycle's signals.
func (o *Orchestrator) processSignals(sigs []domain.Signal) {
	if len(sigs) == 0 {
		return
	}

	execEnabled, err := o.store.ResolveModuleEnabled(o.cfg.Account, storage.ModuleExecutor)
	if err != nil {
		o.countError(err, "executor toggle")
		execEnabled = false
	}

	primary := o.primaryBroker()
	var (
		open    []domain.Position
		balance float64
	)
	if primary != nil {
		if open, err = primary.GetOpenPositions(); err != nil {
			o.countError(err, "open positions")
		}
		if balance, err = primary.GetAccountBalance(); err != nil {
			o.countError(err, "account balance")
		}
	}

	for _, sig := range sigs {
		if err := o.store.SaveSignal(sig); err != nil {
			o.countError(err, "save signal")
			continue
		}

		if err := o.risk.ValidateSignal(sig, open); err != nil {
			o.updateStats(func(s *domain.SessionStats) { s.SignalsRejected++ })
			o.log.Info().
				Str("signal_id", sig.ID).
				Str("reason", err.Error()).
				Msg("Signal rejected by risk")
			o.markExpired(sig.ID)
			continue
		}

		mode, found, err := o.store.GetExecutionMode(sig.StrategyID)
		if err != nil {
			o.countError(err, "execution mode")
			continue
		}
		if !found {
			mode = domain.ExecutionLive // legacy strategies execute
		}
		switch mode {
		case domain.ExecutionQuarantine:
			o.log.Warn().
				Str("signal_id", sig.ID).
				Str("strategy", sig.StrategyID).
				Msg("Strategy quarantined, signal blocked")
			o.markExpired(sig.ID)
			continue
		case domain.ExecutionShadow:
			o.log.Info().
				Str("signal_id", sig.ID).
				Str("strategy", sig.StrategyID).
				Msg("Shadow strategy, signal recorded without execution")
			continue
		}

		if !execEnabled || primary == nil {
			continue // signal stays PENDING until expiry
		}

		volume := o.risk.PositionSize(balance, sig)
		if volume <= 0 {
			o.updateStats(func(s *domain.SessionStats) { s.SignalsRejected++ })
			o.markExpired(sig.ID)
			continue
		}
		result, err := o.executor.ExecuteSignal(sig, primary, volume)
		if err != nil {
			o.countError(err, "execution")
			continue
		}
		if result.Success {
			o.updateStats(func(s *domain.SessionStats) { s.SignalsExecuted++ })
			open = append(open, domain.Position{
				Ticket: result.Ticket,
				Symbol: sig.Symbol,
				Type:   string(sig.Type),
			})
		}
	}
}

func (o *Orchestrator) markExpired(signalID string) {
	if err := o.store.UpdateSignalStatus(signalID, domain.SignalExpired); err != nil {
		o.countError(err, "expire signal")
	}
}

// drainBrokerEvents pushes every pending close event through the
// listener.
func (o *Orchestrator) drainBrokerEvents() {
	for _, b := range o.brokers {
		for _, ev := range b.DrainClosedEvents() {
			saved, err := o.listener.HandleTradeClosedEvent(ev)
			if err != nil {
				o.countError(err, "trade event")
				continue
			}
			if saved {
				o.updateStats(func(s *domain.SessionStats) { s.TradesClosed++ })
			}
		}
	}
}

func (o *Orchestrator) primaryBroker() domain.BrokerConnector {
	for _, b := range o.brokers {
		if b.IsConnected() {
			return b
		}
	}
	return nil
}

// cycleSleep derives the heartbeat from the most aggressive regime,
// capped while signals are waiting on execution.
func (o *Orchestrator) cycleSleep() time.Duration {
	var d time.Duration
	switch o.scanner.MostAggressiveRegime() {
	case domain.RegimeTrend:
		d = o.cfg.TrendSleep
	case domain.RegimeRange:
		d = o.cfg.RangeSleep
	case domain.RegimeCrash:
		d = o.cfg.CrashSleep
	default:
		d = o.cfg.NormalSleep
	}

	pending, err := o.store.GetRecentSignals(storage.SignalFilter{
		Status: domain.SignalPending,
		Limit:  1,
	})
	if err == nil && len(pending) > 0 && d > o.cfg.ActiveSignalCap {
		d = o.cfg.ActiveSignalCap
	}
	return d
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining > sleepQuantum {
			remaining = sleepQuantum
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(remaining):
		}
	}
}

// shutdown persists everything a restart needs and closes the brokers.
func (o *Orchestrator) shutdown() {
	o.log.Info().Msg("Shutting down, persisting session state")

	state := map[string]any{
		storage.KeyLastShutdown: time.Now().Unix(),
		storage.KeyLastRegime:   string(o.scanner.MostAggressiveRegime()),
	}
	if err := o.store.UpdateSystemState(state); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist shutdown state")
	}
	final := o.Stats()
	if err := o.store.SaveSessionStats(final); err != nil {
		o.log.Error().Err(err).Msg("Failed to persist session stats")
	}

	for _, b := range o.brokers {
		if err := b.Close(); err != nil {
			o.log.Warn().Err(err).Str("broker", b.ID()).Msg("Broker close failed")
		}
	}
	o.log.Info().
		Int("cycles", final.CyclesCompleted).
		Int("executed", final.SignalsExecuted).
		Msg("Orchestrator stopped")
}

// Stats returns a copy of the current session counters.
func (o *Orchestrator) Stats() domain.SessionStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.stats
}

func (o *Orchestrator) updateStats(fn func(*domain.SessionStats)) {
	o.statsMu.Lock()
	fn(&o.stats)
	o.statsMu.Unlock()
}

func (o *Orchestrator) countError(err error, step string) {
	o.updateStats(func(s *domain.SessionStats) { s.ErrorsCount++ })
	o.errorsCtr.Inc()
	o.log.Error().Err(err).Str("step", step).Msg("Cycle step failed")
}

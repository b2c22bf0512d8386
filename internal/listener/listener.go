// Package listener consumes broker trade-closed events and turns them
// into durable trade results. The handler is idempotent (the ticket is
// the dedupe key), retries transient storage contention a bounded
// number of times, and only feeds the risk manager and tuner after the
// trade is safely persisted.
package listener

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/database"
	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/storage"
	"github.com/tradecore/engine/internal/tuner"
)

// Config holds the listener retry and tuning-trigger knobs.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
	// TuneEverySaves triggers a tuning pass after this many persisted
	// trades; a loss streak at or past LossStreakTuneAt triggers one
	// immediately.
	TuneEverySaves   int
	LossStreakTuneAt int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.TuneEverySaves <= 0 {
		c.TuneEverySaves = 5
	}
	if c.LossStreakTuneAt <= 0 {
		c.LossStreakTuneAt = 3
	}
	return c
}

// Listener handles trade-closed events.
type Listener struct {
	cfg   Config
	store *storage.Store
	risk  *risk.Manager
	tuner *tuner.Tuner
	log   zerolog.Logger

	mu             sync.Mutex
	processed      int64
	saved          int64
	failed         int64
	savesSinceTune int

	processedCtr prometheus.Counter
	savedCtr     prometheus.Counter
	failedCtr    prometheus.Counter
	tunerCtr     prometheus.Counter
}

// New creates a listener. reg may be nil for the default registerer.
func New(cfg Config, store *storage.Store, riskMgr *risk.Manager, edgeTuner *tuner.Tuner, log zerolog.Logger, reg prometheus.Registerer) *Listener {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Listener{
		cfg:   cfg.withDefaults(),
		store: store,
		risk:  riskMgr,
		tuner: edgeTuner,
		log:   log.With().Str("component", "trade_listener").Logger(),
		processedCtr: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_events_processed_total",
			Help: "Trade-closed events received.",
		}),
		savedCtr: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_trades_saved_total",
			Help: "Trade results persisted (deduplicated).",
		}),
		failedCtr: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_persist_failures_total",
			Help: "Trade results that could not be persisted.",
		}),
		tunerCtr: factory.NewCounter(prometheus.CounterOpts{
			Name: "listener_tuner_adjustments_total",
			Help: "Tuning passes triggered by the listener.",
		}),
	}
}

// HandleTradeClosedEvent processes one event end to end. Returns true
// when the trade was newly persisted (duplicates and malformed events
// return false without error).
func (l *Listener) HandleTradeClosedEvent(ev domain.BrokerTradeClosedEvent) (bool, error) {
	l.mu.Lock()
	l.processed++
	l.mu.Unlock()
	l.processedCtr.Inc()

	if ev.Kind != domain.EventKindTradeClosed {
		l.log.Warn().Str("kind", ev.Kind).Msg("Dropping event with unexpected kind")
		return false, nil
	}
	trade := ev.Trade
	if trade.Ticket == "" {
		l.log.Warn().Msg("Dropping trade-closed event without ticket")
		return false, nil
	}

	exists, err := l.store.TradeExists(trade.Ticket)
	if err != nil {
		l.markFailed()
		return false, err
	}
	if exists {
		l.log.Debug().Str("ticket", trade.Ticket).Msg("Duplicate trade-closed event ignored")
		return false, nil
	}

	inserted, err := l.persistWithRetry(trade)
	if err != nil {
		// No risk update on a failed persist: the SSOT and the risk
		// state must never disagree about a trade.
		l.markFailed()
		l.log.Error().Err(err).Str("ticket", trade.Ticket).Msg("Failed to persist trade result")
		return false, err
	}
	if !inserted {
		// A concurrent delivery won the insert race; this replay stops
		// here so the risk manager counts the trade exactly once.
		l.log.Debug().Str("ticket", trade.Ticket).Msg("Trade already persisted by concurrent handler")
		return false, nil
	}

	l.mu.Lock()
	l.saved++
	l.savesSinceTune++
	saves := l.savesSinceTune
	l.mu.Unlock()
	l.savedCtr.Inc()

	if trade.SignalID != "" {
		if err := l.store.UpdateSignalStatus(trade.SignalID, domain.SignalClosed); err != nil {
			l.log.Warn().Err(err).Str("signal_id", trade.SignalID).Msg("Failed to close signal")
		}
	}

	l.risk.RecordTradeResult(trade.IsWin(), trade.ProfitLoss)

	if saves >= l.cfg.TuneEverySaves || l.risk.ConsecutiveLosses() >= l.cfg.LossStreakTuneAt {
		l.mu.Lock()
		l.savesSinceTune = 0
		l.mu.Unlock()
		if adj, err := l.tuner.Tune(); err != nil {
			l.log.Error().Err(err).Msg("Tuning pass failed")
		} else if adj != nil {
			l.tunerCtr.Inc()
		}
	}

	l.log.Info().
		Str("ticket", trade.Ticket).
		Str("symbol", trade.Symbol).
		Str("result", string(trade.Result)).
		Float64("pnl", trade.ProfitLoss).
		Str("exit_reason", string(trade.ExitReason)).
		Msg("Trade result recorded")
	return true, nil
}

// persistWithRetry retries only lock contention; any other failure
// surfaces immediately.
func (l *Listener) persistWithRetry(trade domain.TradeResult) (bool, error) {
	var (
		inserted bool
		err      error
	)
	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		inserted, err = l.store.SaveTradeResult(trade)
		if database.ClassifyWriteError(err) != database.WriteRetryable {
			return inserted, err
		}
		time.Sleep(l.cfg.RetryBackoff * time.Duration(attempt+1))
	}
	return inserted, err
}

func (l *Listener) markFailed() {
	l.mu.Lock()
	l.failed++
	l.mu.Unlock()
	l.failedCtr.Inc()
}

// Stats returns the raw counters: processed, saved, failed.
func (l *Listener) Stats() (processed, saved, failed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed, l.saved, l.failed
}

// SuccessRate is saved/processed over the listener's lifetime, 1.0
// before any event arrives.
func (l *Listener) SuccessRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.processed == 0 {
		return 1.0
	}
	return float64(l.saved) / float64(l.processed)
}

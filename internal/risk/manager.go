// Package risk validates signals before execution and enforces the
// loss-streak lockdown. The risk manager cannot be disabled: the module
// toggle resolution pins it on, and the orchestrator consults it on
// every cycle regardless of configuration.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

// Manager tracks loss streaks and validates every signal against the
// persisted risk settings. State survives restarts through storage.
type Manager struct {
	store *storage.Store
	log   zerolog.Logger

	mu                sync.Mutex
	consecutiveLosses int
	lockdownUntil     time.Time
}

// NewManager creates a risk manager, restoring persisted lockdown and
// loss-streak state.
func NewManager(store *storage.Store, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		store: store,
		log:   log.With().Str("component", "risk_manager").Logger(),
	}

	if _, err := store.GetStateValue(storage.KeyConsecutiveLosses, &m.consecutiveLosses); err != nil {
		return nil, fmt.Errorf("failed to restore loss streak: %w", err)
	}
	var lockdownUnix int64
	found, err := store.GetStateValue(storage.KeyLockdownActive, &lockdownUnix)
	if err != nil {
		return nil, fmt.Errorf("failed to restore lockdown state: %w", err)
	}
	if found && lockdownUnix > 0 {
		m.lockdownUntil = time.Unix(lockdownUnix, 0)
		if m.lockdownUntil.After(time.Now()) {
			m.log.Warn().
				Time("until", m.lockdownUntil).
				Int("consecutive_losses", m.consecutiveLosses).
				Msg("Restored active lockdown")
		}
	}
	return m, nil
}

// Settings rereads the persisted risk settings.
func (m *Manager) Settings() domain.RiskSettings {
	settings, err := m.store.GetRiskSettings()
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to load risk settings, using defaults")
		return domain.DefaultRiskSettings()
	}
	return settings
}

// ValidateSignal returns nil when the signal may execute, or the
// rejection reason as an error.
func (m *Manager) ValidateSignal(sig domain.Signal, open []domain.Position) error {
	settings := m.Settings()

	if m.InLockdown() {
		return fmt.Errorf("lockdown active until %s", m.lockdownDeadline().Format(time.RFC3339))
	}
	if sig.Confidence < settings.MinConfidence {
		return fmt.Errorf("confidence %.2f below minimum %.2f", sig.Confidence, settings.MinConfidence)
	}
	if sig.EntryPrice <= 0 || sig.StopLoss <= 0 || sig.TakeProfit <= 0 {
		return fmt.Errorf("non-positive price levels (entry=%.5f sl=%.5f tp=%.5f)",
			sig.EntryPrice, sig.StopLoss, sig.TakeProfit)
	}

	switch sig.Type {
	case domain.SignalBuy:
		if sig.StopLoss >= sig.EntryPrice {
			return fmt.Errorf("BUY stop loss %.5f not below entry %.5f", sig.StopLoss, sig.EntryPrice)
		}
		if sig.TakeProfit <= sig.EntryPrice {
			return fmt.Errorf("BUY take profit %.5f not above entry %.5f", sig.TakeProfit, sig.EntryPrice)
		}
	case domain.SignalSell:
		if sig.StopLoss <= sig.EntryPrice {
			return fmt.Errorf("SELL stop loss %.5f not above entry %.5f", sig.StopLoss, sig.EntryPrice)
		}
		if sig.TakeProfit >= sig.EntryPrice {
			return fmt.Errorf("SELL take profit %.5f not below entry %.5f", sig.TakeProfit, sig.EntryPrice)
		}
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}

	stopDistPct := math.Abs(sig.EntryPrice-sig.StopLoss) / sig.EntryPrice * 100
	if stopDistPct < settings.MinStopDistancePct {
		return fmt.Errorf("stop distance %.3f%% below minimum %.3f%%", stopDistPct, settings.MinStopDistancePct)
	}

	if len(open) >= settings.MaxOpenPositions {
		return fmt.Errorf("max open positions reached (%d)", settings.MaxOpenPositions)
	}
	perSymbol := 0
	for _, p := range open {
		if p.Symbol == sig.Symbol {
			perSymbol++
		}
	}
	if perSymbol >= settings.MaxPositionsPerSymbol {
		return fmt.Errorf("max positions for %s reached (%d)", sig.Symbol, settings.MaxPositionsPerSymbol)
	}
	return nil
}

// PositionSize converts the per-trade risk budget into a volume from the
// stop distance. A zero result means the trade cannot be sized safely.
func (m *Manager) PositionSize(balance float64, sig domain.Signal) float64 {
	settings := m.Settings()
	stopDist := math.Abs(sig.EntryPrice - sig.StopLoss)
	if balance <= 0 || stopDist <= 0 {
		return 0
	}
	riskAmount := balance * settings.MaxRiskPerTradePct / 100
	volume := riskAmount / stopDist
	// Round down to broker lot granularity.
	volume = math.Floor(volume*100) / 100
	if volume < 0.01 {
		return 0
	}
	return volume
}

// RecordTradeResult feeds a closed trade into the streak tracker. Three
// consecutive losses (by default) trip the lockdown. State is persisted
// immediately so a crash never forgets a streak.
func (m *Manager) RecordTradeResult(isWin bool, pnl float64) {
	settings := m.Settings()

	m.mu.Lock()
	if isWin {
		m.consecutiveLosses = 0
	} else if pnl < 0 {
		m.consecutiveLosses++
	}
	losses := m.consecutiveLosses
	tripped := losses >= settings.MaxConsecutiveLosses && !m.lockdownActiveLocked()
	if tripped {
		m.lockdownUntil = time.Now().Add(time.Duration(settings.LockdownCooldownMin) * time.Minute)
	}
	until := m.lockdownUntil
	m.mu.Unlock()

	if tripped {
		m.log.Warn().
			Int("consecutive_losses", losses).
			Time("until", until).
			Msg("Loss streak limit hit, entering lockdown")
	}
	m.persist(losses, until)
}

// InLockdown reports whether the cooldown is still running. An expired
// lockdown clears itself and persists the cleared state.
func (m *Manager) InLockdown() bool {
	m.mu.Lock()
	active := m.lockdownActiveLocked()
	expired := !active && !m.lockdownUntil.IsZero()
	if expired {
		m.lockdownUntil = time.Time{}
		m.consecutiveLosses = 0
	}
	losses := m.consecutiveLosses
	m.mu.Unlock()

	if expired {
		m.log.Info().Msg("Lockdown cooldown elapsed, trading resumed")
		m.persist(losses, time.Time{})
	}
	return active
}

func (m *Manager) lockdownActiveLocked() bool {
	return m.lockdownUntil.After(time.Now())
}

func (m *Manager) lockdownDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockdownUntil
}

// ConsecutiveLosses returns the current streak length.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

func (m *Manager) persist(losses int, until time.Time) {
	var untilUnix int64
	if !until.IsZero() {
		untilUnix = until.Unix()
	}
	if err := m.store.UpdateSystemState(map[string]any{
		storage.KeyConsecutiveLosses: losses,
		storage.KeyLockdownActive:    untilUnix,
	}); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist risk state")
	}
}

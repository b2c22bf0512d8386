// Package tuner adjusts the dynamic strategy parameters from realized
// trade outcomes. Adjustments are small, bounded, and fully audited:
// every change writes the old set, the new set, the statistics that
// drove it, and the trigger to storage.
package tuner

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

// Parameter bounds. The tuner never pushes a value outside these no
// matter how long a streak runs.
const (
	minConfidence = 0.30
	maxConfidence = 0.90
	minATRMultSL  = 1.0
	maxATRMultSL  = 4.0
	minATRMultTP  = 1.0
	maxATRMultTP  = 6.0
)

// Per-run adjustment factors.
const (
	conservativeStep = 1.10
	aggressiveStep   = 0.95
	tpExtendStep     = 1.05
)

// Config holds the tuner thresholds.
type Config struct {
	MinTradesForTuning int
	TradeLimit         int
	LowWinRate         float64
	HighWinRate        float64
	LossStreakTrigger  int
}

func (c Config) withDefaults() Config {
	if c.MinTradesForTuning <= 0 {
		c.MinTradesForTuning = 10
	}
	if c.TradeLimit <= 0 {
		c.TradeLimit = 100
	}
	if c.LowWinRate <= 0 {
		c.LowWinRate = 0.40
	}
	if c.HighWinRate <= 0 {
		c.HighWinRate = 0.60
	}
	if c.LossStreakTrigger <= 0 {
		c.LossStreakTrigger = 3
	}
	return c
}

// Tuner computes and applies parameter adjustments.
type Tuner struct {
	cfg   Config
	store *storage.Store
	log   zerolog.Logger
}

// New creates a tuner.
func New(cfg Config, store *storage.Store, log zerolog.Logger) *Tuner {
	return &Tuner{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With().Str("component", "edge_tuner").Logger(),
	}
}

// Tune runs one adjustment pass. It returns the applied adjustment, or
// nil when the tuner decided to hold (not enough trades, or performance
// inside the neutral band).
func (t *Tuner) Tune() (*storage.TuningAdjustment, error) {
	trades, err := t.store.GetTradeResults(t.cfg.TradeLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades for tuning: %w", err)
	}
	if len(trades) < t.cfg.MinTradesForTuning {
		t.log.Debug().
			Int("trades", len(trades)).
			Int("required", t.cfg.MinTradesForTuning).
			Msg("Not enough trades to tune")
		return nil, nil
	}

	wins := 0
	for _, tr := range trades {
		if tr.IsWin() {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(trades))

	// Streak length from the newest trade backwards.
	streak := 0
	for _, tr := range trades { // newest first
		if tr.Result == domain.TradeLoss {
			streak++
		} else {
			break
		}
	}

	stats := map[string]float64{
		"trades":             float64(len(trades)),
		"win_rate":           winRate,
		"consecutive_losses": float64(streak),
	}

	oldParams, err := t.store.GetDynamicParams()
	if err != nil {
		return nil, fmt.Errorf("failed to load dynamic params: %w", err)
	}
	newParams := make(map[string]float64, len(oldParams))
	for k, v := range oldParams {
		newParams[k] = v
	}

	var trigger string
	switch {
	case streak >= t.cfg.LossStreakTrigger:
		trigger = "loss_streak"
		t.conservative(newParams)
	case winRate < t.cfg.LowWinRate:
		trigger = "win_rate_low"
		t.conservative(newParams)
	case winRate > t.cfg.HighWinRate:
		trigger = "win_rate_high"
		t.aggressive(newParams)
	default:
		t.log.Debug().Float64("win_rate", winRate).Msg("Performance in neutral band, holding")
		return nil, nil
	}

	adj := storage.TuningAdjustment{
		OldParams: oldParams,
		NewParams: newParams,
		Stats:     stats,
		Trigger:   trigger,
		Timestamp: time.Now(),
	}
	if err := t.store.UpdateDynamicParams(newParams); err != nil {
		return nil, fmt.Errorf("failed to apply tuned params: %w", err)
	}
	if err := t.store.SaveTuningAdjustment(adj); err != nil {
		return nil, fmt.Errorf("failed to record tuning adjustment: %w", err)
	}
	learning := map[string]any{
		"trigger":  trigger,
		"stats":    stats,
		"applied":  newParams,
		"previous": oldParams,
	}
	if err := t.store.SaveEdgeLearning(learning); err != nil {
		t.log.Warn().Err(err).Msg("Failed to record edge learning entry")
	}

	t.log.Info().
		Str("trigger", trigger).
		Float64("win_rate", winRate).
		Int("streak", streak).
		Msg("Tuning adjustment applied")
	return &adj, nil
}

// conservative demands more confidence per signal and widens stops.
func (t *Tuner) conservative(params map[string]float64) {
	params["base_confidence"] = clamp(
		value(params, "base_confidence", 0.55)*conservativeStep,
		minConfidence, maxConfidence)
	params["atr_mult_sl"] = clamp(
		value(params, "atr_mult_sl", 2.0)*conservativeStep,
		minATRMultSL, maxATRMultSL)
}

// aggressive relaxes the confidence bar and stretches targets.
func (t *Tuner) aggressive(params map[string]float64) {
	params["base_confidence"] = clamp(
		value(params, "base_confidence", 0.55)*aggressiveStep,
		minConfidence, maxConfidence)
	params["atr_mult_tp"] = clamp(
		value(params, "atr_mult_tp", 3.0)*tpExtendStep,
		minATRMultTP, maxATRMultTP)
}

func value(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

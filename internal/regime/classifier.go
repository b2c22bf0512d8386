// Package regime implements the per-stream market regime classifier.
// One Classifier instance owns the state of a single (symbol, timeframe)
// stream; the scanner guarantees that only one worker touches a given
// instance at a time, so the classifier itself carries no locking.
package regime

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/analysis"
	"github.com/tradecore/engine/internal/domain"
)

// Config holds the classifier thresholds. All values are injected so the
// tuner can adjust them at runtime; zero values are replaced by defaults.
type Config struct {
	ADXPeriod                 int     `json:"adx_period"`
	SMAPeriod                 int     `json:"sma_period"`
	ADXTrendThreshold         float64 `json:"adx_trend_threshold"`
	ADXRangeThreshold         float64 `json:"adx_range_threshold"`
	ADXRangeExitThreshold     float64 `json:"adx_range_exit_threshold"`
	VolatilityShockMultiplier float64 `json:"volatility_shock_multiplier"`
	ShockLookback             int     `json:"shock_lookback"`
	MinVolatilityATRPeriod    int     `json:"min_volatility_atr_period"`
	PersistenceCandles        int     `json:"persistence_candles"`
	MaxBars                   int     `json:"max_bars"`
}

// DefaultConfig returns the stock classifier thresholds.
func DefaultConfig() Config {
	return Config{
		ADXPeriod:                 14,
		SMAPeriod:                 200,
		ADXTrendThreshold:         25,
		ADXRangeThreshold:         20,
		ADXRangeExitThreshold:     18,
		VolatilityShockMultiplier: 5.0,
		ShockLookback:             5,
		MinVolatilityATRPeriod:    50,
		PersistenceCandles:        2,
		MaxBars:                   300,
	}
}

// withDefaults fills zero fields with the default values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ADXPeriod <= 0 {
		c.ADXPeriod = d.ADXPeriod
	}
	if c.SMAPeriod <= 0 {
		c.SMAPeriod = d.SMAPeriod
	}
	if c.ADXTrendThreshold <= 0 {
		c.ADXTrendThreshold = d.ADXTrendThreshold
	}
	if c.ADXRangeThreshold <= 0 {
		c.ADXRangeThreshold = d.ADXRangeThreshold
	}
	if c.ADXRangeExitThreshold <= 0 {
		c.ADXRangeExitThreshold = d.ADXRangeExitThreshold
	}
	if c.VolatilityShockMultiplier <= 0 {
		c.VolatilityShockMultiplier = d.VolatilityShockMultiplier
	}
	if c.ShockLookback <= 0 {
		c.ShockLookback = d.ShockLookback
	}
	if c.MinVolatilityATRPeriod <= 0 {
		c.MinVolatilityATRPeriod = d.MinVolatilityATRPeriod
	}
	if c.PersistenceCandles <= 0 {
		c.PersistenceCandles = d.PersistenceCandles
	}
	if c.MaxBars <= 0 {
		c.MaxBars = d.MaxBars
	}
	return c
}

// Metrics is the per-classification metric snapshot persisted alongside
// the regime.
type Metrics struct {
	ADX             float64     `json:"adx"`
	ATRPct          float64     `json:"atr_pct"`
	VolatilityShock bool        `json:"volatility_shock"`
	SMADistance     float64     `json:"sma_distance"`
	Bias            domain.Bias `json:"bias"`
}

// Classifier is the stateful per-stream regime machine. Transitions away
// from the confirmed regime require PersistenceCandles consecutive raw
// observations; CRASH bypasses persistence entirely.
type Classifier struct {
	cfg Config
	log zerolog.Logger

	bars      []domain.Bar
	confirmed domain.Regime // empty until warm
	pending   domain.Regime
	pendingN  int
	lastLen   int // classify cache key: bar count at last classification
}

// New creates a classifier for one stream.
func New(cfg Config, log zerolog.Logger) *Classifier {
	return &Classifier{
		cfg: cfg.withDefaults(),
		log: log.With().Str("component", "regime_classifier").Logger(),
	}
}

// Config returns the active thresholds.
func (c *Classifier) Config() Config {
	return c.cfg
}

// SetConfig replaces the thresholds. The confirmed regime survives; only
// the classify cache is invalidated so the next call recomputes.
func (c *Classifier) SetConfig(cfg Config) {
	c.cfg = cfg.withDefaults()
	c.lastLen = 0
}

// LoadOHLC replaces the bar buffer and resets all classification state.
func (c *Classifier) LoadOHLC(bars []domain.Bar) {
	c.bars = capTail(append([]domain.Bar(nil), bars...), c.cfg.MaxBars)
	c.confirmed = ""
	c.pending = ""
	c.pendingN = 0
	c.lastLen = 0
}

// UpdateBars merges freshly fetched bars into the buffer without
// resetting confirmed state. Bars at or before the newest buffered
// timestamp are ignored; an empty buffer is seeded with the whole fetch.
func (c *Classifier) UpdateBars(bars []domain.Bar) {
	if len(bars) == 0 {
		return
	}
	if len(c.bars) == 0 {
		c.bars = capTail(append([]domain.Bar(nil), bars...), c.cfg.MaxBars)
		return
	}
	last := c.bars[len(c.bars)-1].Timestamp
	for _, b := range bars {
		if b.Timestamp.After(last) {
			c.bars = append(c.bars, b)
			last = b.Timestamp
		}
	}
	c.bars = capTail(c.bars, c.cfg.MaxBars)
}

// BarCount returns the number of buffered bars.
func (c *Classifier) BarCount() int {
	return len(c.bars)
}

// Bars returns a copy of the buffered bars.
func (c *Classifier) Bars() []domain.Bar {
	return append([]domain.Bar(nil), c.bars...)
}

// Confirmed returns the current confirmed regime, NORMAL before warm-up.
func (c *Classifier) Confirmed() domain.Regime {
	if c.confirmed == "" {
		return domain.RegimeNormal
	}
	return c.confirmed
}

// warmupBars is the minimum buffer length before classification.
func (c *Classifier) warmupBars() int {
	n := c.cfg.ADXPeriod * 2
	if n < 20 {
		n = 20
	}
	return n
}

// Classify runs one classification pass over the buffered bars.
func (c *Classifier) Classify() domain.Regime {
	return c.classify(c.bars)
}

// ClassifyAt classifies with a synthetic last bar whose close is the
// given live price, without mutating the buffer.
func (c *Classifier) ClassifyAt(price float64) domain.Regime {
	if price <= 0 || len(c.bars) == 0 {
		return c.classify(c.bars)
	}
	last := c.bars[len(c.bars)-1]
	synthetic := domain.Bar{
		Timestamp: last.Timestamp.Add(time.Second),
		Open:      last.Close,
		High:      maxf(last.Close, price),
		Low:       minf(last.Close, price),
		Close:     price,
	}
	return c.classify(append(append([]domain.Bar(nil), c.bars...), synthetic))
}

func (c *Classifier) classify(bars []domain.Bar) domain.Regime {
	if len(bars) < c.warmupBars() {
		return domain.RegimeNormal
	}

	// Unchanged buffer, nothing new to observe.
	if len(bars) == c.lastLen && c.confirmed != "" {
		return c.confirmed
	}
	c.lastLen = len(bars)

	raw := c.rawClassify(bars)

	// CRASH confirms immediately, no debounce.
	if raw == domain.RegimeCrash {
		if c.confirmed != domain.RegimeCrash {
			c.log.Warn().
				Str("from", string(c.Confirmed())).
				Msg("Volatility shock detected, entering CRASH regime")
		}
		c.confirmed = domain.RegimeCrash
		c.pending = ""
		c.pendingN = 0
		return c.confirmed
	}

	if c.confirmed == "" || raw == c.confirmed {
		c.confirmed = raw
		c.pending = ""
		c.pendingN = 0
		return c.confirmed
	}

	if raw == c.pending {
		c.pendingN++
	} else {
		c.pending = raw
		c.pendingN = 1
	}
	if c.pendingN >= c.cfg.PersistenceCandles {
		c.log.Info().
			Str("from", string(c.confirmed)).
			Str("to", string(raw)).
			Int("observations", c.pendingN).
			Msg("Regime transition confirmed")
		c.confirmed = raw
		c.pending = ""
		c.pendingN = 0
	}
	return c.confirmed
}

// rawClassify produces the unstabilized regime for the given bars.
func (c *Classifier) rawClassify(bars []domain.Bar) domain.Regime {
	if c.shockDetected(bars) {
		return domain.RegimeCrash
	}

	// ADX needs a full smoothing window; without it the stream is
	// indistinguishable from NORMAL, never a random regime.
	if len(bars) < 2*c.cfg.ADXPeriod+1 {
		return domain.RegimeNormal
	}
	adx := analysis.ADX(bars, c.cfg.ADXPeriod).ADX

	// Hysteresis: once in TREND, stay until ADX falls below the exit
	// threshold, which sits below the entry threshold.
	if c.confirmed == domain.RegimeTrend {
		if adx < c.cfg.ADXRangeExitThreshold {
			return domain.RegimeRange
		}
		return domain.RegimeTrend
	}
	if adx > c.cfg.ADXTrendThreshold {
		return domain.RegimeTrend
	}
	if adx < c.cfg.ADXRangeThreshold {
		return domain.RegimeRange
	}
	return domain.RegimeNormal
}

// shockDetected applies the volatility shock rule: the short-window
// return stdev must exceed both the ATR floor and the baseline stdev by
// the shock multiplier. A zero baseline never counts as a shock.
func (c *Classifier) shockDetected(bars []domain.Bar) bool {
	lookback := c.cfg.ShockLookback
	floor := c.cfg.MinVolatilityATRPeriod
	if floor < 20 {
		floor = 20
	}
	if len(bars) < 2*lookback+floor {
		return false
	}

	// +1 bar so each window yields lookback returns.
	short := bars[len(bars)-lookback-1:]
	baseline := bars[len(bars)-2*lookback-1 : len(bars)-lookback]

	shortStd := analysis.ReturnStdDev(short)
	baseStd := analysis.ReturnStdDev(baseline)
	if baseStd <= 0 {
		return false
	}

	atrPct := c.atrPct(bars)
	if shortStd*100 < atrPct {
		return false // sub-ATR noise
	}
	return shortStd/baseStd >= c.cfg.VolatilityShockMultiplier
}

func (c *Classifier) atrPct(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	lastClose := bars[len(bars)-1].Close
	if lastClose <= 0 {
		return 0
	}
	return analysis.ATR(bars, c.cfg.ADXPeriod) / lastClose * 100
}

// GetMetrics returns the metric snapshot for the buffered bars. With an
// insufficient buffer the zero Metrics value is returned.
func (c *Classifier) GetMetrics() Metrics {
	if len(c.bars) == 0 {
		return Metrics{}
	}
	lastClose := c.bars[len(c.bars)-1].Close

	m := Metrics{
		ADX:             analysis.ADX(c.bars, c.cfg.ADXPeriod).ADX,
		ATRPct:          c.atrPct(c.bars),
		VolatilityShock: c.shockDetected(c.bars),
	}

	smaLong := analysis.SMA(c.bars, c.cfg.SMAPeriod)
	if smaLong > 0 {
		m.SMADistance = (lastClose - smaLong) / smaLong * 100
	}
	if m.SMADistance > 0 {
		m.Bias = domain.BiasBullish
	} else {
		m.Bias = domain.BiasBearish
	}
	return m
}

func capTail(bars []domain.Bar, max int) []domain.Bar {
	if len(bars) <= max {
		return bars
	}
	return append([]domain.Bar(nil), bars[len(bars)-max:]...)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

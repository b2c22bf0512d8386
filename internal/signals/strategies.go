package signals

import (
	"time"

	"github.com/markcheno/go-talib"

	"github.com/tradecore/engine/internal/analysis"
	"github.com/tradecore/engine/internal/domain"
)

// Tunable parameter keys the strategies read from the dynamic set.
// Absent keys fall back to the defaults below.
const (
	ParamEMAFast    = "ema_fast"
	ParamEMASlow    = "ema_slow"
	ParamRSIPeriod  = "rsi_period"
	ParamRSIOverb   = "rsi_overbought"
	ParamRSIOvers   = "rsi_oversold"
	ParamATRMultSL  = "atr_mult_sl"
	ParamATRMultTP  = "atr_mult_tp"
	ParamBaseConfid = "base_confidence"
)

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok && v > 0 {
		return v
	}
	return def
}

func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// ---------------------------------------------------------------------------
// Trend following: EMA crossover confirmed by RSI, TREND regime only.

type TrendFollowing struct{}

func NewTrendFollowing() *TrendFollowing { return &TrendFollowing{} }

func (s *TrendFollowing) ID() string   { return "trend_following_v1" }
func (s *TrendFollowing) Name() string { return "Trend Following (EMA/RSI)" }

func (s *TrendFollowing) Generate(view MarketView, params map[string]float64) []domain.Signal {
	if view.Regime != domain.RegimeTrend {
		return nil
	}

	fast := int(param(params, ParamEMAFast, 12))
	slow := int(param(params, ParamEMASlow, 26))
	rsiPeriod := int(param(params, ParamRSIPeriod, 14))
	overbought := param(params, ParamRSIOverb, 70)
	oversold := param(params, ParamRSIOvers, 30)

	need := slow + rsiPeriod
	if len(view.Bars) < need || fast >= slow {
		return nil
	}

	prices := closes(view.Bars)
	emaFast := talib.Ema(prices, fast)
	emaSlow := talib.Ema(prices, slow)
	rsi := talib.Rsi(prices, rsiPeriod)

	last := len(prices) - 1
	entry := prices[last]
	atr := analysis.ATR(view.Bars, 14)
	if atr <= 0 {
		return nil
	}
	slDist := atr * param(params, ParamATRMultSL, 2)
	tpDist := atr * param(params, ParamATRMultTP, 3)
	confidence := param(params, ParamBaseConfid, 0.55)

	switch {
	case emaFast[last] > emaSlow[last] && rsi[last] < overbought &&
		view.Metrics.Bias == domain.BiasBullish:
		return []domain.Signal{{
			Symbol:     view.Key.Symbol,
			Type:       domain.SignalBuy,
			Timeframe:  view.Key.Timeframe,
			EntryPrice: entry,
			StopLoss:   entry - slDist,
			TakeProfit: entry + tpDist,
			Confidence: confidence,
			Timestamp:  time.Now(),
		}}
	case emaFast[last] < emaSlow[last] && rsi[last] > oversold &&
		view.Metrics.Bias == domain.BiasBearish:
		return []domain.Signal{{
			Symbol:     view.Key.Symbol,
			Type:       domain.SignalSell,
			Timeframe:  view.Key.Timeframe,
			EntryPrice: entry,
			StopLoss:   entry + slDist,
			TakeProfit: entry - tpDist,
			Confidence: confidence,
			Timestamp:  time.Now(),
		}}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Range mean reversion: RSI extremes inside a RANGE regime.

type RangeReversion struct{}

func NewRangeReversion() *RangeReversion { return &RangeReversion{} }

func (s *RangeReversion) ID() string   { return "range_reversion_v1" }
func (s *RangeReversion) Name() string { return "Range Mean Reversion (RSI)" }

func (s *RangeReversion) Generate(view MarketView, params map[string]float64) []domain.Signal {
	if view.Regime != domain.RegimeRange {
		return nil
	}

	rsiPeriod := int(param(params, ParamRSIPeriod, 14))
	overbought := param(params, ParamRSIOverb, 70)
	oversold := param(params, ParamRSIOvers, 30)

	if len(view.Bars) < rsiPeriod+1 {
		return nil
	}

	prices := closes(view.Bars)
	rsi := talib.Rsi(prices, rsiPeriod)
	last := len(prices) - 1
	entry := prices[last]

	atr := analysis.ATR(view.Bars, 14)
	if atr <= 0 {
		return nil
	}
	slDist := atr * param(params, ParamATRMultSL, 2)
	// Mean reversion targets the middle of the recent band, not a
	// multiple of ATR.
	mid := rangeMid(view.Bars, rsiPeriod*2)
	confidence := param(params, ParamBaseConfid, 0.55) - 0.05

	switch {
	case rsi[last] < oversold && entry < mid:
		return []domain.Signal{{
			Symbol:     view.Key.Symbol,
			Type:       domain.SignalBuy,
			Timeframe:  view.Key.Timeframe,
			EntryPrice: entry,
			StopLoss:   entry - slDist,
			TakeProfit: mid,
			Confidence: confidence,
			Timestamp:  time.Now(),
		}}
	case rsi[last] > overbought && entry > mid:
		return []domain.Signal{{
			Symbol:     view.Key.Symbol,
			Type:       domain.SignalSell,
			Timeframe:  view.Key.Timeframe,
			EntryPrice: entry,
			StopLoss:   entry + slDist,
			TakeProfit: mid,
			Confidence: confidence,
			Timestamp:  time.Now(),
		}}
	}
	return nil
}

// rangeMid is the midpoint of the high/low band over the last n bars.
func rangeMid(bars []domain.Bar, n int) float64 {
	if n > len(bars) {
		n = len(bars)
	}
	window := bars[len(bars)-n:]
	hi, lo := window[0].High, window[0].Low
	for _, b := range window[1:] {
		if b.High > hi {
			hi = b.High
		}
		if b.Low < lo {
			lo = b.Low
		}
	}
	return (hi + lo) / 2
}

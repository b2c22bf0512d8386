// Package analysis provides the pure indicator math used by the regime
// classifier and the strategies. Every function is deterministic,
// side-effect free and safe to call with fewer bars than the period -
// short inputs yield zero values, never a panic.
//
// ADX follows Wilder's original smoothing so values line up with what
// industry charting platforms display. ATR here is the simple moving
// average of True Range, not the Wilder-smoothed variant.
package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/tradecore/engine/internal/domain"
)

// SMA returns the simple moving average of the close over the last
// period bars. Returns 0 when there are fewer bars than the period.
func SMA(bars []domain.Bar, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}

// TrueRange computes the TR series for the bar sequence. The first bar
// has no previous close, so the series has len(bars)-1 entries.
func TrueRange(bars []domain.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	tr := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i-1] = math.Max(hl, math.Max(hc, lc))
	}
	return tr
}

// ATR returns the simple moving average of True Range over the last
// period entries. Returns 0 with insufficient bars.
func ATR(bars []domain.Bar, period int) float64 {
	tr := TrueRange(bars)
	if period <= 0 || len(tr) < period {
		return 0
	}
	sum := 0.0
	for _, v := range tr[len(tr)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// wilderSmooth applies Wilder's running smoothing: the initial value is
// the mean of the first period observations, each subsequent value is
// (prev*(period-1) + current) / period. The returned series starts at
// input index period-1.
func wilderSmooth(vals []float64, period int) []float64 {
	if period <= 0 || len(vals) < period {
		return nil
	}
	out := make([]float64, 0, len(vals)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += vals[i]
	}
	prev := sum / float64(period)
	out = append(out, prev)
	for i := period; i < len(vals); i++ {
		prev = (prev*float64(period-1) + vals[i]) / float64(period)
		out = append(out, prev)
	}
	return out
}

// ADXResult carries the directional index values for the latest bar.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX computes Wilder's Average Directional Index over the bar sequence.
// Needs at least 2*period+1 bars for a meaningful value; returns zeros
// otherwise.
func ADX(bars []domain.Bar, period int) ADXResult {
	if period <= 0 || len(bars) < 2*period+1 {
		return ADXResult{}
	}

	tr := TrueRange(bars)
	plusDM := make([]float64, len(bars)-1)
	minusDM := make([]float64, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		// Standard DM filter: keep only the dominant, positive move.
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	smTR := wilderSmooth(tr, period)
	smPlus := wilderSmooth(plusDM, period)
	smMinus := wilderSmooth(minusDM, period)
	if len(smTR) == 0 {
		return ADXResult{}
	}

	dx := make([]float64, len(smTR))
	var lastPlusDI, lastMinusDI float64
	for i := range smTR {
		var plusDI, minusDI float64
		if smTR[i] > 0 {
			plusDI = 100 * smPlus[i] / smTR[i]
			minusDI = 100 * smMinus[i] / smTR[i]
		}
		if sum := plusDI + minusDI; sum > 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
		lastPlusDI, lastMinusDI = plusDI, minusDI
	}

	smDX := wilderSmooth(dx, period)
	if len(smDX) == 0 {
		return ADXResult{PlusDI: lastPlusDI, MinusDI: lastMinusDI}
	}
	return ADXResult{
		ADX:     smDX[len(smDX)-1],
		PlusDI:  lastPlusDI,
		MinusDI: lastMinusDI,
	}
}

// FVG flags a Fair Value Gap at one bar of the sequence.
type FVG struct {
	Index   int
	Bullish bool
	Bearish bool
	Gap     float64
}

// DetectFVG scans for three-bar imbalances: bullish when the high two
// bars back sits below the current low, bearish when the low two bars
// back sits above the current high. The result has one entry per bar;
// the first two bars can never carry a gap.
func DetectFVG(bars []domain.Bar) []FVG {
	out := make([]FVG, len(bars))
	for i := range bars {
		out[i].Index = i
		if i < 2 {
			continue
		}
		if bars[i-2].High < bars[i].Low {
			out[i].Bullish = true
			out[i].Gap = bars[i].Low - bars[i-2].High
		} else if bars[i-2].Low > bars[i].High {
			out[i].Bearish = true
			out[i].Gap = bars[i-2].Low - bars[i].High
		}
	}
	return out
}

// Disconnect is the realized-vs-historical volatility comparison.
type Disconnect struct {
	ShortVol float64
	LongVol  float64
	Ratio    float64
	IsBurst  bool
}

// VolatilityDisconnect compares the realized volatility of the last
// short bars against the historical volatility of the long bars
// immediately before them. IsBurst is true when the ratio exceeds 2.0.
func VolatilityDisconnect(bars []domain.Bar, short, long int) Disconnect {
	if short <= 1 || long <= 1 || len(bars) < short+long+1 {
		return Disconnect{}
	}
	rets := logReturns(bars)
	shortRets := rets[len(rets)-short:]
	longRets := rets[len(rets)-short-long : len(rets)-short]

	d := Disconnect{
		ShortVol: stat.StdDev(shortRets, nil),
		LongVol:  stat.StdDev(longRets, nil),
	}
	if d.LongVol > 0 {
		d.Ratio = d.ShortVol / d.LongVol
		d.IsBurst = d.Ratio > 2.0
	}
	return d
}

// ReturnStdDev computes the standard deviation of log returns over the
// given bar window. Returns 0 with fewer than 3 bars.
func ReturnStdDev(bars []domain.Bar) float64 {
	if len(bars) < 3 {
		return 0
	}
	return stat.StdDev(logReturns(bars), nil)
}

func logReturns(bars []domain.Bar) []float64 {
	rets := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 || bars[i].Close <= 0 {
			rets = append(rets, 0)
			continue
		}
		rets = append(rets, math.Log(bars[i].Close/bars[i-1].Close))
	}
	return rets
}

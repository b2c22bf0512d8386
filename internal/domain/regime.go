// Package domain holds the core types shared across the engine.
// It has no infrastructure dependencies; storage, providers and brokers
// all consume these types.
package domain

// Regime is the discrete market state for one (symbol, timeframe) stream.
type Regime string

const (
	// RegimeTrend - strong directional movement (ADX above the trend threshold)
	RegimeTrend Regime = "TREND"
	// RegimeRange - sideways movement (ADX below the range threshold)
	RegimeRange Regime = "RANGE"
	// RegimeNormal - neither trending nor ranging, the warm-up default
	RegimeNormal Regime = "NORMAL"
	// RegimeCrash - volatility shock in progress, overrides everything else
	RegimeCrash Regime = "CRASH"
)

// regimePriority orders regimes by aggressiveness for aggregation.
// CRASH > TREND > NORMAL > RANGE.
var regimePriority = map[Regime]int{
	RegimeCrash:  3,
	RegimeTrend:  2,
	RegimeNormal: 1,
	RegimeRange:  0,
}

// Priority returns the aggregation rank of the regime. Unknown regimes
// rank below RANGE so they never win an aggregation.
func (r Regime) Priority() int {
	if p, ok := regimePriority[r]; ok {
		return p
	}
	return -1
}

// Valid reports whether r is one of the four known regimes.
func (r Regime) Valid() bool {
	_, ok := regimePriority[r]
	return ok
}

// MostAggressive returns the highest-priority regime of the given set.
// Returns RegimeNormal for an empty set.
func MostAggressive(regimes []Regime) Regime {
	result := RegimeNormal
	best := -1
	for _, r := range regimes {
		if p := r.Priority(); p > best {
			best = p
			result = r
		}
	}
	return result
}

// Bias is the directional tilt derived from price vs the long SMA.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
)

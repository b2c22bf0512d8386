package domain

import "time"

// Bar is one immutable OHLC candle at a given timeframe.
type Bar struct {
	Timestamp time.Time `json:"timestamp" msgpack:"t"`
	Open      float64   `json:"open" msgpack:"o"`
	High      float64   `json:"high" msgpack:"h"`
	Low       float64   `json:"low" msgpack:"l"`
	Close     float64   `json:"close" msgpack:"c"`
	Volume    float64   `json:"volume,omitempty" msgpack:"v,omitempty"`
}

// Timeframe is the canonical timeframe vocabulary used throughout the
// system. Providers translate these to their own representations.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
	TimeframeMN1 Timeframe = "MN1"
)

// Timeframes lists every canonical timeframe in ascending duration order.
var Timeframes = []Timeframe{
	TimeframeM1, TimeframeM5, TimeframeM15, TimeframeM30,
	TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1, TimeframeMN1,
}

var timeframeDurations = map[Timeframe]time.Duration{
	TimeframeM1:  time.Minute,
	TimeframeM5:  5 * time.Minute,
	TimeframeM15: 15 * time.Minute,
	TimeframeM30: 30 * time.Minute,
	TimeframeH1:  time.Hour,
	TimeframeH4:  4 * time.Hour,
	TimeframeD1:  24 * time.Hour,
	TimeframeW1:  7 * 24 * time.Hour,
	TimeframeMN1: 30 * 24 * time.Hour,
}

// Duration returns the bar duration of the timeframe.
// Unknown timeframes fall back to M5, the safe default for bad input.
func (tf Timeframe) Duration() time.Duration {
	if d, ok := timeframeDurations[tf]; ok {
		return d
	}
	return 5 * time.Minute
}

// Valid reports whether tf is part of the canonical vocabulary.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// ParseTimeframe normalizes a timeframe string, substituting M5 for
// anything outside the vocabulary.
func ParseTimeframe(s string) Timeframe {
	tf := Timeframe(s)
	if !tf.Valid() {
		return TimeframeM5
	}
	return tf
}

// StreamKey identifies one (symbol, timeframe) classification stream.
type StreamKey struct {
	Symbol    string
	Timeframe Timeframe
}

// String renders the key in the symbol|timeframe form used by storage.
func (k StreamKey) String() string {
	return k.Symbol + "|" + string(k.Timeframe)
}

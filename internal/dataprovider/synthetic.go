package dataprovider

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/tradecore/engine/internal/domain"
)

// SyntheticProvider generates deterministic random-walk bars. It exists
// for development without network access and for tests that need a
// provider with predictable shape. The same (symbol, timeframe, count)
// request always yields the same series.
type SyntheticProvider struct {
	id        string
	basePrice float64
}

// NewSyntheticProvider creates a synthetic source. basePrice <= 0
// selects a per-symbol default.
func NewSyntheticProvider(id string, basePrice float64) *SyntheticProvider {
	if id == "" {
		id = "synthetic"
	}
	return &SyntheticProvider{id: id, basePrice: basePrice}
}

func (p *SyntheticProvider) ID() string      { return p.id }
func (p *SyntheticProvider) Available() bool { return true }

// FetchOHLC returns count bars ending at the current aligned candle.
func (p *SyntheticProvider) FetchOHLC(_ context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Bar, error) {
	if count <= 0 {
		return nil, nil
	}

	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(timeframe))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := p.basePrice
	if price <= 0 {
		price = 50 + 200*rng.Float64()
	}

	dur := timeframe.Duration()
	end := time.Now().Truncate(dur)
	start := end.Add(-time.Duration(count-1) * dur)

	bars := make([]domain.Bar, 0, count)
	for i := 0; i < count; i++ {
		drift := rng.NormFloat64() * price * 0.002
		open := price
		close := price + drift
		high := math.Max(open, close) * (1 + rng.Float64()*0.001)
		low := math.Min(open, close) * (1 - rng.Float64()*0.001)
		bars = append(bars, domain.Bar{
			Timestamp: start.Add(time.Duration(i) * dur),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + rng.Float64()*9000,
		})
		price = close
	}
	return bars, nil
}

// Package signals turns classified market state into trade signals.
// Strategies are registered with the factory; each cycle the factory
// rereads dynamic parameters, runs every strategy over the market
// views, and enriches the results with cross-timeframe context.
package signals

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/regime"
	"github.com/tradecore/engine/internal/storage"
)

// MarketView is the strategy input for one stream: the confirmed
// regime, the metric snapshot, and the bar frame behind them.
type MarketView struct {
	Key     domain.StreamKey
	Regime  domain.Regime
	Metrics regime.Metrics
	Bars    []domain.Bar
}

// Strategy produces zero or more signals from a single market view.
// Implementations must be stateless between calls; tunable behavior
// comes in through params.
type Strategy interface {
	ID() string
	Name() string
	Generate(view MarketView, params map[string]float64) []domain.Signal
}

// Factory owns the strategy registry and the enrichment pass.
type Factory struct {
	store      *storage.Store
	log        zerolog.Logger
	strategies []Strategy
}

// NewFactory creates an empty factory. Register strategies before the
// first Generate call.
func NewFactory(store *storage.Store, log zerolog.Logger) *Factory {
	return &Factory{
		store: store,
		log:   log.With().Str("component", "signal_factory").Logger(),
	}
}

// Register adds a strategy. Duplicate IDs are rejected.
func (f *Factory) Register(s Strategy) error {
	for _, existing := range f.strategies {
		if existing.ID() == s.ID() {
			return fmt.Errorf("strategy %s already registered", s.ID())
		}
	}
	f.strategies = append(f.strategies, s)
	return nil
}

// Strategies returns the registered strategy IDs.
func (f *Factory) Strategies() []string {
	ids := make([]string, 0, len(f.strategies))
	for _, s := range f.strategies {
		ids = append(ids, s.ID())
	}
	return ids
}

// Generate runs every strategy over the views and returns the enriched
// signal set. Dynamic parameters are reread from storage on every call
// so tuner adjustments apply to the very next cycle.
func (f *Factory) Generate(ctx context.Context, views []MarketView, traceID string) []domain.Signal {
	if ctx.Err() != nil {
		return nil
	}

	params, err := f.store.GetDynamicParams()
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to load dynamic params, using empty set")
		params = map[string]float64{}
	}

	var out []domain.Signal
	for _, strategy := range f.strategies {
		for _, view := range views {
			for _, sig := range strategy.Generate(view, params) {
				if sig.ID == "" {
					sig.ID = uuid.NewString()
				}
				sig.StrategyID = strategy.ID()
				sig.TraceID = traceID
				sig.Regime = view.Regime
				sig.Status = domain.SignalPending
				if sig.Metadata == nil {
					sig.Metadata = map[string]string{}
				}
				out = append(out, sig)
			}
		}
	}

	f.enrich(out, views)
	if len(out) > 0 {
		f.log.Info().
			Int("signals", len(out)).
			Str("trace_id", traceID).
			Msg("Signals generated")
	}
	return out
}

// enrich annotates signals with confluence and trifecta context.
//
// Confluence: every scanned timeframe of the signal's symbol shows the
// same directional bias as the signal. Trifecta: regime, bias and
// momentum all agree (a trend regime trending the signal's way, with
// the bias on the same side).
func (f *Factory) enrich(signals []domain.Signal, views []MarketView) {
	bySymbol := make(map[string][]MarketView)
	for _, v := range views {
		bySymbol[v.Key.Symbol] = append(bySymbol[v.Key.Symbol], v)
	}

	for i := range signals {
		sig := &signals[i]
		symbolViews := bySymbol[sig.Symbol]
		if len(symbolViews) == 0 {
			continue
		}

		wantBias := domain.BiasBullish
		if sig.Type == domain.SignalSell {
			wantBias = domain.BiasBearish
		}

		confluence := true
		for _, v := range symbolViews {
			if v.Metrics.Bias != wantBias {
				confluence = false
				break
			}
		}
		if confluence && len(symbolViews) > 1 {
			sig.Confidence = clamp01(sig.Confidence + 0.1)
			sig.Metadata["confluence"] = strconv.Itoa(len(symbolViews))
		}

		var own *MarketView
		for j := range symbolViews {
			if symbolViews[j].Key == (domain.StreamKey{Symbol: sig.Symbol, Timeframe: sig.Timeframe}) {
				own = &symbolViews[j]
				break
			}
		}
		if own != nil &&
			own.Regime == domain.RegimeTrend &&
			own.Metrics.Bias == wantBias &&
			momentumAgrees(*own, sig.Type) {
			sig.Confidence = clamp01(sig.Confidence + 0.15)
			sig.Metadata["trifecta"] = "true"
		}
	}
}

// momentumAgrees checks the last close against the previous one as a
// minimal momentum read, keeping enrichment independent of any single
// indicator period.
func momentumAgrees(v MarketView, t domain.SignalType) bool {
	if len(v.Bars) < 2 {
		return false
	}
	last := v.Bars[len(v.Bars)-1].Close
	prev := v.Bars[len(v.Bars)-2].Close
	if t == domain.SignalBuy {
		return last > prev
	}
	return last < prev
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

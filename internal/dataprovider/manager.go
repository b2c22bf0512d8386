// Package dataprovider selects and queries market data sources.
//
// Providers are configured in storage, instantiated once, and cached.
// FetchOHLC walks the enabled providers in priority order and returns
// the first non-empty result; per-provider failures are logged and
// swallowed so one broken source never takes down a scan.
package dataprovider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

// FetchOptions narrows provider selection for one fetch.
type FetchOptions struct {
	// OnlySystem restricts selection to system providers. The scanner
	// sets this so regime classification never depends on ad-hoc user
	// sources.
	OnlySystem bool
}

// Manager owns the provider instance cache and routing.
type Manager struct {
	store *storage.Store
	log   zerolog.Logger

	mu        sync.RWMutex
	providers []managedProvider
	symbolMap map[string]map[string]string
	loaded    bool
}

type managedProvider struct {
	meta     storage.ProviderRecord
	instance domain.DataProvider
}

// NewManager creates a manager over the stored provider registry. No
// providers are instantiated until the first fetch or explicit Reload.
func NewManager(store *storage.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		log:   log.With().Str("component", "data_provider").Logger(),
	}
}

// Reload drops the instance cache and rebuilds it from storage. Called
// at startup and whenever provider configuration changes.
func (m *Manager) Reload() error {
	records, err := m.store.GetDataProviders()
	if err != nil {
		return fmt.Errorf("failed to load provider registry: %w", err)
	}
	symbolMap, err := m.store.GetSymbolMap()
	if err != nil {
		return fmt.Errorf("failed to load symbol map: %w", err)
	}

	providers := make([]managedProvider, 0, len(records))
	for _, rec := range records {
		instance, err := buildProvider(rec)
		if err != nil {
			m.log.Warn().Err(err).Str("provider", rec.ID).Msg("Skipping provider")
			continue
		}
		providers = append(providers, managedProvider{meta: rec, instance: instance})
	}

	m.mu.Lock()
	m.providers = providers
	m.symbolMap = symbolMap
	m.loaded = true
	m.mu.Unlock()

	m.log.Info().Int("providers", len(providers)).Msg("Provider registry loaded")
	return nil
}

// ensureLoaded lazily performs the first registry load.
func (m *Manager) ensureLoaded() error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	return m.Reload()
}

// FetchOHLC returns bars for the symbol from the best available
// provider. Selection order is priority descending; disabled providers,
// providers whose credentials do not resolve, and (with OnlySystem)
// non-system providers are skipped. The first provider returning a
// non-empty result wins. When every candidate fails with an error, one
// free provider outside the candidate set is tried as a transient
// fallback before giving up; with no enabled candidates at all, a
// disabled free provider is enabled for the single attempt, in memory
// only, never persisted.
func (m *Manager) FetchOHLC(ctx context.Context, symbol string, timeframe domain.Timeframe, count int, opts FetchOptions) ([]domain.Bar, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	providers := m.providers
	symbolMap := m.symbolMap
	m.mu.RUnlock()

	var (
		attempted int
		fallback  *managedProvider
		transient *managedProvider
	)
	for i := range providers {
		p := providers[i]
		if opts.OnlySystem && !p.meta.IsSystem {
			continue
		}
		if !p.meta.Enabled {
			if !p.meta.RequiresAuth && transient == nil {
				transient = &providers[i]
			}
			continue
		}
		if !p.meta.RequiresAuth && fallback == nil {
			fallback = &providers[i]
		}
		if !p.instance.Available() {
			continue
		}

		attempted++
		bars, err := m.fetchFrom(ctx, p, symbol, symbolMap, timeframe, count)
		if err != nil {
			m.log.Warn().Err(err).
				Str("provider", p.meta.ID).
				Str("symbol", symbol).
				Msg("Provider fetch failed")
			continue
		}
		if len(bars) > 0 {
			return bars, nil
		}
	}

	// Transient fallback: a free provider may still answer even when the
	// preferred (authenticated) sources are down.
	if fallback != nil && fallback.instance.Available() {
		bars, err := m.fetchFrom(ctx, *fallback, symbol, symbolMap, timeframe, count)
		if err == nil && len(bars) > 0 {
			m.log.Debug().
				Str("provider", fallback.meta.ID).
				Str("symbol", symbol).
				Msg("Served by fallback provider")
			return bars, nil
		}
	}

	// Last resort: enable a disabled free provider for this one attempt.
	// The enablement lives in this call only; the registry record in
	// storage stays disabled.
	if transient != nil && transient.instance.Available() {
		bars, err := m.fetchFrom(ctx, *transient, symbol, symbolMap, timeframe, count)
		if err == nil && len(bars) > 0 {
			m.log.Warn().
				Str("provider", transient.meta.ID).
				Str("symbol", symbol).
				Msg("Served by transiently enabled provider")
			return bars, nil
		}
	}

	if attempted == 0 {
		return nil, fmt.Errorf("no usable provider for %s %s", symbol, timeframe)
	}
	return nil, nil
}

func (m *Manager) fetchFrom(ctx context.Context, p managedProvider, symbol string, symbolMap map[string]map[string]string, timeframe domain.Timeframe, count int) ([]domain.Bar, error) {
	providerSymbol := symbol
	if mapped, ok := symbolMap[symbol][p.meta.ID]; ok && mapped != "" {
		providerSymbol = mapped
	}
	return p.instance.FetchOHLC(ctx, providerSymbol, timeframe, count)
}

// Providers returns a copy of the registry metadata for status views.
func (m *Manager) Providers() []storage.ProviderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.ProviderRecord, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p.meta)
	}
	return out
}

// buildProvider instantiates the concrete provider for a registry
// record. CCXT and MT5 sources are reached through their bridge
// services, so every remote kind resolves to an HTTP provider.
func buildProvider(rec storage.ProviderRecord) (domain.DataProvider, error) {
	switch rec.Kind {
	case storage.ProviderYahoo:
		return newYahooProvider(rec), nil
	case storage.ProviderAlphaVantage:
		return newAlphaVantageProvider(rec), nil
	case storage.ProviderTwelveData:
		return newTwelveDataProvider(rec), nil
	case storage.ProviderCCXT, storage.ProviderMT5:
		return newBridgeProvider(rec), nil
	case storage.ProviderSynthetic:
		return NewSyntheticProvider(rec.ID, 0), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", rec.Kind)
	}
}

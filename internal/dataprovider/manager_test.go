package dataprovider

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

var memCounter int

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	memCounter++
	dsn := fmt.Sprintf("file:dataprovider_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestManagerPrioritySelection(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "synth-low", Kind: storage.ProviderSynthetic,
		Enabled: true, Priority: 1, IsSystem: true,
	}))
	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "synth-high", Kind: storage.ProviderSynthetic,
		Enabled: true, Priority: 10, IsSystem: true,
	}))
	// Authenticated provider with no key must be skipped, not fail the
	// whole fetch.
	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "td", Kind: storage.ProviderTwelveData,
		Enabled: true, Priority: 100, RequiresAuth: true, IsSystem: true,
	}))

	m := NewManager(store, zerolog.Nop())
	bars, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 50, FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, bars, 50)
}

func TestManagerOnlySystemFilter(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "user-synth", Kind: storage.ProviderSynthetic,
		Enabled: true, Priority: 5, IsSystem: false,
	}))

	m := NewManager(store, zerolog.Nop())

	// The only provider is non-system, so a system-restricted fetch has
	// no candidates.
	_, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 10, FetchOptions{OnlySystem: true})
	assert.Error(t, err)

	bars, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 10, FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, bars, 10)
}

func TestManagerAllDisabledTransientFallback(t *testing.T) {
	// With every provider disabled, a free one is enabled for the single
	// attempt so the scanner is never starved by a registry misedit.
	store := openTestStore(t)
	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "off", Kind: storage.ProviderSynthetic,
		Enabled: false, Priority: 50, IsSystem: true,
	}))

	m := NewManager(store, zerolog.Nop())
	bars, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 10, FetchOptions{OnlySystem: true})
	require.NoError(t, err)
	assert.Len(t, bars, 10)

	// The enablement was memory-only; the registry record stays disabled.
	recs, err := store.GetDataProviders()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Enabled)
}

func TestManagerDisabledAuthProviderUnusable(t *testing.T) {
	// Disabled and key-gated: not a candidate, and not transient-fallback
	// material either.
	store := openTestStore(t)
	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "off", Kind: storage.ProviderTwelveData,
		Enabled: false, Priority: 50, RequiresAuth: true, IsSystem: true,
	}))

	m := NewManager(store, zerolog.Nop())
	_, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 10, FetchOptions{})
	assert.Error(t, err)
}

func TestManagerReloadPicksUpNewProviders(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, zerolog.Nop())

	_, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 10, FetchOptions{})
	assert.Error(t, err)

	require.NoError(t, store.SaveDataProvider(storage.ProviderRecord{
		ID: "synth", Kind: storage.ProviderSynthetic,
		Enabled: true, Priority: 1, IsSystem: true,
	}))
	require.NoError(t, m.Reload())

	bars, err := m.FetchOHLC(context.Background(), "EURUSD", domain.TimeframeM5, 10, FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, bars, 10)
}

func TestSyntheticProviderDeterministic(t *testing.T) {
	p := NewSyntheticProvider("synthetic", 100)
	a, err := p.FetchOHLC(context.Background(), "BTCUSD", domain.TimeframeH1, 30)
	require.NoError(t, err)
	b, err := p.FetchOHLC(context.Background(), "BTCUSD", domain.TimeframeH1, 30)
	require.NoError(t, err)

	require.Len(t, a, 30)
	for i := range a {
		assert.Equal(t, a[i].Close, b[i].Close)
		assert.GreaterOrEqual(t, a[i].High, a[i].Low)
	}
	// Bars are oldest-first at the timeframe's spacing.
	for i := 1; i < len(a); i++ {
		assert.Equal(t, a[i-1].Timestamp.Add(domain.TimeframeH1.Duration()), a[i].Timestamp)
	}
}

func TestResample(t *testing.T) {
	bars := []domain.Bar{
		{Open: 1, High: 3, Low: 1, Close: 2, Volume: 10},
		{Open: 2, High: 5, Low: 2, Close: 4, Volume: 10},
		{Open: 4, High: 4, Low: 0.5, Close: 1, Volume: 10},
		{Open: 1, High: 2, Low: 1, Close: 2, Volume: 10},
		{Open: 2, High: 6, Low: 2, Close: 5, Volume: 10},
	}
	out := resample(bars, 4)
	require.Len(t, out, 2)
	assert.Equal(t, 1.0, out[0].Open)
	assert.Equal(t, 5.0, out[0].High)
	assert.Equal(t, 0.5, out[0].Low)
	assert.Equal(t, 2.0, out[0].Close)
	assert.Equal(t, 40.0, out[0].Volume)
	assert.Equal(t, 5.0, out[1].Close)
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/regime"
	"github.com/tradecore/engine/internal/scanner"
	"github.com/tradecore/engine/internal/storage"
)

var memCounter int

type stubScanner struct {
	streams []scanner.StreamState
}

func (s *stubScanner) Snapshot() []scanner.StreamState { return s.streams }
func (s *stubScanner) MostAggressiveRegime() domain.Regime {
	regimes := make([]domain.Regime, 0, len(s.streams))
	for _, st := range s.streams {
		regimes = append(regimes, st.Regime)
	}
	return domain.MostAggressive(regimes)
}

type stubSession struct {
	stats domain.SessionStats
}

func (s *stubSession) Stats() domain.SessionStats { return s.stats }

type stubRisk struct {
	lockdown bool
	losses   int
}

func (r *stubRisk) InLockdown() bool       { return r.lockdown }
func (r *stubRisk) ConsecutiveLosses() int { return r.losses }

func newTestServer(t *testing.T, scan HeatmapSource, session SessionSource, riskStatus RiskStatus) (*Server, *storage.Store) {
	t.Helper()
	memCounter++
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := New(Config{
		Port:     0,
		Log:      zerolog.Nop(),
		Store:    store,
		Scanner:  scan,
		Session:  session,
		Risk:     riskStatus,
		Gatherer: prometheus.NewRegistry(),
	})
	return srv, store
}

func get(t *testing.T, srv *Server, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubScanner{}, &stubSession{}, &stubRisk{})

	var body map[string]string
	rec := get(t, srv, "/healthz", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestStatusReportsSessionAndLockdown(t *testing.T) {
	scan := &stubScanner{streams: []scanner.StreamState{{
		Key:    domain.StreamKey{Symbol: "EURUSD", Timeframe: domain.TimeframeM5},
		Regime: domain.RegimeTrend,
	}}}
	session := &stubSession{stats: domain.SessionStats{
		Date:            time.Now().Format("2006-01-02"),
		SignalsExecuted: 3,
	}}
	srv, store := newTestServer(t, scan, session, &stubRisk{lockdown: true, losses: 4})

	require.NoError(t, store.EnsureDefaultModules())
	require.NoError(t, store.UpdateHeartbeat("orchestrator"))
	require.NoError(t, store.SaveTuningAdjustment(storage.TuningAdjustment{
		OldParams: map[string]float64{"base_confidence": 0.55},
		NewParams: map[string]float64{"base_confidence": 0.605},
		Trigger:   "win_rate_low",
	}))

	var resp StatusResponse
	rec := get(t, srv, "/api/status", &resp)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, domain.RegimeTrend, resp.Regime)
	assert.Equal(t, 3, resp.Session.SignalsExecuted)
	assert.Contains(t, resp.Heartbeats, "orchestrator")
	assert.True(t, resp.Lockdown.Active)
	assert.Equal(t, 4, resp.Lockdown.ConsecutiveLosses)
	assert.True(t, resp.Modules["risk_manager"])
	require.NotNil(t, resp.LastTuning)
	assert.Equal(t, "win_rate_low", resp.LastTuning.Trigger)
}

func TestHeatmapReturnsStreams(t *testing.T) {
	scan := &stubScanner{streams: []scanner.StreamState{
		{
			Key:     domain.StreamKey{Symbol: "EURUSD", Timeframe: domain.TimeframeM5},
			Regime:  domain.RegimeRange,
			Metrics: regime.Metrics{ADX: 12.5},
		},
		{
			Key:    domain.StreamKey{Symbol: "GBPUSD", Timeframe: domain.TimeframeH1},
			Regime: domain.RegimeCrash,
		},
	}}
	srv, _ := newTestServer(t, scan, &stubSession{}, &stubRisk{})

	var resp HeatmapResponse
	rec := get(t, srv, "/api/heatmap", &resp)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, domain.RegimeCrash, resp.Regime)
	assert.Len(t, resp.Streams, 2)
}

func TestSignalsFilterAndLimit(t *testing.T) {
	srv, store := newTestServer(t, &stubScanner{}, &stubSession{}, &stubRisk{})

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveSignal(domain.Signal{
			ID:     fmt.Sprintf("sig-%d", i),
			Symbol: "EURUSD",
			Type:   domain.SignalBuy,
			Status: domain.SignalPending,
		}))
	}
	require.NoError(t, store.SaveSignal(domain.Signal{
		ID: "sig-x", Symbol: "EURUSD", Type: domain.SignalBuy, Status: domain.SignalExecuted,
	}))

	var resp struct {
		Count   int             `json:"count"`
		Signals []domain.Signal `json:"signals"`
	}
	rec := get(t, srv, "/api/signals?status=PENDING&limit=2", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, resp.Count)
	for _, sig := range resp.Signals {
		assert.Equal(t, domain.SignalPending, sig.Status)
	}

	rec = get(t, srv, "/api/signals?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalsEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t, &stubScanner{}, &stubSession{}, &stubRisk{})

	rec := get(t, srv, "/api/signals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"signals":[]}`, rec.Body.String())
}

func TestMetricsEndpointServes(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_test_total"})
	registry.MustRegister(counter)
	counter.Inc()

	memCounter++
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", memCounter)
	store, err := storage.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	srv := New(Config{
		Log: zerolog.Nop(), Store: store,
		Scanner: &stubScanner{}, Session: &stubSession{}, Risk: &stubRisk{},
		Gatherer: registry,
	})

	rec := get(t, srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine_test_total 1")
}

// Package scanner runs the proactive market scan loop. A coordinator
// selects due (symbol, timeframe) streams and dispatches them to a
// bounded worker pool; workers fetch bars, classify the regime, and
// write the result back under a single mutex. Hot streams (TREND,
// CRASH) are rescanned far more often than quiet ones.
package scanner

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/tradecore/engine/internal/dataprovider"
	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/regime"
	"github.com/tradecore/engine/internal/storage"
)

// Mode scales the worker pool relative to the asset count.
type Mode string

const (
	ModeEco        Mode = "ECO"
	ModeStandard   Mode = "STANDARD"
	ModeAggressive Mode = "AGGRESSIVE"
)

func (m Mode) multiplier() float64 {
	switch m {
	case ModeEco:
		return 0.5
	case ModeAggressive:
		return 2.0
	default:
		return 1.0
	}
}

// Config holds the scanner knobs. Zero values take defaults.
type Config struct {
	Assets     []string
	Timeframes []domain.Timeframe
	Mode       Mode

	// Rescan intervals per confirmed regime.
	TrendInterval  time.Duration
	CrashInterval  time.Duration
	RangeInterval  time.Duration
	NormalInterval time.Duration

	BarFetchCount      int
	CPULimitPct        float64
	MaxSleepMultiplier float64
	BaseSleep          time.Duration
	DisabledSleep      time.Duration

	Classifier regime.Config
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeStandard
	}
	if c.TrendInterval <= 0 {
		c.TrendInterval = time.Second
	}
	if c.CrashInterval <= 0 {
		c.CrashInterval = time.Second
	}
	if c.RangeInterval <= 0 {
		c.RangeInterval = 10 * time.Second
	}
	if c.NormalInterval <= 0 {
		c.NormalInterval = 5 * time.Second
	}
	if c.BarFetchCount <= 0 {
		c.BarFetchCount = 500
	}
	if c.CPULimitPct <= 0 {
		c.CPULimitPct = 80
	}
	if c.MaxSleepMultiplier <= 0 {
		c.MaxSleepMultiplier = 5
	}
	if c.BaseSleep <= 0 {
		c.BaseSleep = time.Second
	}
	if c.DisabledSleep <= 0 {
		c.DisabledSleep = 10 * time.Second
	}
	return c
}

// sleepQuantum is the chunk size for interruptible sleeps. Stop() takes
// effect within one quantum.
const sleepQuantum = 200 * time.Millisecond

// StreamState is one entry of the scanner snapshot.
type StreamState struct {
	Key      domain.StreamKey `json:"key"`
	Regime   domain.Regime    `json:"regime"`
	Metrics  regime.Metrics   `json:"metrics"`
	LastScan time.Time        `json:"last_scan"`
}

// Scanner is the coordinator plus worker pool.
type Scanner struct {
	cfg      Config
	provider *dataprovider.Manager
	store    *storage.Store
	log      zerolog.Logger

	// mu guards everything below. Workers never hold it across I/O.
	mu          sync.Mutex
	classifiers map[domain.StreamKey]*regime.Classifier
	lastRegime  map[domain.StreamKey]domain.Regime
	lastScan    map[domain.StreamKey]time.Time
	lastFrames  map[domain.StreamKey][]domain.Bar
	lastMetrics map[domain.StreamKey]regime.Metrics
	nextDue     map[domain.StreamKey]time.Time
	inflight    map[domain.StreamKey]bool

	workers chan struct{}
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once

	scansTotal  prometheus.Counter
	scanErrors  prometheus.Counter
	cpuThrottle prometheus.Counter

	cpuPercent func() float64
}

// New creates a scanner. reg may be nil to use the default prometheus
// registerer.
func New(cfg Config, provider *dataprovider.Manager, store *storage.Store, log zerolog.Logger, reg prometheus.Registerer) *Scanner {
	cfg = cfg.withDefaults()
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	s := &Scanner{
		cfg:         cfg,
		provider:    provider,
		store:       store,
		log:         log.With().Str("component", "scanner").Logger(),
		classifiers: make(map[domain.StreamKey]*regime.Classifier),
		lastRegime:  make(map[domain.StreamKey]domain.Regime),
		lastScan:    make(map[domain.StreamKey]time.Time),
		lastFrames:  make(map[domain.StreamKey][]domain.Bar),
		lastMetrics: make(map[domain.StreamKey]regime.Metrics),
		nextDue:     make(map[domain.StreamKey]time.Time),
		inflight:    make(map[domain.StreamKey]bool),
		stop:        make(chan struct{}),
		scansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanner_scans_total",
			Help: "Completed stream scans.",
		}),
		scanErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanner_scan_errors_total",
			Help: "Stream scans that failed to fetch or classify.",
		}),
		cpuThrottle: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanner_cpu_throttle_total",
			Help: "Sleep cycles stretched because CPU load exceeded the limit.",
		}),
		cpuPercent: sampleCPU,
	}
	s.workers = make(chan struct{}, s.maxWorkers())
	s.syncStreams()
	return s
}

// config returns a copy of the current configuration.
func (s *Scanner) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// maxWorkers derives the pool bound from asset count and mode.
func (s *Scanner) maxWorkers() int {
	cfg := s.config()
	n := int(math.Ceil(float64(len(cfg.Assets)) * cfg.Mode.multiplier()))
	if n < 1 {
		n = 1
	}
	return n
}

// syncStreams creates classifiers for newly configured keys and drops
// state for removed ones. Existing classifiers keep their buffers.
func (s *Scanner) syncStreams() {
	cfg := s.config()
	want := make(map[domain.StreamKey]bool, len(cfg.Assets)*len(cfg.Timeframes))
	for _, asset := range cfg.Assets {
		for _, tf := range cfg.Timeframes {
			want[domain.StreamKey{Symbol: asset, Timeframe: tf}] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range want {
		if _, ok := s.classifiers[key]; !ok {
			s.classifiers[key] = regime.New(cfg.Classifier, s.log)
			s.nextDue[key] = time.Time{} // due immediately
		}
	}
	for key := range s.classifiers {
		if !want[key] {
			delete(s.classifiers, key)
			delete(s.lastRegime, key)
			delete(s.lastScan, key)
			delete(s.lastFrames, key)
			delete(s.lastMetrics, key)
			delete(s.nextDue, key)
		}
	}
}

// UpdateConfig applies new assets/timeframes/mode without restarting.
// The stream set is diffed; new keys start cold, surviving keys keep
// their classifier state.
func (s *Scanner) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	n := int(math.Ceil(float64(len(cfg.Assets)) * cfg.Mode.multiplier()))
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.cfg = cfg
	s.workers = make(chan struct{}, n)
	s.mu.Unlock()
	s.syncStreams()
}

// Run drives the scan loop until ctx is cancelled or Stop is called.
func (s *Scanner) Run(ctx context.Context) {
	cfg := s.config()
	s.log.Info().
		Int("streams", len(cfg.Assets)*len(cfg.Timeframes)).
		Int("max_workers", s.maxWorkers()).
		Str("mode", string(cfg.Mode)).
		Msg("Scanner started")

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.stop:
			s.drain()
			return
		default:
		}

		enabled, err := s.store.ResolveModuleEnabled("", storage.ModuleScanner)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to resolve scanner toggle")
			enabled = true
		}
		if !enabled {
			s.sleep(ctx, s.config().DisabledSleep)
			continue
		}

		s.refreshConfig()

		dispatched := s.dispatchDue(ctx)
		if dispatched > 0 {
			s.log.Debug().Int("dispatched", dispatched).Msg("Scan cycle dispatched")
		}
		s.sleep(ctx, s.adaptiveSleep())
	}
}

// refreshConfig pulls the instrument catalog and active timeframes from
// storage each iteration and applies any change through UpdateConfig, so
// operator edits take effect without a restart. An empty catalog or
// timeframe list means the universe is not storage-managed; the compiled
// config stands.
func (s *Scanner) refreshConfig() {
	instruments, err := s.store.ListInstruments(true)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read instrument catalog")
		return
	}
	uniCfg, err := s.store.GetInstrumentsConfig()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read instruments config")
		return
	}

	cfg := s.config()
	changed := false
	if len(instruments) > 0 {
		assets := make([]string, len(instruments))
		for i, inst := range instruments {
			assets[i] = inst.Symbol
		}
		if !sameStringSet(assets, cfg.Assets) {
			cfg.Assets = assets
			changed = true
		}
	}
	if len(uniCfg.Timeframes) > 0 && !sameTimeframeSet(uniCfg.Timeframes, cfg.Timeframes) {
		cfg.Timeframes = uniCfg.Timeframes
		changed = true
	}
	if !changed {
		return
	}

	s.log.Info().
		Strs("assets", cfg.Assets).
		Int("timeframes", len(cfg.Timeframes)).
		Msg("Scanner universe changed, applying")
	s.UpdateConfig(cfg)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

func sameTimeframeSet(a, b []domain.Timeframe) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[domain.Timeframe]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

// dispatchDue hands every due, not-in-flight stream to the worker pool.
func (s *Scanner) dispatchDue(ctx context.Context) int {
	now := time.Now()

	s.mu.Lock()
	workers := s.workers
	var due []domain.StreamKey
	for key, at := range s.nextDue {
		if s.inflight[key] {
			continue
		}
		if !at.After(now) {
			due = append(due, key)
			s.inflight[key] = true
		}
	}
	s.mu.Unlock()

	for _, key := range due {
		select {
		case workers <- struct{}{}:
		case <-ctx.Done():
			s.clearInflight(key)
			return 0
		case <-s.stop:
			s.clearInflight(key)
			return 0
		}
		s.wg.Add(1)
		go func(key domain.StreamKey) {
			defer s.wg.Done()
			defer func() { <-workers }()
			defer s.clearInflight(key)
			s.scanStream(ctx, key)
		}(key)
	}
	return len(due)
}

func (s *Scanner) clearInflight(key domain.StreamKey) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// scanStream is one worker pass: fetch, classify, write back, persist.
// The mutex is held only for the map writeback, never across I/O.
func (s *Scanner) scanStream(ctx context.Context, key domain.StreamKey) {
	bars, err := s.provider.FetchOHLC(ctx, key.Symbol, key.Timeframe,
		s.config().BarFetchCount, dataprovider.FetchOptions{OnlySystem: true})
	if err != nil {
		s.scanErrors.Inc()
		s.log.Warn().Err(err).Str("stream", key.String()).Msg("Fetch failed")
		s.reschedule(key, domain.RegimeNormal)
		return
	}

	s.mu.Lock()
	classifier, ok := s.classifiers[key]
	s.mu.Unlock()
	if !ok {
		return // stream removed while in flight
	}

	// The scanner owns serialization per key (in-flight set), so the
	// classifier itself is safe to touch without locking.
	classifier.UpdateBars(bars)
	confirmed := classifier.Classify()
	metrics := classifier.GetMetrics()
	frame := classifier.Bars()
	now := time.Now()

	s.mu.Lock()
	prev := s.lastRegime[key]
	s.lastRegime[key] = confirmed
	s.lastScan[key] = now
	s.lastFrames[key] = frame
	s.lastMetrics[key] = metrics
	s.mu.Unlock()

	s.scansTotal.Inc()
	if prev != "" && prev != confirmed {
		s.log.Info().
			Str("stream", key.String()).
			Str("from", string(prev)).
			Str("to", string(confirmed)).
			Msg("Stream regime changed")
	}

	if err := s.store.LogMarketState(storage.MarketStateRecord{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Regime:    confirmed,
		Metrics: map[string]float64{
			"adx":          metrics.ADX,
			"atr_pct":      metrics.ATRPct,
			"sma_distance": metrics.SMADistance,
		},
		Shock:     metrics.VolatilityShock,
		Bias:      metrics.Bias,
		Timestamp: now,
	}); err != nil {
		s.log.Warn().Err(err).Str("stream", key.String()).Msg("Failed to log market state")
	}
	if err := s.store.SaveBarFrame(key, frame); err != nil {
		s.log.Warn().Err(err).Str("stream", key.String()).Msg("Failed to save bar frame")
	}

	s.reschedule(key, confirmed)
}

// reschedule sets the next due time from the regime's scan interval.
// Due times are monotonic per key: a stream is never scheduled into the
// past.
func (s *Scanner) reschedule(key domain.StreamKey, r domain.Regime) {
	next := time.Now().Add(s.intervalFor(r))
	s.mu.Lock()
	if next.After(s.nextDue[key]) {
		s.nextDue[key] = next
	}
	s.mu.Unlock()
}

func (s *Scanner) intervalFor(r domain.Regime) time.Duration {
	cfg := s.config()
	switch r {
	case domain.RegimeTrend:
		return cfg.TrendInterval
	case domain.RegimeCrash:
		return cfg.CrashInterval
	case domain.RegimeRange:
		return cfg.RangeInterval
	default:
		return cfg.NormalInterval
	}
}

// adaptiveSleep stretches the mode-scaled base sleep when host CPU load
// is above the configured limit, up to MaxSleepMultiplier.
func (s *Scanner) adaptiveSleep() time.Duration {
	cfg := s.config()
	base := time.Duration(float64(cfg.BaseSleep) * cfg.Mode.multiplier())
	load := s.cpuPercent()
	if load <= cfg.CPULimitPct {
		return base
	}
	s.cpuThrottle.Inc()
	factor := 1 + math.Min((load-cfg.CPULimitPct)/20, cfg.MaxSleepMultiplier-1)
	return time.Duration(float64(base) * factor)
}

// sleep waits in quanta so Stop and ctx cancellation interrupt promptly.
func (s *Scanner) sleep(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining > sleepQuantum {
			remaining = sleepQuantum
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(remaining):
		}
	}
}

// Stop halts the loop. Effective within one sleep quantum; in-flight
// workers finish their current stream.
func (s *Scanner) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *Scanner) drain() {
	s.wg.Wait()
	s.log.Info().Msg("Scanner stopped")
}

// Snapshot returns a consistent copy of the per-stream state. Bar frames
// are not included; GetFrame serves those per key.
func (s *Scanner) Snapshot() []StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamState, 0, len(s.lastRegime))
	for key, r := range s.lastRegime {
		out = append(out, StreamState{
			Key:      key,
			Regime:   r,
			Metrics:  s.lastMetrics[key],
			LastScan: s.lastScan[key],
		})
	}
	return out
}

// GetFrame returns a copy of the last fetched bar frame for a stream.
func (s *Scanner) GetFrame(key domain.StreamKey) []domain.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame, ok := s.lastFrames[key]
	if !ok {
		return nil
	}
	return append([]domain.Bar(nil), frame...)
}

// MostAggressiveRegime folds the per-stream regimes into the single
// regime the orchestrator paces by.
func (s *Scanner) MostAggressiveRegime() domain.Regime {
	s.mu.Lock()
	defer s.mu.Unlock()
	regimes := make([]domain.Regime, 0, len(s.lastRegime))
	for _, r := range s.lastRegime {
		regimes = append(regimes, r)
	}
	return domain.MostAggressive(regimes)
}

// sampleCPU returns the instantaneous host CPU percentage; on sampling
// failure it reports 0 so the scanner never throttles blind.
func sampleCPU() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

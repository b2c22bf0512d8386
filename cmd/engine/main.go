// Package main is the entry point for the autonomous trading engine.
// It wires the pipeline (data providers, scanner, signal factory, risk
// manager, executor, trade listener, tuner) around one SQLite SSOT,
// then runs the orchestrator loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/broker"
	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/internal/dataprovider"
	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/executor"
	"github.com/tradecore/engine/internal/listener"
	"github.com/tradecore/engine/internal/orchestrator"
	"github.com/tradecore/engine/internal/reliability"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/scanner"
	"github.com/tradecore/engine/internal/server"
	"github.com/tradecore/engine/internal/signals"
	"github.com/tradecore/engine/internal/storage"
	"github.com/tradecore/engine/internal/tuner"
	"github.com/tradecore/engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting trading engine")

	// A staged restore must land before the database is opened.
	applied, err := reliability.ApplyStagedRestore(cfg.Backup.Dir, cfg.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to apply staged restore")
	}
	if applied {
		log.Warn().Msg("Staged restore applied, continuing startup on the restored database")
	}

	store, err := storage.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	if err := store.EnsureDefaultModules(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed module toggles")
	}
	if err := seedProviders(store, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed data providers")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	// Pipeline components, storage outward.
	providers := dataprovider.NewManager(store, log)

	scan := scanner.New(scanner.Config{
		Assets:      cfg.Assets,
		Timeframes:  cfg.Timeframes,
		Mode:        scanner.Mode(cfg.ScannerMode),
		CPULimitPct: cfg.CPULimitPct,
	}, providers, store, log, registry)

	factory := signals.NewFactory(store, log)
	for _, strategy := range []signals.Strategy{
		signals.NewTrendFollowing(),
		signals.NewRangeReversion(),
	} {
		if err := factory.Register(strategy); err != nil {
			log.Fatal().Err(err).Str("strategy", strategy.ID()).Msg("Failed to register strategy")
		}
	}

	riskMgr, err := risk.NewManager(store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize risk manager")
	}

	exec := executor.New(store, log)
	edgeTuner := tuner.New(tuner.Config{}, store, log)
	tradeListener := listener.New(listener.Config{}, store, riskMgr, edgeTuner, log, registry)

	paper := broker.NewPaperConnector("paper", cfg.PaperBalance, log)
	paper.Connect()
	brokers := []domain.BrokerConnector{paper}

	orch := orchestrator.New(orchestrator.Config{
		Account: cfg.Account,
	}, store, scan, factory, riskMgr, exec, tradeListener, brokers, log, registry)

	// Reliability: daily backups plus maintenance on their own schedules.
	remote := buildRemote(cfg, log)
	backups := reliability.NewBackupService(store, cfg.Backup.Dir, cfg.Backup.RetentionDays, remote, log)
	if err := backups.StartSchedule(cfg.Backup.Schedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start backup schedule")
	}
	defer backups.Stop()

	maintenance := reliability.NewMaintenanceService(store, backups, log)
	if err := maintenance.StartSchedule(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance schedule")
	}
	defer maintenance.Stop()

	srv := server.New(server.Config{
		Port:     cfg.Port,
		Log:      log,
		Store:    store,
		Scanner:  scan,
		Session:  orch,
		Risk:     riskMgr,
		Gatherer: registry,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP server started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")
	cancel()
	scan.Stop()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Engine stopped")
}

// seedProviders writes the default provider registry on first boot.
// Re-running is harmless: rows are upserted, and operator edits to
// priority or enablement made through storage survive because only
// missing rows are (re)created.
func seedProviders(store *storage.Store, cfg *config.Config) error {
	existing, err := store.GetDataProviders()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.ID] = true
	}

	defaults := []storage.ProviderRecord{
		{ID: "yahoo", Kind: storage.ProviderYahoo, Enabled: true, Priority: 100, IsSystem: true},
		{ID: "synthetic", Kind: storage.ProviderSynthetic, Enabled: false, Priority: 1, IsSystem: true},
	}
	if cfg.TwelveDataAPIKey != "" {
		defaults = append(defaults, storage.ProviderRecord{
			ID: "twelvedata", Kind: storage.ProviderTwelveData,
			Enabled: true, Priority: 90, RequiresAuth: true, IsSystem: true,
			Credentials: map[string]string{"api_key": cfg.TwelveDataAPIKey},
		})
	}
	if cfg.AlphaVantageAPIKey != "" {
		defaults = append(defaults, storage.ProviderRecord{
			ID: "alphavantage", Kind: storage.ProviderAlphaVantage,
			Enabled: true, Priority: 80, RequiresAuth: true, IsSystem: true,
			Credentials: map[string]string{"api_key": cfg.AlphaVantageAPIKey},
		})
	}
	if cfg.CCXTBridgeURL != "" {
		defaults = append(defaults, storage.ProviderRecord{
			ID: "ccxt", Kind: storage.ProviderCCXT,
			Enabled: true, Priority: 70, IsSystem: true,
			Config: map[string]string{"base_url": cfg.CCXTBridgeURL},
		})
	}
	if cfg.MT5BridgeURL != "" {
		defaults = append(defaults, storage.ProviderRecord{
			ID: "mt5", Kind: storage.ProviderMT5,
			Enabled: true, Priority: 60, IsSystem: true,
			Config: map[string]string{"base_url": cfg.MT5BridgeURL},
		})
	}

	for _, p := range defaults {
		if known[p.ID] {
			continue
		}
		if err := store.SaveDataProvider(p); err != nil {
			return err
		}
	}
	return nil
}

// buildRemote creates the S3 upload target when fully configured.
func buildRemote(cfg *config.Config, log zerolog.Logger) *reliability.S3Client {
	if !cfg.Backup.S3Enabled() {
		return nil
	}
	remote, err := reliability.NewS3Client(
		context.Background(),
		cfg.Backup.S3Endpoint,
		cfg.Backup.S3AccessKey,
		cfg.Backup.S3SecretKey,
		cfg.Backup.S3Bucket,
		log,
	)
	if err != nil {
		log.Error().Err(err).Msg("S3 upload disabled, client init failed")
		return nil
	}
	return remote
}

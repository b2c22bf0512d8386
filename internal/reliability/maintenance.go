package reliability

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/storage"
)

// Disk space thresholds in GB. Below the critical threshold the
// maintenance run fails loudly so the operator halts trading.
const (
	diskCriticalGB = 0.5
	diskLowGB      = 5.0
	diskWarnGB     = 10.0
)

// MaintenanceService runs periodic database upkeep: integrity check,
// WAL checkpoint, disk-space check and verification of the newest
// backup, plus a weekly VACUUM.
type MaintenanceService struct {
	store   *storage.Store
	backups *BackupService
	cron    *cron.Cron
	log     zerolog.Logger
}

// NewMaintenanceService creates a maintenance service over the engine
// database.
func NewMaintenanceService(store *storage.Store, backups *BackupService, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		store:   store,
		backups: backups,
		log:     log.With().Str("component", "maintenance").Logger(),
	}
}

// RunDaily performs the daily maintenance pass.
func (m *MaintenanceService) RunDaily(ctx context.Context) error {
	m.log.Info().Msg("Starting daily maintenance")
	startTime := time.Now()

	// A failed integrity check means the SSOT cannot be trusted; this
	// must surface, not be logged and forgotten.
	if err := m.store.CheckIntegrity(ctx); err != nil {
		m.log.Error().Err(err).Msg("CRITICAL: Database integrity check failed")
		return fmt.Errorf("database integrity check failed: %w", err)
	}

	if err := m.store.DB().WALCheckpoint("TRUNCATE"); err != nil {
		// Checkpoint pressure resolves itself; not worth failing the run.
		m.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := m.checkDiskSpace(); err != nil {
		return err
	}

	if err := m.verifyLatestBackup(); err != nil {
		m.log.Error().Err(err).Msg("Backup verification failed")
	}

	m.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Daily maintenance completed")
	return nil
}

// RunWeekly reclaims space with a full VACUUM.
func (m *MaintenanceService) RunWeekly(ctx context.Context) error {
	m.log.Info().Msg("Starting weekly maintenance")
	startTime := time.Now()

	if err := m.store.DB().Vacuum(); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}

	m.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Weekly maintenance completed")
	return nil
}

// checkDiskSpace verifies the filesystem holding the database has room
// left. Below diskCriticalGB the error propagates so the caller halts.
func (m *MaintenanceService) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	dataDir := filepath.Dir(m.store.DB().Path())
	if err := syscall.Statfs(dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9
	m.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	switch {
	case availableGB < diskCriticalGB:
		m.log.Error().Float64("available_gb", availableGB).Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free, halting", availableGB)
	case availableGB < diskLowGB:
		m.log.Error().Float64("available_gb", availableGB).Msg("Low disk space")
	case availableGB < diskWarnGB:
		m.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	}
	return nil
}

// verifyLatestBackup integrity-checks the newest backup on disk.
func (m *MaintenanceService) verifyLatestBackup() error {
	backups, err := m.backups.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return fmt.Errorf("no backups found")
	}

	latest := backups[0]
	if err := m.backups.VerifyBackup(latest.Path); err != nil {
		return fmt.Errorf("latest backup %s failed verification: %w", latest.Filename, err)
	}

	m.log.Debug().Str("filename", latest.Filename).Msg("Latest backup verified")
	return nil
}

// StartSchedule wires the daily (03:00) and weekly (Sunday 04:00)
// maintenance passes into a cron schedule.
func (m *MaintenanceService) StartSchedule() error {
	m.cron = cron.New()

	if _, err := m.cron.AddFunc("0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := m.RunDaily(ctx); err != nil {
			m.log.Error().Err(err).Msg("Daily maintenance failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule daily maintenance: %w", err)
	}

	if _, err := m.cron.AddFunc("0 4 * * 0", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := m.RunWeekly(ctx); err != nil {
			m.log.Error().Err(err).Msg("Weekly maintenance failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule weekly maintenance: %w", err)
	}

	m.cron.Start()
	m.log.Info().Msg("Maintenance schedule started")
	return nil
}

// Stop halts the maintenance schedule.
func (m *MaintenanceService) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

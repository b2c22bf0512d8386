// Package reliability keeps the engine database recoverable: timestamped
// consistent backups via VACUUM INTO, staged restores applied before the
// next boot opens the database, integrity verification and retention
// pruning, all drivable from a daily cron schedule with optional upload
// to an S3-compatible store.
package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/storage"
)

const (
	backupPrefix     = "engine-backup-"
	backupTimeLayout = "2006-01-02-150405"

	// Pruning never goes below this many backups, whatever the retention
	// window says.
	minBackupsToKeep = 3

	// stagedRestoreName is the well-known staging file. Its presence at
	// boot means "replace the live database with this copy".
	stagedRestoreName = "engine.restore.db"
)

// BackupInfo describes one backup file on disk.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService creates, verifies, prunes and restores database backups.
type BackupService struct {
	store         *storage.Store
	backupDir     string
	retentionDays int
	remote        *S3Client // nil disables uploads
	cron          *cron.Cron
	log           zerolog.Logger
}

// NewBackupService creates a backup service writing into backupDir.
// retentionDays of 0 keeps backups forever.
func NewBackupService(store *storage.Store, backupDir string, retentionDays int, remote *S3Client, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:         store,
		backupDir:     backupDir,
		retentionDays: retentionDays,
		remote:        remote,
		log:           log.With().Str("component", "backup").Logger(),
	}
}

// CreateBackup writes a consistent, compacted copy of the live database
// and verifies its integrity before reporting success. A copy that fails
// verification is removed.
func (s *BackupService) CreateBackup(ctx context.Context) (*BackupInfo, error) {
	startTime := time.Now()

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().UTC()
	filename := backupPrefix + timestamp.Format(backupTimeLayout) + ".db"
	path := filepath.Join(s.backupDir, filename)

	// VACUUM INTO produces a consistent snapshot without blocking the
	// write path.
	if err := s.store.DB().VacuumInto(path); err != nil {
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}

	if err := s.VerifyBackup(path); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("backup failed verification: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}

	if s.remote != nil {
		if err := s.uploadBackup(ctx, path, filename); err != nil {
			// The local copy is good; the upload can be retried on the
			// next schedule tick.
			s.log.Error().Err(err).Str("filename", filename).Msg("Backup upload failed")
		}
	}

	s.log.Info().
		Str("filename", filename).
		Int64("size_bytes", info.Size()).
		Dur("duration_ms", time.Since(startTime)).
		Msg("Backup created")

	return &BackupInfo{
		Filename:  filename,
		Path:      path,
		Timestamp: timestamp,
		SizeBytes: info.Size(),
	}, nil
}

func (s *BackupService) uploadBackup(ctx context.Context, path, filename string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup for upload: %w", err)
	}
	defer file.Close()

	return s.remote.Upload(ctx, filename, file)
}

// ListBackups returns all backups in the backup directory, newest first.
func (s *BackupService) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}

		timestampStr := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), ".db")
		timestamp, err := time.Parse(backupTimeLayout, timestampStr)
		if err != nil {
			s.log.Warn().Str("filename", name).Msg("Failed to parse timestamp from filename")
			continue
		}

		var sizeBytes int64
		if info, err := entry.Info(); err == nil {
			sizeBytes = info.Size()
		}

		backups = append(backups, BackupInfo{
			Filename:  name,
			Path:      filepath.Join(s.backupDir, name),
			Timestamp: timestamp,
			SizeBytes: sizeBytes,
			AgeHours:  int64(now.UTC().Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// VerifyBackup opens a backup read-only and runs the SQLite integrity
// check against it.
func (s *BackupService) VerifyBackup(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Prune deletes backups older than the retention window. The newest
// minBackupsToKeep survive regardless of age; retentionDays of 0 keeps
// everything.
func (s *BackupService) Prune() error {
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	var cutoff time.Time
	if s.retentionDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	}

	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || s.retentionDays == 0 {
			continue
		}
		if backup.Timestamp.Before(cutoff) {
			if err := os.Remove(backup.Path); err != nil {
				s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
				continue
			}
			s.log.Info().
				Str("filename", backup.Filename).
				Time("timestamp", backup.Timestamp).
				Msg("Deleted old backup")
			deleted++
		}
	}

	if deleted > 0 {
		s.log.Info().
			Int("deleted", deleted).
			Int("remaining", len(backups)-deleted).
			Msg("Backup pruning completed")
	}
	return nil
}

// StageRestore marks a backup for restore. The backup is verified, then
// copied to the staging path; the swap itself happens at the next boot,
// before the database is opened, so the live connection never has the
// file replaced underneath it.
func (s *BackupService) StageRestore(filename string) error {
	path := filepath.Join(s.backupDir, filepath.Base(filename))
	if err := s.VerifyBackup(path); err != nil {
		return fmt.Errorf("refusing to stage restore: %w", err)
	}

	stagingPath := filepath.Join(s.backupDir, stagedRestoreName)
	if err := copyFile(path, stagingPath); err != nil {
		return fmt.Errorf("failed to stage restore: %w", err)
	}

	s.log.Warn().
		Str("filename", filename).
		Msg("Restore staged; it will be applied on the next start")
	return nil
}

// ApplyStagedRestore swaps a staged backup into place. It must run
// before the database is opened. The displaced live database is kept
// next to the new one as a .pre-restore copy. Returns true when a
// staged restore was applied.
func ApplyStagedRestore(backupDir, dbPath string, log zerolog.Logger) (bool, error) {
	stagingPath := filepath.Join(backupDir, stagedRestoreName)
	if _, err := os.Stat(stagingPath); os.IsNotExist(err) {
		return false, nil
	}

	log = log.With().Str("component", "backup").Logger()
	log.Warn().Str("staged", stagingPath).Msg("Applying staged restore")

	// Keep the database being replaced, in case the restore was a mistake.
	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, dbPath+".pre-restore"); err != nil {
			return false, fmt.Errorf("failed to set aside live database: %w", err)
		}
	}

	// WAL sidecars belong to the replaced database.
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")

	if err := copyFile(stagingPath, dbPath); err != nil {
		return false, fmt.Errorf("failed to apply staged restore: %w", err)
	}
	if err := os.Remove(stagingPath); err != nil {
		return false, fmt.Errorf("failed to clear restore staging: %w", err)
	}

	log.Info().Str("database", dbPath).Msg("Staged restore applied")
	return true, nil
}

// StartSchedule runs CreateBackup and Prune on the given cron spec
// (default: daily at 02:00). Call Stop to halt the schedule.
func (s *BackupService) StartSchedule(spec string) error {
	if spec == "" {
		spec = "0 2 * * *"
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := s.CreateBackup(ctx); err != nil {
			s.log.Error().Err(err).Msg("Scheduled backup failed")
			return
		}
		if err := s.Prune(); err != nil {
			s.log.Error().Err(err).Msg("Backup pruning failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule backups: %w", err)
	}

	s.cron.Start()
	s.log.Info().Str("schedule", spec).Msg("Backup schedule started")
	return nil
}

// Stop halts the backup schedule, waiting for a running job to finish.
func (s *BackupService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

package reliability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/storage"
)

func newBackupFixture(t *testing.T, retentionDays int) (*BackupService, *storage.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "engine.db")

	store, err := storage.Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backupDir := filepath.Join(dir, "backups")
	svc := NewBackupService(store, backupDir, retentionDays, nil, zerolog.Nop())
	return svc, store, dir
}

func TestCreateBackupProducesVerifiableCopy(t *testing.T) {
	svc, store, _ := newBackupFixture(t, 7)

	require.NoError(t, store.SaveSignal(domain.Signal{
		ID: "sig-1", Symbol: "EURUSD", Type: domain.SignalBuy, Status: domain.SignalPending,
	}))

	info, err := svc.CreateBackup(context.Background())
	require.NoError(t, err)
	assert.Positive(t, info.SizeBytes)
	assert.NoError(t, svc.VerifyBackup(info.Path))

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, info.Filename, backups[0].Filename)
}

func TestListBackupsNewestFirst(t *testing.T) {
	svc, _, _ := newBackupFixture(t, 7)
	require.NoError(t, os.MkdirAll(svc.backupDir, 0755))

	for _, stamp := range []string{"2026-08-01-020000", "2026-08-03-020000", "2026-08-02-020000"} {
		path := filepath.Join(svc.backupDir, backupPrefix+stamp+".db")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}
	// Files that don't follow the naming convention are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(svc.backupDir, "notes.txt"), []byte("x"), 0644))

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, backupPrefix+"2026-08-03-020000.db", backups[0].Filename)
	assert.Equal(t, backupPrefix+"2026-08-01-020000.db", backups[2].Filename)
}

func TestListBackupsMissingDirIsEmpty(t *testing.T) {
	svc, _, _ := newBackupFixture(t, 7)

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestPruneKeepsMinimumAndRecent(t *testing.T) {
	svc, _, _ := newBackupFixture(t, 7)
	require.NoError(t, os.MkdirAll(svc.backupDir, 0755))

	now := time.Now().UTC()
	write := func(ts time.Time) string {
		name := backupPrefix + ts.Format(backupTimeLayout) + ".db"
		require.NoError(t, os.WriteFile(filepath.Join(svc.backupDir, name), []byte("x"), 0644))
		return name
	}

	// Two fresh, three stale. The newest three survive whatever their
	// age; only the stale ones beyond that are deleted.
	fresh1 := write(now.Add(-1 * time.Hour))
	fresh2 := write(now.Add(-2 * time.Hour))
	old1 := write(now.AddDate(0, 0, -10))
	write(now.AddDate(0, 0, -20))
	write(now.AddDate(0, 0, -30))

	require.NoError(t, svc.Prune())

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, fresh1, backups[0].Filename)
	assert.Equal(t, fresh2, backups[1].Filename)
	assert.Equal(t, old1, backups[2].Filename)
}

func TestPruneZeroRetentionKeepsEverything(t *testing.T) {
	svc, _, _ := newBackupFixture(t, 0)
	require.NoError(t, os.MkdirAll(svc.backupDir, 0755))

	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		name := backupPrefix + now.AddDate(0, 0, -30*i).Format(backupTimeLayout) + ".db"
		require.NoError(t, os.WriteFile(filepath.Join(svc.backupDir, name), []byte("x"), 0644))
	}

	require.NoError(t, svc.Prune())

	backups, err := svc.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 5)
}

func TestVerifyBackupRejectsGarbage(t *testing.T) {
	svc, _, dir := newBackupFixture(t, 7)

	garbage := filepath.Join(dir, "garbage.db")
	require.NoError(t, os.WriteFile(garbage, []byte("not a database"), 0644))
	assert.Error(t, svc.VerifyBackup(garbage))
	assert.Error(t, svc.VerifyBackup(filepath.Join(dir, "missing.db")))
}

func TestStagedRestoreRoundTrip(t *testing.T) {
	svc, store, dir := newBackupFixture(t, 7)
	dbPath := filepath.Join(dir, "engine.db")

	require.NoError(t, store.SaveSignal(domain.Signal{
		ID: "keep-me", Symbol: "EURUSD", Type: domain.SignalBuy, Status: domain.SignalPending,
	}))

	info, err := svc.CreateBackup(context.Background())
	require.NoError(t, err)

	// Data written after the backup disappears when the restore lands.
	require.NoError(t, store.SaveSignal(domain.Signal{
		ID: "lose-me", Symbol: "EURUSD", Type: domain.SignalSell, Status: domain.SignalPending,
	}))

	require.NoError(t, svc.StageRestore(info.Filename))
	require.NoError(t, store.Close())

	applied, err := ApplyStagedRestore(svc.backupDir, dbPath, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, applied)

	// The displaced database sticks around as a safety copy.
	_, err = os.Stat(dbPath + ".pre-restore")
	assert.NoError(t, err)

	restored, err := storage.Open(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer restored.Close()

	sig, err := restored.GetSignalByID("keep-me")
	require.NoError(t, err)
	require.NotNil(t, sig)

	gone, err := restored.GetSignalByID("lose-me")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestApplyStagedRestoreNoopWithoutStaging(t *testing.T) {
	dir := t.TempDir()
	applied, err := ApplyStagedRestore(filepath.Join(dir, "backups"), filepath.Join(dir, "engine.db"), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStageRestoreRejectsUnverifiableBackup(t *testing.T) {
	svc, _, _ := newBackupFixture(t, 7)
	require.NoError(t, os.MkdirAll(svc.backupDir, 0755))

	name := backupPrefix + time.Now().UTC().Format(backupTimeLayout) + ".db"
	require.NoError(t, os.WriteFile(filepath.Join(svc.backupDir, name), []byte("corrupt"), 0644))
	assert.Error(t, svc.StageRestore(name))
}

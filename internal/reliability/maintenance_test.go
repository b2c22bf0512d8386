package reliability

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDailyHealthyDatabase(t *testing.T) {
	backups, store, _ := newBackupFixture(t, 7)
	_, err := backups.CreateBackup(context.Background())
	require.NoError(t, err)

	m := NewMaintenanceService(store, backups, zerolog.Nop())
	assert.NoError(t, m.RunDaily(context.Background()))
}

func TestRunDailyWithoutBackups(t *testing.T) {
	// A missing backup is logged, not fatal: the daily pass must still
	// checkpoint and check the database.
	backups, store, _ := newBackupFixture(t, 7)
	m := NewMaintenanceService(store, backups, zerolog.Nop())
	assert.NoError(t, m.RunDaily(context.Background()))

	assert.Error(t, m.verifyLatestBackup())
}

func TestRunWeekly(t *testing.T) {
	backups, store, _ := newBackupFixture(t, 7)
	m := NewMaintenanceService(store, backups, zerolog.Nop())
	assert.NoError(t, m.RunWeekly(context.Background()))
}

func TestMaintenanceScheduleStartStop(t *testing.T) {
	backups, store, _ := newBackupFixture(t, 7)
	m := NewMaintenanceService(store, backups, zerolog.Nop())
	require.NoError(t, m.StartSchedule())
	m.Stop()
}

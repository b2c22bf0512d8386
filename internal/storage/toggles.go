package storage

import (
	"database/sql"
	"fmt"
)

// Canonical module names used by the toggle tables.
const (
	ModuleScanner         = "scanner"
	ModuleExecutor        = "executor"
	ModuleRiskManager     = "risk_manager"
	ModulePositionManager = "position_manager"
	ModuleTuner           = "tuner"
	ModuleBackup          = "backup"
)

// defaultModules are created enabled on first boot.
var defaultModules = []string{
	ModuleScanner,
	ModuleExecutor,
	ModuleRiskManager,
	ModulePositionManager,
	ModuleTuner,
	ModuleBackup,
}

// EnsureDefaultModules inserts missing global toggles as enabled.
// Existing rows are left untouched.
func (s *Store) EnsureDefaultModules() error {
	ts := now()
	for _, module := range defaultModules {
		_, err := s.db.ExecRetry(`
			INSERT INTO module_toggles (account, module, enabled, updated_at)
			VALUES ('', ?, 1, ?)
			ON CONFLICT(account, module) DO NOTHING
		`, module, ts)
		if err != nil {
			return fmt.Errorf("failed to seed module toggle %s: %w", module, err)
		}
	}
	return nil
}

// GetGlobalModulesEnabled returns the global module -> enabled map.
func (s *Store) GetGlobalModulesEnabled() (map[string]bool, error) {
	rows, err := s.db.Query(
		"SELECT module, enabled FROM module_toggles WHERE account = ''")
	if err != nil {
		return nil, fmt.Errorf("failed to read module toggles: %w", err)
	}
	defer rows.Close()

	modules := make(map[string]bool)
	for rows.Next() {
		var module string
		var enabled int
		if err := rows.Scan(&module, &enabled); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan module toggle row")
			continue
		}
		modules[module] = enabled != 0
	}
	return modules, rows.Err()
}

// SetGlobalModuleEnabled flips a global module toggle.
// The risk manager cannot be disabled.
func (s *Store) SetGlobalModuleEnabled(module string, enabled bool) error {
	if module == ModuleRiskManager && !enabled {
		return fmt.Errorf("module %s cannot be disabled", module)
	}
	return s.setToggle("", module, enabled)
}

// SetAccountModuleOverride sets a per-account override for a module.
func (s *Store) SetAccountModuleOverride(account, module string, enabled bool) error {
	if account == "" {
		return fmt.Errorf("account must not be empty for an override")
	}
	if module == ModuleRiskManager && !enabled {
		return fmt.Errorf("module %s cannot be disabled", module)
	}
	return s.setToggle(account, module, enabled)
}

func (s *Store) setToggle(account, module string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.ExecRetry(`
		INSERT INTO module_toggles (account, module, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, module) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, account, module, val, now())
	if err != nil {
		return fmt.Errorf("failed to set module toggle %s/%s: %w", account, module, err)
	}
	return nil
}

// ResolveModuleEnabled computes the effective toggle for (account,
// module): a disabled global toggle wins outright, otherwise a
// per-account override applies, otherwise the global value. The risk
// manager is always on regardless of what the tables say.
func (s *Store) ResolveModuleEnabled(account, module string) (bool, error) {
	if module == ModuleRiskManager {
		return true, nil
	}

	global, found, err := s.getToggle("", module)
	if err != nil {
		return false, err
	}
	if !found {
		// Unknown module defaults to enabled, matching legacy behavior.
		global = true
	}
	if !global {
		return false, nil
	}

	if account != "" {
		override, found, err := s.getToggle(account, module)
		if err != nil {
			return false, err
		}
		if found {
			return override, nil
		}
	}
	return global, nil
}

func (s *Store) getToggle(account, module string) (enabled, found bool, err error) {
	var val int
	err = s.db.QueryRow(
		"SELECT enabled FROM module_toggles WHERE account = ? AND module = ?",
		account, module).Scan(&val)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read module toggle %s/%s: %w", account, module, err)
	}
	return val != 0, true, nil
}

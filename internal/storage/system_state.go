package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tradecore/engine/internal/domain"
)

// Well-known system_state keys. Modules read and write these through the
// typed helpers below; the raw map access exists for the API surface.
const (
	KeyDynamicParams     = "dynamic_params"
	KeyRiskSettings      = "risk_settings"
	KeyInstrumentsConfig = "instruments_config"
	KeySessionStats      = "session_stats"
	KeyAccountBalance    = "account_balance"
	KeyBalanceSource     = "balance_source"
	KeyBalanceUpdated    = "balance_last_update"
	KeyLastShutdown      = "last_shutdown"
	KeyLockdownActive    = "lockdown_active"
	KeyConsecutiveLosses = "consecutive_losses"
	KeyLastRegime        = "last_regime"
)

// GetSystemState returns the full system state map. Values are raw JSON;
// readers never observe torn values because each key is written in one
// statement.
func (s *Store) GetSystemState() (map[string]json.RawMessage, error) {
	rows, err := s.db.Query("SELECT key, value FROM system_state")
	if err != nil {
		return nil, fmt.Errorf("failed to read system state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan system state row")
			continue
		}
		state[key] = json.RawMessage(value)
	}
	return state, rows.Err()
}

// UpdateSystemState merges the partial map into system state with
// last-write-wins semantics per key. Each value is marshalled to JSON.
func (s *Store) UpdateSystemState(partial map[string]any) error {
	ts := now()
	for key, val := range partial {
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("failed to marshal system state key %s: %w", key, err)
		}
		_, err = s.db.ExecRetry(`
			INSERT INTO system_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, key, string(data), ts)
		if err != nil {
			return fmt.Errorf("failed to write system state key %s: %w", key, err)
		}
	}
	return nil
}

// GetStateValue unmarshals one system_state key into out. Returns false
// when the key does not exist.
func (s *Store) GetStateValue(key string, out any) (bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read system state key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("failed to decode system state key %s: %w", key, err)
	}
	return true, nil
}

// SetStateValue writes one system_state key.
func (s *Store) SetStateValue(key string, val any) error {
	return s.UpdateSystemState(map[string]any{key: val})
}

// GetDynamicParams returns the tunable strategy parameters. Missing keys
// mean "use compiled defaults"; callers merge accordingly.
func (s *Store) GetDynamicParams() (map[string]float64, error) {
	params := make(map[string]float64)
	if _, err := s.GetStateValue(KeyDynamicParams, &params); err != nil {
		return nil, err
	}
	return params, nil
}

// UpdateDynamicParams replaces the tunable strategy parameters.
func (s *Store) UpdateDynamicParams(params map[string]float64) error {
	return s.SetStateValue(KeyDynamicParams, params)
}

// InstrumentsConfig is the storage-side scanner universe: which
// timeframes are actively scanned. Symbols come from the instrument
// catalog; this holds the rest.
type InstrumentsConfig struct {
	Timeframes []domain.Timeframe `json:"timeframes"`
}

// GetInstrumentsConfig returns the persisted scanner universe settings;
// the zero value when none are stored.
func (s *Store) GetInstrumentsConfig() (InstrumentsConfig, error) {
	var cfg InstrumentsConfig
	if _, err := s.GetStateValue(KeyInstrumentsConfig, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SetInstrumentsConfig persists the scanner universe settings.
func (s *Store) SetInstrumentsConfig(cfg InstrumentsConfig) error {
	return s.SetStateValue(KeyInstrumentsConfig, cfg)
}

// GetRiskSettings returns the persisted risk settings, falling back to
// defaults when none are stored.
func (s *Store) GetRiskSettings() (domain.RiskSettings, error) {
	settings := domain.DefaultRiskSettings()
	if _, err := s.GetStateValue(KeyRiskSettings, &settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// UpdateRiskSettings persists the risk settings.
func (s *Store) UpdateRiskSettings(settings domain.RiskSettings) error {
	return s.SetStateValue(KeyRiskSettings, settings)
}

// UpdateHeartbeat records a module's liveness timestamp under
// heartbeat_<module>.
func (s *Store) UpdateHeartbeat(module string) error {
	return s.SetStateValue("heartbeat_"+module, now())
}

// GetHeartbeats returns every heartbeat_<module> entry as module -> unix
// timestamp.
func (s *Store) GetHeartbeats() (map[string]int64, error) {
	state, err := s.GetSystemState()
	if err != nil {
		return nil, err
	}
	beats := make(map[string]int64)
	for key, raw := range state {
		if len(key) > 10 && key[:10] == "heartbeat_" {
			var ts int64
			if err := json.Unmarshal(raw, &ts); err == nil {
				beats[key[10:]] = ts
			}
		}
	}
	return beats, nil
}

// GetSessionStats returns the persisted session stats, or nil when none
// have been stored yet.
func (s *Store) GetSessionStats() (*domain.SessionStats, error) {
	var stats domain.SessionStats
	found, err := s.GetStateValue(KeySessionStats, &stats)
	if err != nil || !found {
		return nil, err
	}
	return &stats, nil
}

// SaveSessionStats persists the session stats.
func (s *Store) SaveSessionStats(stats domain.SessionStats) error {
	return s.SetStateValue(KeySessionStats, stats)
}

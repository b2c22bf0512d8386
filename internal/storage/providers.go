package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tradecore/engine/internal/domain"
)

// ProviderKind tags a provider configuration variant.
type ProviderKind string

const (
	ProviderYahoo        ProviderKind = "yahoo"
	ProviderAlphaVantage ProviderKind = "alphavantage"
	ProviderTwelveData   ProviderKind = "twelvedata"
	ProviderCCXT         ProviderKind = "ccxt"
	ProviderMT5          ProviderKind = "mt5"
	ProviderSynthetic    ProviderKind = "synthetic"
)

// ProviderRecord is one configured data provider. Credentials and Config
// carry the variant-specific fields (api_key, exchange_id, login...).
type ProviderRecord struct {
	ID           string            `json:"id"`
	Kind         ProviderKind      `json:"kind"`
	Enabled      bool              `json:"enabled"`
	Priority     int               `json:"priority"`
	RequiresAuth bool              `json:"requires_auth"`
	IsSystem     bool              `json:"is_system"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

// GetDataProviders returns all configured providers, highest priority
// first.
func (s *Store) GetDataProviders() ([]ProviderRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, enabled, priority, requires_auth, is_system, credentials, config
		FROM data_providers
		ORDER BY priority DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query data providers: %w", err)
	}
	defer rows.Close()

	var providers []ProviderRecord
	for rows.Next() {
		var (
			p           ProviderRecord
			kind        string
			enabled     int
			auth        int
			system      int
			credentials string
			config      string
		)
		if err := rows.Scan(&p.ID, &kind, &enabled, &p.Priority, &auth, &system, &credentials, &config); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan provider row")
			continue
		}
		p.Kind = ProviderKind(kind)
		p.Enabled = enabled != 0
		p.RequiresAuth = auth != 0
		p.IsSystem = system != 0
		_ = json.Unmarshal([]byte(credentials), &p.Credentials)
		_ = json.Unmarshal([]byte(config), &p.Config)
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// SaveDataProvider inserts or updates a provider configuration.
func (s *Store) SaveDataProvider(p ProviderRecord) error {
	credentials, err := json.Marshal(p.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal provider credentials: %w", err)
	}
	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal provider config: %w", err)
	}

	_, err = s.db.ExecRetry(`
		INSERT INTO data_providers (
			id, kind, enabled, priority, requires_auth, is_system,
			credentials, config, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			enabled = excluded.enabled,
			priority = excluded.priority,
			requires_auth = excluded.requires_auth,
			is_system = excluded.is_system,
			credentials = excluded.credentials,
			config = excluded.config,
			updated_at = excluded.updated_at
	`, p.ID, string(p.Kind), boolInt(p.Enabled), p.Priority,
		boolInt(p.RequiresAuth), boolInt(p.IsSystem),
		string(credentials), string(config), now())
	if err != nil {
		return fmt.Errorf("failed to save provider %s: %w", p.ID, err)
	}
	return nil
}

// GetSymbolMap returns symbol -> provider -> provider-specific symbol.
func (s *Store) GetSymbolMap() (map[string]map[string]string, error) {
	rows, err := s.db.Query("SELECT symbol, provider_id, provider_symbol FROM symbol_map")
	if err != nil {
		return nil, fmt.Errorf("failed to query symbol map: %w", err)
	}
	defer rows.Close()

	result := make(map[string]map[string]string)
	for rows.Next() {
		var symbol, providerID, providerSymbol string
		if err := rows.Scan(&symbol, &providerID, &providerSymbol); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan symbol map row")
			continue
		}
		if result[symbol] == nil {
			result[symbol] = make(map[string]string)
		}
		result[symbol][providerID] = providerSymbol
	}
	return result, rows.Err()
}

// SaveSymbolMapping stores the provider-specific representation for one
// internal symbol.
func (s *Store) SaveSymbolMapping(symbol, providerID, providerSymbol string) error {
	_, err := s.db.ExecRetry(`
		INSERT INTO symbol_map (symbol, provider_id, provider_symbol)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol, provider_id) DO UPDATE SET
			provider_symbol = excluded.provider_symbol
	`, symbol, providerID, providerSymbol)
	if err != nil {
		return fmt.Errorf("failed to save symbol mapping %s/%s: %w", symbol, providerID, err)
	}
	return nil
}

// GetExecutionMode returns the shadow-ranking mode for a strategy.
// Missing entries report found=false; the orchestrator treats those as
// LIVE for legacy strategies.
func (s *Store) GetExecutionMode(strategyID string) (domain.ExecutionMode, bool, error) {
	var mode string
	err := s.db.QueryRow(
		"SELECT execution_mode FROM strategy_ranking WHERE strategy_id = ?",
		strategyID).Scan(&mode)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read execution mode for %s: %w", strategyID, err)
	}
	return domain.ExecutionMode(mode), true, nil
}

// SetExecutionMode stores the shadow-ranking mode for a strategy.
func (s *Store) SetExecutionMode(strategyID string, mode domain.ExecutionMode) error {
	_, err := s.db.ExecRetry(`
		INSERT INTO strategy_ranking (strategy_id, execution_mode, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			execution_mode = excluded.execution_mode,
			updated_at = excluded.updated_at
	`, strategyID, string(mode), now())
	if err != nil {
		return fmt.Errorf("failed to set execution mode for %s: %w", strategyID, err)
	}
	return nil
}

// Instrument is one tradable symbol in the catalog.
type Instrument struct {
	Symbol      string  `json:"symbol"`
	Description string  `json:"description"`
	PipSize     float64 `json:"pip_size"`
	Enabled     bool    `json:"enabled"`
}

// ListInstruments returns the instrument catalog; enabledOnly narrows to
// active symbols.
func (s *Store) ListInstruments(enabledOnly bool) ([]Instrument, error) {
	query := "SELECT symbol, description, pip_size, enabled FROM instruments"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY symbol"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []Instrument
	for rows.Next() {
		var (
			inst    Instrument
			enabled int
		)
		if err := rows.Scan(&inst.Symbol, &inst.Description, &inst.PipSize, &enabled); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan instrument row")
			continue
		}
		inst.Enabled = enabled != 0
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

// SaveInstrument inserts or updates a catalog entry.
func (s *Store) SaveInstrument(inst Instrument) error {
	_, err := s.db.ExecRetry(`
		INSERT INTO instruments (symbol, description, pip_size, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			description = excluded.description,
			pip_size = excluded.pip_size,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, inst.Symbol, inst.Description, inst.PipSize, boolInt(inst.Enabled), now())
	if err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", inst.Symbol, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

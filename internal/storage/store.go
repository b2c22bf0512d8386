// Package storage is the durable single source of truth for the engine.
// Everything the system must be able to reconstruct after a restart -
// system state, signals, trade results, market-state snapshots, tuning
// history, provider registry, symbol map - lives here, in one SQLite
// database. Writers are serialized by SQLite; readers proceed
// concurrently under WAL. Writes that hit lock contention are retried a
// bounded number of times at this layer so callers never see transient
// SQLITE_BUSY errors.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradecore/engine/internal/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS system_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS module_toggles (
	account    TEXT NOT NULL DEFAULT '',
	module     TEXT NOT NULL,
	enabled    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account, module)
);

CREATE TABLE IF NOT EXISTS signals (
	id             TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	type           TEXT NOT NULL,
	timeframe      TEXT NOT NULL,
	entry_price    REAL NOT NULL DEFAULT 0,
	stop_loss      REAL NOT NULL DEFAULT 0,
	take_profit    REAL NOT NULL DEFAULT 0,
	confidence     REAL NOT NULL DEFAULT 0,
	strategy_id    TEXT NOT NULL DEFAULT '',
	connector_type TEXT NOT NULL DEFAULT '',
	regime         TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	trace_id       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, created_at);
CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol, created_at);

CREATE TABLE IF NOT EXISTS trade_results (
	ticket      TEXT PRIMARY KEY,
	signal_id   TEXT NOT NULL DEFAULT '',
	symbol      TEXT NOT NULL,
	entry_price REAL NOT NULL DEFAULT 0,
	exit_price  REAL NOT NULL DEFAULT 0,
	entry_time  INTEGER NOT NULL DEFAULT 0,
	exit_time   INTEGER NOT NULL DEFAULT 0,
	profit_loss REAL NOT NULL DEFAULT 0,
	pips        REAL NOT NULL DEFAULT 0,
	exit_reason TEXT NOT NULL DEFAULT 'other',
	result      TEXT NOT NULL,
	broker_id   TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trade_results(created_at);
CREATE INDEX IF NOT EXISTS idx_trades_signal ON trade_results(signal_id);

CREATE TABLE IF NOT EXISTS market_state_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol     TEXT NOT NULL,
	timeframe  TEXT NOT NULL,
	regime     TEXT NOT NULL,
	metrics    TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_state_key ON market_state_log(symbol, timeframe, created_at);

CREATE TABLE IF NOT EXISTS bar_frames (
	stream_key TEXT PRIMARY KEY,
	frame      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tuning_adjustments (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	old_params     TEXT NOT NULL,
	new_params     TEXT NOT NULL,
	stats          TEXT NOT NULL,
	trigger_reason TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS edge_learning (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS data_providers (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	priority      INTEGER NOT NULL DEFAULT 0,
	requires_auth INTEGER NOT NULL DEFAULT 0,
	is_system     INTEGER NOT NULL DEFAULT 0,
	credentials   TEXT NOT NULL DEFAULT '{}',
	config        TEXT NOT NULL DEFAULT '{}',
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS symbol_map (
	symbol          TEXT NOT NULL,
	provider_id     TEXT NOT NULL,
	provider_symbol TEXT NOT NULL,
	PRIMARY KEY (symbol, provider_id)
);

CREATE TABLE IF NOT EXISTS strategy_ranking (
	strategy_id    TEXT PRIMARY KEY,
	execution_mode TEXT NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS instruments (
	symbol      TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	pip_size    REAL NOT NULL DEFAULT 0.0001,
	enabled     INTEGER NOT NULL DEFAULT 1,
	updated_at  INTEGER NOT NULL
);
`

// Store provides all SSOT operations over one SQLite database.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// Open creates (or opens) the engine database at path and applies the
// schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileStandard,
		Name:    "engine",
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:  db,
		log: log.With().Str("component", "storage").Logger(),
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the schema. All statements are idempotent.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the wrapped database for maintenance (backups, checkpoints).
func (s *Store) DB() *database.DB {
	return s.db
}

// CheckIntegrity runs the SQLite integrity check. A failure here means
// the write path must halt and the health check must surface it.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

// now returns the current unix timestamp used for updated_at columns.
func now() int64 {
	return time.Now().Unix()
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradecore/engine/internal/domain"
)

// SignalFilter narrows GetRecentSignals. Zero values mean "no filter".
type SignalFilter struct {
	Symbol     string
	Status     domain.SignalStatus
	StrategyID string
	Limit      int
}

// SaveSignal inserts or replaces a signal row.
func (s *Store) SaveSignal(sig domain.Signal) error {
	metadata, err := json.Marshal(sig.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal signal metadata: %w", err)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}

	_, err = s.db.ExecRetry(`
		INSERT INTO signals (
			id, symbol, type, timeframe, entry_price, stop_loss, take_profit,
			confidence, strategy_id, connector_type, regime, metadata,
			trace_id, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`, sig.ID, sig.Symbol, string(sig.Type), string(sig.Timeframe),
		sig.EntryPrice, sig.StopLoss, sig.TakeProfit, sig.Confidence,
		sig.StrategyID, sig.ConnectorType, string(sig.Regime), string(metadata),
		sig.TraceID, string(sig.Status), sig.Timestamp.Unix(), now())
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", sig.ID, err)
	}
	return nil
}

// UpdateSignalStatus transitions a signal's lifecycle state.
func (s *Store) UpdateSignalStatus(id string, status domain.SignalStatus) error {
	_, err := s.db.ExecRetry(
		"UPDATE signals SET status = ?, updated_at = ? WHERE id = ?",
		string(status), now(), id)
	if err != nil {
		return fmt.Errorf("failed to update signal %s status: %w", id, err)
	}
	return nil
}

// GetSignalByID returns one signal or nil when it does not exist.
func (s *Store) GetSignalByID(id string) (*domain.Signal, error) {
	row := s.db.QueryRow(signalSelect+" WHERE id = ?", id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signal %s: %w", id, err)
	}
	return sig, nil
}

// GetRecentSignals returns signals newest-first, narrowed by the filter.
func (s *Store) GetRecentSignals(filter SignalFilter) ([]domain.Signal, error) {
	query := signalSelect + " WHERE 1=1"
	args := []any{}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.StrategyID != "" {
		query += " AND strategy_id = ?"
		args = append(args, filter.StrategyID)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan signal row")
			continue
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}

// CountExecutedSignals counts EXECUTED signals created on the given day
// (YYYY-MM-DD, local time). Session reconstruction uses this instead of
// the persisted counter so the count survives crashes mid-cycle.
func (s *Store) CountExecutedSignals(date string) (int, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	start := day.Unix()
	end := day.AddDate(0, 0, 1).Unix()

	var count int
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM signals
		WHERE status = ? AND created_at >= ? AND created_at < ?
	`, string(domain.SignalExecuted), start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executed signals: %w", err)
	}
	return count, nil
}

// ExpirePendingBefore marks PENDING signals created before the cutoff for
// the given timeframe as EXPIRED, returning how many were expired.
func (s *Store) ExpirePendingBefore(timeframe domain.Timeframe, cutoff time.Time) (int, error) {
	res, err := s.db.ExecRetry(`
		UPDATE signals SET status = ?, updated_at = ?
		WHERE status = ? AND timeframe = ? AND created_at < ?
	`, string(domain.SignalExpired), now(),
		string(domain.SignalPending), string(timeframe), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire signals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const signalSelect = `
	SELECT id, symbol, type, timeframe, entry_price, stop_loss, take_profit,
	       confidence, strategy_id, connector_type, regime, metadata,
	       trace_id, status, created_at
	FROM signals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*domain.Signal, error) {
	var (
		sig       domain.Signal
		sigType   string
		timeframe string
		regime    string
		metadata  string
		status    string
		createdAt int64
	)
	err := row.Scan(&sig.ID, &sig.Symbol, &sigType, &timeframe,
		&sig.EntryPrice, &sig.StopLoss, &sig.TakeProfit, &sig.Confidence,
		&sig.StrategyID, &sig.ConnectorType, &regime, &metadata,
		&sig.TraceID, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	sig.Type = domain.SignalType(sigType)
	sig.Timeframe = domain.Timeframe(timeframe)
	sig.Regime = domain.Regime(regime)
	sig.Status = domain.SignalStatus(status)
	sig.Timestamp = time.Unix(createdAt, 0)
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &sig.Metadata)
	}
	return &sig, nil
}

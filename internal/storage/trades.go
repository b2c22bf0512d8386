package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradecore/engine/internal/domain"
)

// SaveTradeResult inserts a closed trade. The ticket is the idempotence
// key: inserting an existing ticket is a no-op and reports false, so
// redeliveries never create duplicate rows and callers can tell a fresh
// insert from a replay.
func (s *Store) SaveTradeResult(t domain.TradeResult) (bool, error) {
	if t.Ticket == "" {
		return false, fmt.Errorf("trade result has empty ticket")
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trade metadata: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO trade_results (
			ticket, signal_id, symbol, entry_price, exit_price,
			entry_time, exit_time, profit_loss, pips, exit_reason,
			result, broker_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket) DO NOTHING
	`, t.Ticket, t.SignalID, t.Symbol, t.EntryPrice, t.ExitPrice,
		t.EntryTime.Unix(), t.ExitTime.Unix(), t.ProfitLoss, t.Pips,
		string(t.ExitReason), string(t.Result), t.BrokerID,
		string(metadata), now())
	if err != nil {
		return false, fmt.Errorf("failed to save trade %s: %w", t.Ticket, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TradeExists reports whether a trade with the ticket is already stored.
func (s *Store) TradeExists(ticket string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM trade_results WHERE ticket = ?", ticket).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trade %s: %w", ticket, err)
	}
	return true, nil
}

// GetTradeResults returns trades newest-first, up to limit.
func (s *Store) GetTradeResults(limit int) ([]domain.TradeResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(tradeSelect+`
		ORDER BY exit_time DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.TradeResult
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan trade row")
			continue
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// GetTradeResultBySignalID returns the trade that closed the given
// signal, or nil when none exists.
func (s *Store) GetTradeResultBySignalID(signalID string) (*domain.TradeResult, error) {
	row := s.db.QueryRow(tradeSelect+" WHERE signal_id = ?", signalID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trade for signal %s: %w", signalID, err)
	}
	return t, nil
}

// CountTrades returns the number of stored trade results.
func (s *Store) CountTrades() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM trade_results").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return count, nil
}

const tradeSelect = `
	SELECT ticket, signal_id, symbol, entry_price, exit_price,
	       entry_time, exit_time, profit_loss, pips, exit_reason,
	       result, broker_id, metadata
	FROM trade_results`

func scanTrade(row rowScanner) (*domain.TradeResult, error) {
	var (
		t          domain.TradeResult
		entryTime  int64
		exitTime   int64
		exitReason string
		result     string
		metadata   string
	)
	err := row.Scan(&t.Ticket, &t.SignalID, &t.Symbol, &t.EntryPrice,
		&t.ExitPrice, &entryTime, &exitTime, &t.ProfitLoss, &t.Pips,
		&exitReason, &result, &t.BrokerID, &metadata)
	if err != nil {
		return nil, err
	}
	t.EntryTime = time.Unix(entryTime, 0)
	t.ExitTime = time.Unix(exitTime, 0)
	t.ExitReason = domain.ExitReason(exitReason)
	t.Result = domain.TradeOutcome(result)
	if metadata != "" && metadata != "{}" {
		_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	}
	return &t, nil
}

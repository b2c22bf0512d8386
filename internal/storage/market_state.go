package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tradecore/engine/internal/domain"
)

// MarketStateRecord is one scan-tick snapshot row.
type MarketStateRecord struct {
	Symbol    string             `json:"symbol"`
	Timeframe domain.Timeframe   `json:"timeframe"`
	Regime    domain.Regime      `json:"regime"`
	Metrics   map[string]float64 `json:"metrics"`
	Shock     bool               `json:"volatility_shock"`
	Bias      domain.Bias        `json:"bias"`
	Timestamp time.Time          `json:"timestamp"`
}

// LogMarketState appends one snapshot row.
func (s *Store) LogMarketState(rec MarketStateRecord) error {
	payload := map[string]any{
		"volatility_shock": rec.Shock,
		"bias":             rec.Bias,
	}
	for k, v := range rec.Metrics {
		payload[k] = v
	}
	metrics, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal market state metrics: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err = s.db.ExecRetry(`
		INSERT INTO market_state_log (symbol, timeframe, regime, metrics, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Symbol, string(rec.Timeframe), string(rec.Regime),
		string(metrics), rec.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to log market state: %w", err)
	}
	return nil
}

// GetLatestHeatmapState returns the newest snapshot per (symbol,
// timeframe) stream.
func (s *Store) GetLatestHeatmapState() ([]MarketStateRecord, error) {
	rows, err := s.db.Query(`
		SELECT symbol, timeframe, regime, metrics, MAX(created_at)
		FROM market_state_log
		GROUP BY symbol, timeframe
		ORDER BY symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query heatmap state: %w", err)
	}
	defer rows.Close()
	return s.scanMarketStates(rows)
}

// GetMarketStateHistory returns snapshots for one stream, newest first.
func (s *Store) GetMarketStateHistory(symbol string, timeframe domain.Timeframe, limit int) ([]MarketStateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT symbol, timeframe, regime, metrics, created_at
		FROM market_state_log
		WHERE symbol = ? AND timeframe = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, symbol, string(timeframe), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query market state history: %w", err)
	}
	defer rows.Close()
	return s.scanMarketStates(rows)
}

// PruneMarketStateLog deletes snapshot rows older than the cutoff so the
// rolling log does not grow without bound.
func (s *Store) PruneMarketStateLog(cutoff time.Time) (int, error) {
	res, err := s.db.ExecRetry(
		"DELETE FROM market_state_log WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune market state log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) scanMarketStates(rows *sql.Rows) ([]MarketStateRecord, error) {
	var records []MarketStateRecord
	for rows.Next() {
		var (
			rec       MarketStateRecord
			timeframe string
			regime    string
			metrics   string
			createdAt int64
		)
		if err := rows.Scan(&rec.Symbol, &timeframe, &regime, &metrics, &createdAt); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan market state row")
			continue
		}
		rec.Timeframe = domain.Timeframe(timeframe)
		rec.Regime = domain.Regime(regime)
		rec.Timestamp = time.Unix(createdAt, 0)

		var payload map[string]any
		if err := json.Unmarshal([]byte(metrics), &payload); err == nil {
			rec.Metrics = make(map[string]float64)
			for k, v := range payload {
				switch val := v.(type) {
				case float64:
					rec.Metrics[k] = val
				case bool:
					if k == "volatility_shock" {
						rec.Shock = val
					}
				case string:
					if k == "bias" {
						rec.Bias = domain.Bias(val)
					}
				}
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveBarFrame stores the scanner's last bar frame for a stream as a
// compact msgpack blob. The frame is a cache, not an audit record.
func (s *Store) SaveBarFrame(key domain.StreamKey, bars []domain.Bar) error {
	blob, err := msgpack.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to encode bar frame %s: %w", key, err)
	}
	_, err = s.db.ExecRetry(`
		INSERT INTO bar_frames (stream_key, frame, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stream_key) DO UPDATE SET
			frame = excluded.frame,
			updated_at = excluded.updated_at
	`, key.String(), blob, now())
	if err != nil {
		return fmt.Errorf("failed to save bar frame %s: %w", key, err)
	}
	return nil
}

// GetBarFrame loads the cached bar frame for a stream, or nil when none
// is stored.
func (s *Store) GetBarFrame(key domain.StreamKey) ([]domain.Bar, error) {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT frame FROM bar_frames WHERE stream_key = ?", key.String()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bar frame %s: %w", key, err)
	}
	var bars []domain.Bar
	if err := msgpack.Unmarshal(blob, &bars); err != nil {
		return nil, fmt.Errorf("failed to decode bar frame %s: %w", key, err)
	}
	return bars, nil
}

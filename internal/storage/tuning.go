package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// TuningAdjustment records one tuner decision: the parameter set before
// and after, the trade statistics that drove it, and the trigger.
type TuningAdjustment struct {
	ID        int64              `json:"id,omitempty"`
	OldParams map[string]float64 `json:"old_params"`
	NewParams map[string]float64 `json:"new_params"`
	Stats     map[string]float64 `json:"stats"`
	Trigger   string             `json:"trigger"`
	Timestamp time.Time          `json:"timestamp"`
}

// SaveTuningAdjustment appends a tuning decision to the history.
func (s *Store) SaveTuningAdjustment(adj TuningAdjustment) error {
	oldParams, err := json.Marshal(adj.OldParams)
	if err != nil {
		return fmt.Errorf("failed to marshal old params: %w", err)
	}
	newParams, err := json.Marshal(adj.NewParams)
	if err != nil {
		return fmt.Errorf("failed to marshal new params: %w", err)
	}
	stats, err := json.Marshal(adj.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal tuning stats: %w", err)
	}
	if adj.Timestamp.IsZero() {
		adj.Timestamp = time.Now()
	}

	_, err = s.db.ExecRetry(`
		INSERT INTO tuning_adjustments (old_params, new_params, stats, trigger_reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(oldParams), string(newParams), string(stats), adj.Trigger, adj.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to save tuning adjustment: %w", err)
	}
	return nil
}

// GetTuningHistory returns tuning decisions newest-first.
func (s *Store) GetTuningHistory(limit int) ([]TuningAdjustment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, old_params, new_params, stats, trigger_reason, created_at
		FROM tuning_adjustments
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tuning history: %w", err)
	}
	defer rows.Close()

	var history []TuningAdjustment
	for rows.Next() {
		var (
			adj       TuningAdjustment
			oldParams string
			newParams string
			stats     string
			createdAt int64
		)
		if err := rows.Scan(&adj.ID, &oldParams, &newParams, &stats, &adj.Trigger, &createdAt); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan tuning row")
			continue
		}
		_ = json.Unmarshal([]byte(oldParams), &adj.OldParams)
		_ = json.Unmarshal([]byte(newParams), &adj.NewParams)
		_ = json.Unmarshal([]byte(stats), &adj.Stats)
		adj.Timestamp = time.Unix(createdAt, 0)
		history = append(history, adj)
	}
	return history, rows.Err()
}

// SaveEdgeLearning appends an opaque learning record (per-strategy
// outcome stats the tuner accumulates between adjustments).
func (s *Store) SaveEdgeLearning(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal edge learning payload: %w", err)
	}
	_, err = s.db.ExecRetry(`
		INSERT INTO edge_learning (payload, created_at) VALUES (?, ?)
	`, string(data), now())
	if err != nil {
		return fmt.Errorf("failed to save edge learning record: %w", err)
	}
	return nil
}

// GetEdgeLearningHistory returns learning records newest-first.
func (s *Store) GetEdgeLearningHistory(limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT payload FROM edge_learning
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query edge learning history: %w", err)
	}
	defer rows.Close()

	var history []map[string]any
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan edge learning row")
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(payload), &record); err == nil {
			history = append(history, record)
		}
	}
	return history, rows.Err()
}

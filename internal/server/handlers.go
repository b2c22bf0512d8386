package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tradecore/engine/internal/domain"
	"github.com/tradecore/engine/internal/scanner"
	"github.com/tradecore/engine/internal/storage"
)

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Regime     domain.Regime             `json:"regime"`
	Session    domain.SessionStats       `json:"session"`
	Heartbeats map[string]int64          `json:"heartbeats"`
	Lockdown   LockdownStatus            `json:"lockdown"`
	Modules    map[string]bool           `json:"modules"`
	LastTuning *storage.TuningAdjustment `json:"last_tuning,omitempty"`
}

// LockdownStatus reports the risk manager's circuit breaker.
type LockdownStatus struct {
	Active            bool `json:"active"`
	ConsecutiveLosses int  `json:"consecutive_losses"`
}

// HeatmapResponse is the /api/heatmap payload.
type HeatmapResponse struct {
	Regime  domain.Regime         `json:"regime"`
	Streams []scanner.StreamState `json:"streams"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "engine",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports the engine's operating state in one response.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	heartbeats, err := s.store.GetHeartbeats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	modules, err := s.store.GetGlobalModulesEnabled()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := StatusResponse{
		Regime:     s.scanner.MostAggressiveRegime(),
		Session:    s.session.Stats(),
		Heartbeats: heartbeats,
		Modules:    modules,
		Lockdown: LockdownStatus{
			Active:            s.risk.InLockdown(),
			ConsecutiveLosses: s.risk.ConsecutiveLosses(),
		},
	}

	history, err := s.store.GetTuningHistory(1)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(history) > 0 {
		resp.LastTuning = &history[0]
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleHeatmap returns the scanner's last classification per stream.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HeatmapResponse{
		Regime:  s.scanner.MostAggressiveRegime(),
		Streams: s.scanner.Snapshot(),
	})
}

// handleSignals returns recent signals, optionally narrowed by
// ?status=, ?symbol= and ?limit=.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	filter := storage.SignalFilter{
		Symbol: r.URL.Query().Get("symbol"),
		Status: domain.SignalStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	signals, err := s.store.GetRecentSignals(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if signals == nil {
		signals = []domain.Signal{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(signals),
		"signals": signals,
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError logs the failure and returns a generic JSON error body.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Error().Err(err).Msg("Request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

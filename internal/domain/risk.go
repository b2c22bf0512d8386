package domain

// RiskSettings are the persisted knobs the risk manager validates and
// sizes against. They live in storage so operators can adjust them at
// runtime; the risk manager rereads them each cycle.
type RiskSettings struct {
	MaxRiskPerTradePct    float64 `json:"max_risk_per_trade_pct"`
	MaxOpenPositions      int     `json:"max_open_positions"`
	MaxPositionsPerSymbol int     `json:"max_positions_per_symbol"`
	MaxConsecutiveLosses  int     `json:"max_consecutive_losses"`
	LockdownCooldownMin   int     `json:"lockdown_cooldown_minutes"`
	MinConfidence         float64 `json:"min_confidence"`
	MinStopDistancePct    float64 `json:"min_stop_distance_pct"`
}

// DefaultRiskSettings returns the stock risk configuration.
func DefaultRiskSettings() RiskSettings {
	return RiskSettings{
		MaxRiskPerTradePct:    1.0,
		MaxOpenPositions:      5,
		MaxPositionsPerSymbol: 1,
		MaxConsecutiveLosses:  3,
		LockdownCooldownMin:   60,
		MinConfidence:         0.3,
		MinStopDistancePct:    0.05,
	}
}

package risk

import (
	"strings"

	"autotrader-core/pkg/db"
)

// Config defines the account-level limits enforced by the Gate.
// Percentages are fractions: 0.05 means 5%.
type Config struct {
	MaxDailyLossPct  float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxPositionPct   float64 `json:"max_position_pct" yaml:"max_position_pct"`
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxDailyLossPct:  0.05,
		MaxDrawdownPct:   0.10,
		MaxPositionPct:   0.20,
		MaxOpenPositions: 5,
	}
}

// Decision is the result of a pre-trade check.
type Decision struct {
	Allowed bool              `json:"allowed"`
	Reason  string            `json:"reason,omitempty"`
	Stats   db.DailyRiskStats `json:"stats"`
}

// Profile sets stop-loss and take-profit distances for a risk level.
type Profile struct {
	StopLossPct   float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
}

// Profiles maps a risk level name to its Profile.
type Profiles map[string]Profile

// DefaultProfileName is used for unknown or empty risk levels.
const DefaultProfileName = "moderate"

// DefaultProfiles returns the built-in table.
func DefaultProfiles() Profiles {
	return Profiles{
		"aggressive":   {StopLossPct: 0.05, TakeProfitPct: 0.10},
		"conservative": {StopLossPct: 0.01, TakeProfitPct: 0.02},
		"moderate":     {StopLossPct: 0.02, TakeProfitPct: 0.05},
	}
}

// For returns the profile for level, falling back to the default entry.
func (p Profiles) For(level string) Profile {
	if prof, ok := p[strings.ToLower(strings.TrimSpace(level))]; ok {
		return prof
	}
	if prof, ok := p[DefaultProfileName]; ok {
		return prof
	}
	return DefaultProfiles()[DefaultProfileName]
}

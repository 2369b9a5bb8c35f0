package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the YAML layout for risk settings:
//
//	limits:
//	  max_daily_loss_pct: 0.05
//	profiles:
//	  aggressive: {stop_loss_pct: 0.05, take_profit_pct: 0.10}
type ConfigFile struct {
	Limits   *Config  `yaml:"limits"`
	Profiles Profiles `yaml:"profiles"`
}

// LoadConfigFile reads path and merges it over base and DefaultProfiles.
// Zero-valued limit fields keep the base value.
func LoadConfigFile(path string, base Config) (Config, Profiles, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return base, profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return base, profiles, fmt.Errorf("read risk config: %w", err)
	}
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return base, profiles, fmt.Errorf("parse risk config %s: %w", path, err)
	}

	cfg := base
	if l := file.Limits; l != nil {
		if l.MaxDailyLossPct > 0 {
			cfg.MaxDailyLossPct = l.MaxDailyLossPct
		}
		if l.MaxDrawdownPct > 0 {
			cfg.MaxDrawdownPct = l.MaxDrawdownPct
		}
		if l.MaxPositionPct > 0 {
			cfg.MaxPositionPct = l.MaxPositionPct
		}
		if l.MaxOpenPositions > 0 {
			cfg.MaxOpenPositions = l.MaxOpenPositions
		}
	}
	for name, p := range file.Profiles {
		if p.StopLossPct <= 0 || p.TakeProfitPct <= 0 {
			return base, DefaultProfiles(), fmt.Errorf("risk profile %q: stop_loss_pct and take_profit_pct must be positive", name)
		}
		profiles[name] = p
	}
	return cfg, profiles, nil
}

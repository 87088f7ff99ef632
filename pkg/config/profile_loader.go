package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays a YAML profile on top of the environment configuration.
// Only fields present in the file replace the loaded values; built-in
// overrides for the fixed fingerprints are kept unless the profile redefines
// them explicitly.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	if overlay.StateDir != "" {
		cfg.StateDir = overlay.StateDir
	}
	if overlay.LedgerBackend != "" {
		cfg.LedgerBackend = overlay.LedgerBackend
	}
	if overlay.LedgerPath != "" {
		cfg.LedgerPath = overlay.LedgerPath
	}
	if overlay.DatabaseURL != "" {
		cfg.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.Port != "" {
		cfg.Port = overlay.Port
	}
	if overlay.AuthSecret != "" {
		cfg.AuthSecret = overlay.AuthSecret
	}
	if overlay.RateRPS > 0 {
		cfg.RateRPS = overlay.RateRPS
	}
	if overlay.RateBurst > 0 {
		cfg.RateBurst = overlay.RateBurst
	}

	mergeLimits(&cfg.Defaults, overlay.Defaults)
	for fp, l := range overlay.Overrides {
		base := cfg.Overrides[fp]
		mergeLimits(&base, l)
		cfg.Overrides[fp] = base
	}
	if overlay.Probation.RequiredSuccesses > 0 {
		cfg.Probation.RequiredSuccesses = overlay.Probation.RequiredSuccesses
	}
	if overlay.Probation.WindowHours > 0 {
		cfg.Probation.WindowHours = overlay.Probation.WindowHours
	}
	if len(overlay.Rules) > 0 {
		cfg.Rules = overlay.Rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeLimits(dst *Limits, src Limits) {
	if src.TokensPerHour > 0 {
		dst.TokensPerHour = src.TokensPerHour
	}
	if src.MaxConcurrent > 0 {
		dst.MaxConcurrent = src.MaxConcurrent
	}
	if src.RollbackThreshold > 0 {
		dst.RollbackThreshold = src.RollbackThreshold
	}
	if src.OpenHours > 0 {
		dst.OpenHours = src.OpenHours
	}
}

// Package config holds the validated process configuration for the
// governance core. Thresholds are loaded once and passed by reference into
// every component — deep helpers never re-read ambient environment state.
//
// All defaults are restrictive. An unset or zero threshold means the
// fail-closed default, never "unlimited".
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Built-in fail-closed defaults.
const (
	DefaultTokensPerHour     = 5
	DefaultMaxConcurrent     = 2
	DefaultRollbackThreshold = 3
	DefaultOpenHours         = 24
	DefaultRequiredSuccesses = 3
	DefaultWindowHours       = 24
)

// Fixed semantic fingerprints that carry stricter built-in limits.
const (
	FingerprintRequalify  = "op.autonomy.requalify"
	FingerprintIntakeScan = "op.intake.scan"
)

// Limits are the per-fingerprint-class governor thresholds.
type Limits struct {
	TokensPerHour     int `yaml:"tokens_per_hour" json:"tokens_per_hour"`
	MaxConcurrent     int `yaml:"max_concurrent" json:"max_concurrent"`
	RollbackThreshold int `yaml:"rollback_threshold" json:"rollback_threshold"`
	OpenHours         int `yaml:"open_hours" json:"open_hours"`
}

// Probation configures the requalification success streak.
type Probation struct {
	RequiredSuccesses int `yaml:"required_successes" json:"required_successes"`
	WindowHours       int `yaml:"window_hours" json:"window_hours"`
}

// ClassificationRule maps commands to a semantic fingerprint via a CEL
// expression over {command, domain}. Rules run after the built-in shapes and
// before the digest fallback.
type ClassificationRule struct {
	Name        string `yaml:"name" json:"name"`
	Expression  string `yaml:"expression" json:"expression"`
	Fingerprint string `yaml:"fingerprint" json:"fingerprint"`
}

// Config is the full process configuration.
type Config struct {
	// Storage
	StateDir      string `yaml:"state_dir" json:"state_dir"`
	LedgerBackend string `yaml:"ledger_backend" json:"ledger_backend"` // "file" | "sqlite" | "postgres"
	LedgerPath    string `yaml:"ledger_path" json:"ledger_path"`
	DatabaseURL   string `yaml:"database_url" json:"database_url"`

	// HTTP surface
	Port       string `yaml:"port" json:"port"`
	AuthSecret string `yaml:"auth_secret" json:"auth_secret"`
	RateRPS    int    `yaml:"rate_rps" json:"rate_rps"`
	RateBurst  int    `yaml:"rate_burst" json:"rate_burst"`

	// Governance thresholds
	Defaults  Limits            `yaml:"defaults" json:"defaults"`
	Overrides map[string]Limits `yaml:"overrides" json:"overrides"`
	Probation Probation         `yaml:"probation" json:"probation"`

	// Fingerprint classification extensions
	Rules []ClassificationRule `yaml:"classification_rules" json:"classification_rules"`
}

// Load builds a Config from environment variables with safe defaults.
func Load() *Config {
	cfg := &Config{
		StateDir:      envOr("WARDEN_STATE_DIR", "warden-state"),
		LedgerBackend: envOr("WARDEN_LEDGER_BACKEND", "file"),
		LedgerPath:    envOr("WARDEN_LEDGER_PATH", "warden-state/receipts.jsonl"),
		DatabaseURL:   os.Getenv("WARDEN_DATABASE_URL"),
		Port:          envOr("PORT", "8080"),
		AuthSecret:    os.Getenv("WARDEN_AUTH_SECRET"),
		RateRPS:       envInt("WARDEN_RATE_RPS", 10),
		RateBurst:     envInt("WARDEN_RATE_BURST", 20),
		Defaults: Limits{
			TokensPerHour:     envInt("WARDEN_TOKENS_PER_HOUR", DefaultTokensPerHour),
			MaxConcurrent:     envInt("WARDEN_MAX_CONCURRENT", DefaultMaxConcurrent),
			RollbackThreshold: envInt("WARDEN_ROLLBACK_THRESHOLD", DefaultRollbackThreshold),
			OpenHours:         envInt("WARDEN_OPEN_HOURS", DefaultOpenHours),
		},
		Probation: Probation{
			RequiredSuccesses: envInt("WARDEN_PROBATION_REQUIRED", DefaultRequiredSuccesses),
			WindowHours:       envInt("WARDEN_PROBATION_WINDOW_HOURS", DefaultWindowHours),
		},
		Overrides: builtinOverrides(),
	}
	return cfg
}

// builtinOverrides returns the stricter limits carried by the fixed
// high-risk fingerprints. Self-requalification is the most sensitive
// operation the platform governs: one run per hour, one in flight.
func builtinOverrides() map[string]Limits {
	return map[string]Limits{
		FingerprintRequalify: {
			TokensPerHour:     1,
			MaxConcurrent:     1,
			RollbackThreshold: 1,
			OpenHours:         DefaultOpenHours,
		},
		FingerprintIntakeScan: {
			TokensPerHour: 2,
			MaxConcurrent: 1,
		},
	}
}

// Validate rejects configurations that could fail open.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir must be set")
	}
	switch c.LedgerBackend {
	case "file", "sqlite":
		if c.LedgerPath == "" {
			return fmt.Errorf("config: ledger_path must be set for %s backend", c.LedgerBackend)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: database_url must be set for postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.LedgerBackend)
	}

	if err := checkLimits("defaults", c.Defaults); err != nil {
		return err
	}
	for fp, l := range c.Overrides {
		if err := checkLimits("overrides."+fp, l); err != nil {
			return err
		}
	}
	if c.Probation.RequiredSuccesses < 0 || c.Probation.WindowHours < 0 {
		return fmt.Errorf("config: probation thresholds must not be negative")
	}
	for i, r := range c.Rules {
		if r.Expression == "" || r.Fingerprint == "" {
			return fmt.Errorf("config: classification rule %d must set expression and fingerprint", i)
		}
	}
	return nil
}

func checkLimits(where string, l Limits) error {
	if l.TokensPerHour < 0 || l.MaxConcurrent < 0 || l.RollbackThreshold < 0 || l.OpenHours < 0 {
		return fmt.Errorf("config: %s: thresholds must not be negative", where)
	}
	return nil
}

// LimitsFor resolves the effective limits for a fingerprint: per-fingerprint
// override fields first, then process defaults, then the built-in
// restrictive constants. A zero field always falls through — zero never
// means unlimited.
func (c *Config) LimitsFor(fingerprint string) Limits {
	resolved := c.Defaults
	if o, ok := c.Overrides[fingerprint]; ok {
		if o.TokensPerHour > 0 {
			resolved.TokensPerHour = o.TokensPerHour
		}
		if o.MaxConcurrent > 0 {
			resolved.MaxConcurrent = o.MaxConcurrent
		}
		if o.RollbackThreshold > 0 {
			resolved.RollbackThreshold = o.RollbackThreshold
		}
		if o.OpenHours > 0 {
			resolved.OpenHours = o.OpenHours
		}
	}

	if resolved.TokensPerHour <= 0 {
		resolved.TokensPerHour = DefaultTokensPerHour
	}
	if resolved.MaxConcurrent <= 0 {
		resolved.MaxConcurrent = DefaultMaxConcurrent
	}
	if resolved.RollbackThreshold <= 0 {
		resolved.RollbackThreshold = DefaultRollbackThreshold
	}
	if resolved.OpenHours <= 0 {
		resolved.OpenHours = DefaultOpenHours
	}
	return resolved
}

// ProbationOrDefault resolves the probation settings with fail-closed
// fallbacks.
func (c *Config) ProbationOrDefault() Probation {
	p := c.Probation
	if p.RequiredSuccesses <= 0 {
		p.RequiredSuccesses = DefaultRequiredSuccesses
	}
	if p.WindowHours <= 0 {
		p.WindowHours = DefaultWindowHours
	}
	return p
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "file", cfg.LedgerBackend)
	assert.Equal(t, config.DefaultTokensPerHour, cfg.Defaults.TokensPerHour)
	assert.Equal(t, config.DefaultRollbackThreshold, cfg.Defaults.RollbackThreshold)
}

func TestLimitsFor_RequalifyIsStricter(t *testing.T) {
	cfg := config.Load()

	l := cfg.LimitsFor(config.FingerprintRequalify)
	assert.Equal(t, 1, l.TokensPerHour)
	assert.Equal(t, 1, l.MaxConcurrent)

	generic := cfg.LimitsFor("op.notion.write")
	assert.Equal(t, config.DefaultTokensPerHour, generic.TokensPerHour)
	assert.Equal(t, config.DefaultMaxConcurrent, generic.MaxConcurrent)
}

func TestLimitsFor_ZeroNeverMeansUnlimited(t *testing.T) {
	cfg := config.Load()
	cfg.Defaults = config.Limits{} // everything unset

	l := cfg.LimitsFor("anything")
	assert.Equal(t, config.DefaultTokensPerHour, l.TokensPerHour)
	assert.Equal(t, config.DefaultMaxConcurrent, l.MaxConcurrent)
	assert.Equal(t, config.DefaultRollbackThreshold, l.RollbackThreshold)
	assert.Equal(t, config.DefaultOpenHours, l.OpenHours)
}

func TestValidate_RejectsNegativeThresholds(t *testing.T) {
	cfg := config.Load()
	cfg.Defaults.TokensPerHour = -1
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := config.Load()
	cfg.LedgerBackend = "dynamo"
	assert.Error(t, cfg.Validate())
}

func TestLoadFile_OverlaysProfile(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "warden.yaml")
	body := `
state_dir: /var/lib/warden
defaults:
  tokens_per_hour: 9
overrides:
  op.intake.scan:
    tokens_per_hour: 3
probation:
  required_successes: 5
classification_rules:
  - name: billing-writes
    expression: 'command.startsWith("/billing")'
    fingerprint: op.billing.write
`
	require.NoError(t, os.WriteFile(profile, []byte(body), 0600))

	cfg, err := config.LoadFile(profile)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/warden", cfg.StateDir)
	assert.Equal(t, 9, cfg.Defaults.TokensPerHour)
	assert.Equal(t, 3, cfg.LimitsFor(config.FingerprintIntakeScan).TokensPerHour)
	// Built-in override fields the profile did not touch are kept.
	assert.Equal(t, 1, cfg.LimitsFor(config.FingerprintIntakeScan).MaxConcurrent)
	assert.Equal(t, 5, cfg.ProbationOrDefault().RequiredSuccesses)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "op.billing.write", cfg.Rules[0].Fingerprint)
}

func TestLoadFile_InvalidProfileRejected(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("ledger_backend: dynamo\n"), 0600))

	_, err := config.LoadFile(profile)
	assert.Error(t, err)
}

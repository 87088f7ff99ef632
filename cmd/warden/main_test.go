package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/warden/pkg/governor"
	"github.com/Mindburn-Labs/warden/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WARDEN_STATE_DIR", dir)
	t.Setenv("WARDEN_LEDGER_BACKEND", "file")
	t.Setenv("WARDEN_LEDGER_PATH", filepath.Join(dir, "receipts.jsonl"))
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"warden", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"warden", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "decide")
	assert.Contains(t, stdout.String(), "verify")
}

func TestRun_DecideRequiresCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"warden", "decide"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--command is required")
}

func TestRun_DecideAndVerify(t *testing.T) {
	setTestEnv(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"warden", "decide",
		"--command", "/notion set page status done",
		"--domain", "ops",
		"--mode", "SUPERVISED",
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var result session.GovernResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, "op.notion.write", result.Fingerprint)
	assert.Equal(t, governor.OutcomeAllow, result.Decision.Outcome)

	stdout.Reset()
	code = Run([]string{"warden", "verify"}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.True(t, strings.Contains(stdout.String(), "OK"))
}

func TestRun_ExhaustedBudgetExitsNonZero(t *testing.T) {
	setTestEnv(t)
	t.Setenv("WARDEN_TOKENS_PER_HOUR", "1")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"warden", "decide",
		"--command", "/gmail send digest", "--domain", "ops",
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	stdout.Reset()
	code = Run([]string{"warden", "decide",
		"--command", "/gmail send digest", "--domain", "ops",
	}, &stdout, &stderr)
	assert.Equal(t, 1, code)

	var result session.GovernResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, governor.OutcomeDelay, result.Decision.Outcome)
	assert.Equal(t, governor.ReasonTokenExhausted, result.Decision.Reason)
}

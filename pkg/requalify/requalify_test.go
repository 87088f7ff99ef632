package requalify_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/requalify"
	"github.com/Mindburn-Labs/warden/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	machine *requalify.Machine
	ledger  receipts.Ledger
	store   *statestore.Store
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := statestore.New(dir)
	require.NoError(t, err)
	ledger, err := receipts.NewFileLedger(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		ledger: ledger,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.machine = requalify.NewMachine(store, ledger, config.Probation{
		RequiredSuccesses: 3,
		WindowHours:       24,
	}).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) enterProbation(t *testing.T, fp string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.machine.Suspend(ctx, fp, "POLICY_DENIAL", f.now.Add(time.Hour))
	require.NoError(t, err)
	f.advance(2 * time.Hour)
	moved, err := f.machine.AdvanceCooldowns(ctx, f.now)
	require.NoError(t, err)
	require.Contains(t, moved, fp)
}

func cleanOutcome(confidence float64) requalify.Outcome {
	return requalify.Outcome{
		Success:          true,
		GovernorDecision: "ALLOW",
		NominalMode:      requalify.ModeSupervised,
		EffectiveMode:    requalify.ModeReadOnly,
		Confidence:       confidence,
	}
}

func countEvents(t *testing.T, ledger receipts.Ledger, event string) int {
	t.Helper()
	entries, err := ledger.List(context.Background())
	require.NoError(t, err)
	n := 0
	for _, r := range entries {
		if r.Event == event {
			n++
		}
	}
	return n
}

func TestStateOf_MissingRecordIsActive(t *testing.T) {
	f := newFixture(t)

	rec, err := f.machine.StateOf("op.notion.write")
	require.NoError(t, err)
	assert.Equal(t, requalify.StateActive, rec.State)
	assert.Equal(t, 3, rec.Required)
	assert.Equal(t, 1.0, rec.LastConfidence)
}

func TestStateOf_CorruptRecordSuspendsFailClosed(t *testing.T) {
	f := newFixture(t)
	fp := "op.gmail.write"
	f.enterProbation(t, fp)

	// Overwrite the record with something that is not a requalification
	// document.
	require.NoError(t, f.store.Save(statestore.KindRequalification, fp,
		map[string]interface{}{"state": 42}))

	rec, err := f.machine.StateOf(fp)
	require.ErrorIs(t, err, statestore.ErrCorrupt)
	assert.Equal(t, requalify.StateSuspended, rec.State)
	assert.Equal(t, requalify.CauseCorruptState, rec.Cause)
}

func TestAdvanceCooldowns_MovesSuspendedToProbation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := "op.slack.write"

	_, err := f.machine.Suspend(ctx, fp, "POLICY_DENIAL", f.now.Add(24*time.Hour))
	require.NoError(t, err)

	// Before the cooldown elapses nothing moves.
	moved, err := f.machine.AdvanceCooldowns(ctx, f.now.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, moved)

	rec, err := f.machine.StateOf(fp)
	require.NoError(t, err)
	assert.Equal(t, requalify.StateSuspended, rec.State)

	f.advance(25 * time.Hour)
	moved, err = f.machine.AdvanceCooldowns(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, []string{fp}, moved)

	rec, err = f.machine.StateOf(fp)
	require.NoError(t, err)
	assert.Equal(t, requalify.StateProbation, rec.State)
	assert.Equal(t, requalify.CauseCooldownElapsed, rec.Cause)
	assert.Nil(t, rec.CooldownUntil)
	assert.Zero(t, rec.SuccessCount)
	assert.Equal(t, 1, countEvents(t, f.ledger, "ProbationStarted"))
}

func TestReportOutcome_StreakPromotesToEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := "op.notion.write"
	f.enterProbation(t, fp)

	for i := 0; i < 2; i++ {
		f.advance(time.Hour)
		rec, promoted, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
		require.NoError(t, err)
		assert.False(t, promoted)
		assert.Equal(t, requalify.StateProbation, rec.State)
		assert.Equal(t, i+1, rec.SuccessCount)
	}

	f.advance(time.Hour)
	rec, promoted, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, requalify.StateEligible, rec.State)
	assert.Equal(t, requalify.CauseProbationSuccess, rec.Cause)
	assert.Equal(t, 3, rec.SuccessCount)
	assert.Equal(t, 1, countEvents(t, f.ledger, "RequalificationRecommended"))
}

func TestReportOutcome_EligibleDoesNotReEmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := "op.notion.write"
	f.enterProbation(t, fp)

	for i := 0; i < 3; i++ {
		f.advance(time.Hour)
		_, _, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
		require.NoError(t, err)
	}

	// A fourth clean run after promotion is a no-op.
	f.advance(time.Hour)
	rec, promoted, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, requalify.StateEligible, rec.State)
	assert.Equal(t, 1, countEvents(t, f.ledger, "RequalificationRecommended"))
}

func TestReportOutcome_PolicyDenialResetsStreakToZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := "op.gmail.write"
	f.enterProbation(t, fp)

	for i := 0; i < 2; i++ {
		f.advance(time.Hour)
		_, _, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
		require.NoError(t, err)
	}

	denied := cleanOutcome(0.8)
	denied.PolicyDenied = true
	f.advance(time.Hour)
	rec, promoted, err := f.machine.ReportOutcome(ctx, fp, denied)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Zero(t, rec.SuccessCount)
	assert.Nil(t, rec.StreakStartedAt)

	// The streak restarts from one, not from where it left off.
	f.advance(time.Hour)
	rec, _, err = f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SuccessCount)
}

func TestReportOutcome_ConfidenceRegressionBreaksStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := "op.notion.write"
	f.enterProbation(t, fp)

	f.advance(time.Hour)
	_, _, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)

	f.advance(time.Hour)
	rec, _, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.7))
	require.NoError(t, err)
	assert.Zero(t, rec.SuccessCount)
}

func TestReportOutcome_WindowExpiryRestartsStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := "op.slack.write"
	f.enterProbation(t, fp)

	f.advance(time.Hour)
	_, _, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)
	f.advance(time.Hour)
	_, _, err = f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)

	// The third success lands outside the 24h window anchored at the first,
	// so it opens a fresh streak instead of promoting.
	f.advance(25 * time.Hour)
	rec, promoted, err := f.machine.ReportOutcome(ctx, fp, cleanOutcome(0.8))
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, requalify.StateProbation, rec.State)
	assert.Equal(t, 1, rec.SuccessCount)
}

func TestReportOutcome_IgnoredOutsideProbation(t *testing.T) {
	f := newFixture(t)

	rec, promoted, err := f.machine.ReportOutcome(context.Background(), "op.fresh.write", cleanOutcome(1.0))
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, requalify.StateActive, rec.State)
	assert.Zero(t, rec.SuccessCount)
}

func TestEffectiveMode(t *testing.T) {
	cases := []struct {
		nominal requalify.Mode
		state   requalify.State
		want    requalify.Mode
	}{
		{requalify.ModeOff, requalify.StateProbation, requalify.ModeOff},
		{requalify.ModeAutonomous, requalify.StateProbation, requalify.ModeReadOnly},
		{requalify.ModeSupervised, requalify.StateProbation, requalify.ModeReadOnly},
		{requalify.ModeAutonomous, requalify.StateActive, requalify.ModeAutonomous},
		{requalify.ModeReadOnly, requalify.StateEligible, requalify.ModeReadOnly},
	}
	for _, tc := range cases {
		got := requalify.EffectiveMode(tc.nominal, tc.state)
		assert.Equal(t, tc.want, got, "nominal=%s state=%s", tc.nominal, tc.state)
	}
}

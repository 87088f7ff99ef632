package requalify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/statestore"
)

// Machine owns requalification records. No other component mutates them.
type Machine struct {
	store    *statestore.Store
	ledger   receipts.Ledger
	required int
	window   time.Duration
	clock    func() time.Time
}

// NewMachine creates the state machine with the configured probation
// thresholds.
func NewMachine(store *statestore.Store, ledger receipts.Ledger, probation config.Probation) *Machine {
	return &Machine{
		store:    store,
		ledger:   ledger,
		required: probation.RequiredSuccesses,
		window:   time.Duration(probation.WindowHours) * time.Hour,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// StateOf returns the requalification record for a fingerprint.
//
// A missing record is the implicit ACTIVE default. A corrupt record is NOT:
// it returns a SUSPENDED view together with the corruption error, so callers
// deny until an operator clears the state. Missing and corrupt are never
// conflated.
func (m *Machine) StateOf(fingerprint string) (Record, error) {
	var rec Record
	err := m.store.Load(statestore.KindRequalification, fingerprint, &rec)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, statestore.ErrNotFound):
		return Record{
			Fingerprint:    fingerprint,
			State:          StateActive,
			Required:       m.required,
			LastConfidence: 1.0,
		}, nil
	default:
		return Record{
			Fingerprint: fingerprint,
			State:       StateSuspended,
			Cause:       CauseCorruptState,
			Since:       m.clock().UTC(),
			Required:    m.required,
		}, err
	}
}

// Suspend demotes a fingerprint. The triggering policy-denial decision is
// made elsewhere in the platform; this core only records the demotion and
// starts the cooldown.
func (m *Machine) Suspend(ctx context.Context, fingerprint, cause string, cooldownUntil time.Time) (Record, error) {
	unlock := m.store.Lock(statestore.KindRequalification, fingerprint)
	defer unlock()

	now := m.clock().UTC()
	cooldown := cooldownUntil.UTC()

	rec := Record{
		Fingerprint:    fingerprint,
		State:          StateSuspended,
		Cause:          cause,
		Since:          now,
		CooldownUntil:  &cooldown,
		SuccessCount:   0,
		Required:       m.required,
		LastConfidence: 0,
	}
	if existing, err := m.StateOf(fingerprint); err == nil {
		rec.LastConfidence = existing.LastConfidence
	}

	if err := m.store.Save(statestore.KindRequalification, fingerprint, rec); err != nil {
		return Record{}, err
	}

	if _, err := m.ledger.Append(ctx, "FingerprintSuspended", map[string]interface{}{
		"fingerprint":    fingerprint,
		"cause":          cause,
		"cooldown_until": cooldown.Format(time.RFC3339Nano),
	}); err != nil {
		return Record{}, fmt.Errorf("requalify: suspend receipt for %s: %w", fingerprint, err)
	}
	return rec, nil
}

// AdvanceCooldowns is the cooldown watcher. It is invoked at the start of
// any governed run — there is no scheduler or timer. Every SUSPENDED record
// whose cooldown has elapsed moves to PROBATION, with a transition receipt.
// Returns the fingerprints that entered probation.
func (m *Machine) AdvanceCooldowns(ctx context.Context, now time.Time) ([]string, error) {
	fingerprints, err := m.store.List(statestore.KindRequalification)
	if err != nil {
		return nil, err
	}

	var promoted []string
	for _, fp := range fingerprints {
		moved, err := m.advanceOne(ctx, fp, now.UTC())
		if err != nil {
			return promoted, err
		}
		if moved {
			promoted = append(promoted, fp)
		}
	}
	return promoted, nil
}

func (m *Machine) advanceOne(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	unlock := m.store.Lock(statestore.KindRequalification, fingerprint)
	defer unlock()

	var rec Record
	if err := m.store.Load(statestore.KindRequalification, fingerprint, &rec); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if rec.State != StateSuspended || rec.CooldownUntil == nil || rec.CooldownUntil.After(now) {
		return false, nil
	}

	rec.State = StateProbation
	rec.Cause = CauseCooldownElapsed
	rec.Since = now
	rec.CooldownUntil = nil
	rec.SuccessCount = 0
	rec.Required = m.required
	rec.StreakStartedAt = nil

	if err := m.store.Save(statestore.KindRequalification, fingerprint, rec); err != nil {
		return false, err
	}

	if _, err := m.ledger.Append(ctx, "ProbationStarted", map[string]interface{}{
		"fingerprint": fingerprint,
		"required":    rec.Required,
	}); err != nil {
		return false, fmt.Errorf("requalify: probation receipt for %s: %w", fingerprint, err)
	}
	return true, nil
}

// ReportOutcome feeds one run outcome into the machine. Only PROBATION
// records react: a qualifying success extends the streak, anything else
// resets it to zero — no partial credit. When the streak reaches the
// required count inside the rolling window, the fingerprint becomes
// ELIGIBLE and exactly one RequalificationRecommended receipt is appended.
// The returned bool reports whether this call promoted the fingerprint.
func (m *Machine) ReportOutcome(ctx context.Context, fingerprint string, outcome Outcome) (Record, bool, error) {
	unlock := m.store.Lock(statestore.KindRequalification, fingerprint)
	defer unlock()

	rec, err := m.StateOf(fingerprint)
	if err != nil {
		return rec, false, err
	}
	if rec.State != StateProbation {
		return rec, false, nil
	}

	now := m.clock().UTC()

	if !outcome.qualifies(rec.LastConfidence) {
		rec.SuccessCount = 0
		rec.StreakStartedAt = nil
		rec.LastConfidence = outcome.Confidence
		if err := m.store.Save(statestore.KindRequalification, fingerprint, rec); err != nil {
			return Record{}, false, err
		}
		return rec, false, nil
	}

	// Streaks are anchored at their first qualifying success; a success
	// landing outside the window starts a new streak of one.
	switch {
	case rec.SuccessCount == 0 || rec.StreakStartedAt == nil:
		rec.SuccessCount = 1
		rec.StreakStartedAt = &now
	case now.Sub(*rec.StreakStartedAt) > m.window:
		rec.SuccessCount = 1
		rec.StreakStartedAt = &now
	default:
		rec.SuccessCount++
	}
	rec.LastConfidence = outcome.Confidence

	promoted := false
	if rec.SuccessCount >= rec.Required {
		rec.State = StateEligible
		rec.Cause = CauseProbationSuccess
		rec.Since = now
		promoted = true
	}

	if err := m.store.Save(statestore.KindRequalification, fingerprint, rec); err != nil {
		return Record{}, false, err
	}

	if promoted {
		if _, err := m.ledger.Append(ctx, "RequalificationRecommended", map[string]interface{}{
			"fingerprint":   fingerprint,
			"cause":         CauseProbationSuccess,
			"success_count": rec.SuccessCount,
			"required":      rec.Required,
		}); err != nil {
			return Record{}, false, fmt.Errorf("requalify: recommendation receipt for %s: %w", fingerprint, err)
		}
	}
	return rec, promoted, nil
}

// Package governor implements the per-fingerprint run gate: a token bucket
// refilled on hour boundaries, a concurrency cap, and a rollback-tripped
// circuit breaker. It owns the counter and breaker records exclusively.
package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/statestore"
)

// Decision outcomes.
const (
	OutcomeAllow = "ALLOW"
	OutcomeDeny  = "DENY"
	OutcomeDelay = "DELAY"
)

// Decision reasons. An ALLOW carries no reason.
const (
	ReasonTokenExhausted = "TOKEN_EXHAUSTED"
	ReasonCircuitOpen    = "CIRCUIT_OPEN"
	ReasonMaxConcurrent  = "MAX_CONCURRENT"
)

// Decision is the structured answer to "may this fingerprint run now".
// Governance denials are values, not errors.
type Decision struct {
	Fingerprint string     `json:"fingerprint"`
	Outcome     string     `json:"decision"`
	Reason      string     `json:"reason,omitempty"`
	RetryAfter  *time.Time `json:"retry_after,omitempty"`
	Mode        string     `json:"autonomy_mode,omitempty"`
	Simulated   bool       `json:"simulated,omitempty"`
}

// Allowed reports whether the run may proceed.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// CounterState is the hourly token-bucket record for one fingerprint.
type CounterState struct {
	Fingerprint     string    `json:"fingerprint"`
	HourStart       time.Time `json:"hour_start"`
	TokensRemaining int       `json:"tokens_remaining"`
	Concurrent      int       `json:"concurrent"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BreakerState is the circuit-breaker record for one fingerprint. It also
// carries the rollback tally that trips the breaker; a record with a zero
// open_until is a tally that has not tripped yet.
type BreakerState struct {
	Fingerprint string        `json:"fingerprint"`
	OpenedAt    time.Time     `json:"opened_at"`
	OpenUntil   time.Time     `json:"open_until"`
	Reason      string        `json:"reason,omitempty"`
	Counts      BreakerCounts `json:"counts"`
}

// BreakerCounts tallies trust-breach events since the breaker last opened.
type BreakerCounts struct {
	Rollbacks int `json:"rollbacks"`
}

// Governor gates runs per fingerprint. Thresholds are resolved through the
// limits function on every decision so config overrides apply immediately.
type Governor struct {
	store  *statestore.Store
	limits func(fingerprint string) config.Limits
	clock  func() time.Time
}

// New creates a Governor over the given state store. limits is typically
// (*config.Config).LimitsFor.
func New(store *statestore.Store, limits func(string) config.Limits) *Governor {
	return &Governor{store: store, limits: limits, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// Decide runs the governance checks for a fingerprint in their fixed order:
// open breaker, breaker trip on rollbacks, concurrency cap, token bucket,
// allow. A result from an earlier check is never downgraded by a later one.
//
// With simulate set, the same decision is computed but nothing is persisted:
// no token is consumed and no breaker is tripped.
func (g *Governor) Decide(ctx context.Context, fingerprint, mode string, now time.Time, simulate bool) (Decision, error) {
	unlockBreaker := g.store.Lock(statestore.KindBreaker, fingerprint)
	defer unlockBreaker()
	unlockCounter := g.store.Lock(statestore.KindCounter, fingerprint)
	defer unlockCounter()

	now = now.UTC()
	limits := g.limits(fingerprint)
	decision := Decision{Fingerprint: fingerprint, Mode: mode, Simulated: simulate}

	breaker, err := g.loadBreaker(fingerprint)
	if err != nil {
		return Decision{}, err
	}

	if now.Before(breaker.OpenUntil) {
		retry := breaker.OpenUntil
		decision.Outcome = OutcomeDeny
		decision.Reason = ReasonCircuitOpen
		decision.RetryAfter = &retry
		return decision, nil
	}

	if limits.RollbackThreshold > 0 && breaker.Counts.Rollbacks >= limits.RollbackThreshold {
		openUntil := now.Add(time.Duration(limits.OpenHours) * time.Hour)
		if !simulate {
			breaker.Fingerprint = fingerprint
			breaker.OpenedAt = now
			breaker.OpenUntil = openUntil
			breaker.Reason = ReasonCircuitOpen
			breaker.Counts.Rollbacks = 0
			if err := g.store.Save(statestore.KindBreaker, fingerprint, breaker); err != nil {
				return Decision{}, err
			}
		}
		decision.Outcome = OutcomeDeny
		decision.Reason = ReasonCircuitOpen
		decision.RetryAfter = &openUntil
		return decision, nil
	}

	counter, err := g.loadCounter(fingerprint, limits, now)
	if err != nil {
		return Decision{}, err
	}

	if limits.MaxConcurrent > 0 && counter.Concurrent >= limits.MaxConcurrent {
		// retry_after echoes now: no defined horizon, ask again shortly.
		retry := now
		decision.Outcome = OutcomeDelay
		decision.Reason = ReasonMaxConcurrent
		decision.RetryAfter = &retry
		return decision, nil
	}

	// A non-positive quota is exhausted, never unlimited.
	if limits.TokensPerHour <= 0 || counter.TokensRemaining <= 0 {
		retry := counter.HourStart.Add(time.Hour)
		decision.Outcome = OutcomeDelay
		decision.Reason = ReasonTokenExhausted
		decision.RetryAfter = &retry
		return decision, nil
	}

	if !simulate {
		counter.TokensRemaining--
		counter.UpdatedAt = now
		if err := g.store.Save(statestore.KindCounter, fingerprint, counter); err != nil {
			return Decision{}, err
		}
	}
	decision.Outcome = OutcomeAllow
	return decision, nil
}

// RecordRollback increments the rollback tally that feeds the trip check.
// It never opens the breaker itself; the next Decide does.
func (g *Governor) RecordRollback(ctx context.Context, fingerprint string) (int, error) {
	unlock := g.store.Lock(statestore.KindBreaker, fingerprint)
	defer unlock()

	breaker, err := g.loadBreaker(fingerprint)
	if err != nil {
		return 0, err
	}
	breaker.Fingerprint = fingerprint
	breaker.Counts.Rollbacks++
	if err := g.store.Save(statestore.KindBreaker, fingerprint, breaker); err != nil {
		return 0, err
	}
	return breaker.Counts.Rollbacks, nil
}

// BeginRun marks one execution in flight. Callers pair it with EndRun around
// the actual execution window of an allowed run.
func (g *Governor) BeginRun(ctx context.Context, fingerprint string) error {
	return g.adjustConcurrent(fingerprint, +1)
}

// EndRun marks one execution finished.
func (g *Governor) EndRun(ctx context.Context, fingerprint string) error {
	return g.adjustConcurrent(fingerprint, -1)
}

func (g *Governor) adjustConcurrent(fingerprint string, delta int) error {
	unlock := g.store.Lock(statestore.KindCounter, fingerprint)
	defer unlock()

	limits := g.limits(fingerprint)
	counter, err := g.loadCounter(fingerprint, limits, g.clock().UTC())
	if err != nil {
		return err
	}
	counter.Concurrent += delta
	if counter.Concurrent < 0 {
		counter.Concurrent = 0
	}
	counter.UpdatedAt = g.clock().UTC()
	return g.store.Save(statestore.KindCounter, fingerprint, counter)
}

// loadCounter reads the counter record, initializing a full bucket on first
// use and refilling when the hour bucket has rolled over. The refilled record
// is not persisted here; only a mutating decision writes it back.
func (g *Governor) loadCounter(fingerprint string, limits config.Limits, now time.Time) (CounterState, error) {
	hour := now.Truncate(time.Hour)

	var counter CounterState
	err := g.store.Load(statestore.KindCounter, fingerprint, &counter)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		return freshCounter(fingerprint, limits, hour, now), nil
	case err != nil:
		return CounterState{}, fmt.Errorf("governor: counter for %s: %w", fingerprint, err)
	}

	if !counter.HourStart.Equal(hour) {
		return freshCounter(fingerprint, limits, hour, now), nil
	}
	return counter, nil
}

func freshCounter(fingerprint string, limits config.Limits, hour, now time.Time) CounterState {
	return CounterState{
		Fingerprint:     fingerprint,
		HourStart:       hour,
		TokensRemaining: limits.TokensPerHour,
		Concurrent:      0,
		UpdatedAt:       now,
	}
}

func (g *Governor) loadBreaker(fingerprint string) (BreakerState, error) {
	var breaker BreakerState
	err := g.store.Load(statestore.KindBreaker, fingerprint, &breaker)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		return BreakerState{Fingerprint: fingerprint}, nil
	case err != nil:
		return BreakerState{}, fmt.Errorf("governor: breaker for %s: %w", fingerprint, err)
	}
	return breaker, nil
}

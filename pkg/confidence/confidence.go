// Package confidence maintains the per-fingerprint trust score used as an
// eligibility signal. Confidence starts at 1.0 and is monotonically
// non-increasing: no signal in this package can raise it. Recovery happens
// through the probation success streak, which is gated on non-regression of
// this score rather than on any increase.
package confidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/statestore"
)

// Signal is a negative behavioral observation.
type Signal string

const (
	SignalPolicyDenial Signal = "POLICY_DENIAL"
	SignalRollback     Signal = "ROLLBACK"
	SignalThrottle     Signal = "THROTTLE"
)

// penalties are the fixed deltas per signal. There is no positive signal.
var penalties = map[Signal]float64{
	SignalPolicyDenial: -0.2,
	SignalRollback:     -0.4,
	SignalThrottle:     -0.1,
}

// ErrUnknownSignal is returned for a signal with no configured penalty.
var ErrUnknownSignal = errors.New("confidence: unknown signal")

// Entry records one applied signal with its before/after values.
type Entry struct {
	Signal Signal    `json:"signal"`
	Delta  float64   `json:"delta"`
	Before float64   `json:"before"`
	After  float64   `json:"after"`
	At     time.Time `json:"at"`
}

// Record is the persisted confidence state for one fingerprint.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Confidence  float64   `json:"confidence"`
	UpdatedAt   time.Time `json:"updated_at"`
	Signals     []Entry   `json:"signals"`
}

// Engine owns confidence records. No other component mutates them.
type Engine struct {
	store  *statestore.Store
	ledger receipts.Ledger
	clock  func() time.Time
}

// NewEngine creates a confidence engine over the given store and ledger.
func NewEngine(store *statestore.Store, ledger receipts.Ledger) *Engine {
	return &Engine{store: store, ledger: ledger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Read returns the record for a fingerprint. A fingerprint with no record
// has full confidence; a corrupt record is surfaced as-is so callers can
// fail closed.
func (e *Engine) Read(fingerprint string) (Record, error) {
	var rec Record
	err := e.store.Load(statestore.KindConfidence, fingerprint, &rec)
	if errors.Is(err, statestore.ErrNotFound) {
		return e.fresh(fingerprint), nil
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Update applies one signal under the fingerprint's lock and persists the
// result immediately. The new confidence is clamp(min(prev, prev+delta), 0, 1):
// it can never exceed the previous value.
func (e *Engine) Update(ctx context.Context, fingerprint string, signal Signal) (Record, error) {
	delta, ok := penalties[signal]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}

	unlock := e.store.Lock(statestore.KindConfidence, fingerprint)
	defer unlock()

	rec, err := e.Read(fingerprint)
	if err != nil {
		return Record{}, err
	}

	now := e.clock().UTC()
	before := rec.Confidence
	after := clampMonotonic(before, delta)

	rec.Confidence = after
	rec.UpdatedAt = now
	rec.Signals = append(rec.Signals, Entry{
		Signal: signal,
		Delta:  delta,
		Before: before,
		After:  after,
		At:     now,
	})

	if err := e.store.Save(statestore.KindConfidence, fingerprint, rec); err != nil {
		return Record{}, err
	}

	if _, err := e.ledger.Append(ctx, "ConfidencePenalized", map[string]interface{}{
		"fingerprint": fingerprint,
		"signal":      string(signal),
		"delta":       delta,
		"before":      before,
		"after":       after,
	}); err != nil {
		return Record{}, fmt.Errorf("confidence: receipt for %s: %w", fingerprint, err)
	}

	return rec, nil
}

func (e *Engine) fresh(fingerprint string) Record {
	return Record{
		Fingerprint: fingerprint,
		Confidence:  1.0,
		UpdatedAt:   e.clock().UTC(),
		Signals:     []Entry{},
	}
}

// clampMonotonic applies a delta without ever increasing the score and
// bounds the result to [0, 1].
func clampMonotonic(previous, delta float64) float64 {
	next := previous + delta
	if next > previous {
		next = previous
	}
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	return next
}

// Package session is the composition root of the governance core. It wires
// the fingerprint deriver, requalification machine, run governor, and
// confidence engine into the two entry points callers use: Govern before a
// run and Report after it. Every decision leaves a receipt.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/confidence"
	"github.com/Mindburn-Labs/warden/pkg/fingerprint"
	"github.com/Mindburn-Labs/warden/pkg/governor"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/requalify"
)

// Deny causes reported on decisions the governor never saw.
const (
	CauseSuspended    = "SUSPENDED"
	CauseStateCorrupt = "STATE_CORRUPT"
	CauseModeOff      = "MODE_OFF"
)

// GovernRequest asks whether a command may run now.
type GovernRequest struct {
	Command  string         `json:"command"`
	Domain   string         `json:"domain"`
	Mode     requalify.Mode `json:"autonomy_mode"`
	Simulate bool           `json:"simulate,omitempty"`
}

// GovernResult is the full governance answer for one request.
type GovernResult struct {
	Fingerprint   string            `json:"fingerprint"`
	State         requalify.State   `json:"state"`
	NominalMode   requalify.Mode    `json:"nominal_mode"`
	EffectiveMode requalify.Mode    `json:"effective_mode"`
	Cause         string            `json:"cause,omitempty"`
	Decision      governor.Decision `json:"decision"`
}

// ReportResult summarizes the bookkeeping applied to one reported outcome.
type ReportResult struct {
	Fingerprint     string           `json:"fingerprint"`
	Confidence      float64          `json:"confidence"`
	Requalification requalify.Record `json:"requalification"`
	Promoted        bool             `json:"promoted"`
}

// Status is the read-only governance view of one fingerprint.
type Status struct {
	Requalification requalify.Record  `json:"requalification"`
	Confidence      confidence.Record `json:"confidence"`
}

// Session composes the governance subsystems behind a single facade.
type Session struct {
	deriver    *fingerprint.Deriver
	machine    *requalify.Machine
	governor   *governor.Governor
	confidence *confidence.Engine
	ledger     receipts.Ledger
	metrics    *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time
}

// New wires a Session from its subsystems.
func New(deriver *fingerprint.Deriver, machine *requalify.Machine, gov *governor.Governor,
	conf *confidence.Engine, ledger receipts.Ledger, metrics *observability.Provider) *Session {
	return &Session{
		deriver:    deriver,
		machine:    machine,
		governor:   gov,
		confidence: conf,
		ledger:     ledger,
		metrics:    metrics,
		logger:     slog.Default().With("component", "session"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Session) WithClock(clock func() time.Time) *Session {
	s.clock = clock
	return s
}

// Govern runs the full pre-execution pipeline: advance pending cooldowns,
// derive the fingerprint, resolve the requalification state and effective
// mode, then ask the governor. SUSPENDED fingerprints and OFF mode are denied
// before the governor is consulted. A simulated call computes the same result
// without persisting state or appending receipts.
func (s *Session) Govern(ctx context.Context, req GovernRequest) (GovernResult, error) {
	ctx, span := s.metrics.StartSpan(ctx, "session.govern")
	defer span.End()
	start := time.Now()

	now := s.clock().UTC()
	if moved, err := s.machine.AdvanceCooldowns(ctx, now); err != nil {
		// A corrupt record elsewhere must not block this fingerprint;
		// its own state check below still fails closed.
		s.logger.WarnContext(ctx, "cooldown advance incomplete", "error", err)
	} else if len(moved) > 0 {
		s.logger.InfoContext(ctx, "probation started", "fingerprints", moved)
	}

	fp := s.deriver.Derive(req.Command, req.Domain)
	result := GovernResult{
		Fingerprint: fp,
		NominalMode: req.Mode,
	}

	rec, stateErr := s.machine.StateOf(fp)
	result.State = rec.State
	result.EffectiveMode = requalify.EffectiveMode(req.Mode, rec.State)

	switch {
	case stateErr != nil:
		result.Cause = CauseStateCorrupt
		result.Decision = governor.Decision{Fingerprint: fp, Outcome: governor.OutcomeDeny, Simulated: req.Simulate}
		s.recordDenied(ctx, req, result, stateErr)
		return result, nil
	case rec.State == requalify.StateSuspended:
		result.Cause = CauseSuspended
		result.Decision = governor.Decision{Fingerprint: fp, Outcome: governor.OutcomeDeny, Simulated: req.Simulate}
		s.recordDenied(ctx, req, result, nil)
		return result, nil
	case result.EffectiveMode == requalify.ModeOff:
		result.Cause = CauseModeOff
		result.Decision = governor.Decision{Fingerprint: fp, Outcome: governor.OutcomeDeny, Simulated: req.Simulate}
		s.recordDenied(ctx, req, result, nil)
		return result, nil
	}

	decision, err := s.governor.Decide(ctx, fp, string(result.EffectiveMode), now, req.Simulate)
	if err != nil {
		s.appendBestEffort(ctx, "GovernanceErrored", map[string]interface{}{
			"fingerprint": fp,
			"stage":       "governor",
			"error":       err.Error(),
		})
		return GovernResult{}, fmt.Errorf("session: govern %s: %w", fp, err)
	}
	result.Decision = decision

	if !req.Simulate {
		event := "RunGoverned"
		if !decision.Allowed() {
			event = "RunDenied"
		}
		s.appendBestEffort(ctx, event, decisionPayload(req, result))
	}

	s.metrics.RecordDecision(ctx, fp, decision.Outcome, decision.Reason)
	s.metrics.RecordDecideDuration(ctx, time.Since(start), fp)
	s.logger.InfoContext(ctx, "governance decision",
		"fingerprint", fp,
		"decision", decision.Outcome,
		"reason", decision.Reason,
		"mode", result.EffectiveMode,
		"simulate", req.Simulate,
	)
	return result, nil
}

// Report feeds a completed run back into the core: penalties for denials,
// throttles and rollbacks, the rollback tally for the breaker, and the
// probation streak. Always appends a RunReported receipt.
func (s *Session) Report(ctx context.Context, fp string, outcome requalify.Outcome) (ReportResult, error) {
	ctx, span := s.metrics.StartSpan(ctx, "session.report")
	defer span.End()

	for _, signal := range signalsFor(outcome) {
		if _, err := s.confidence.Update(ctx, fp, signal); err != nil {
			return ReportResult{}, fmt.Errorf("session: report %s: %w", fp, err)
		}
		s.metrics.RecordPenalty(ctx, fp, string(signal))
	}

	if outcome.RolledBack {
		tally, err := s.governor.RecordRollback(ctx, fp)
		if err != nil {
			return ReportResult{}, fmt.Errorf("session: report %s: %w", fp, err)
		}
		s.logger.WarnContext(ctx, "rollback recorded", "fingerprint", fp, "tally", tally)
	}

	conf, err := s.confidence.Read(fp)
	if err != nil {
		return ReportResult{}, fmt.Errorf("session: report %s: %w", fp, err)
	}
	outcome.Confidence = conf.Confidence

	rec, promoted, err := s.machine.ReportOutcome(ctx, fp, outcome)
	if err != nil {
		return ReportResult{}, fmt.Errorf("session: report %s: %w", fp, err)
	}
	if promoted {
		s.metrics.RecordPromotion(ctx, fp)
		s.logger.InfoContext(ctx, "requalification recommended", "fingerprint", fp)
	}

	s.appendBestEffort(ctx, "RunReported", map[string]interface{}{
		"fingerprint": fp,
		"success":     outcome.Success,
		"rolled_back": outcome.RolledBack,
		"throttled":   outcome.Throttled,
		"denied":      outcome.PolicyDenied,
		"confidence":  conf.Confidence,
		"state":       string(rec.State),
	})

	return ReportResult{
		Fingerprint:     fp,
		Confidence:      conf.Confidence,
		Requalification: rec,
		Promoted:        promoted,
	}, nil
}

// Begin marks an allowed run as in flight. Pair with End around execution.
func (s *Session) Begin(ctx context.Context, fp string) error {
	return s.governor.BeginRun(ctx, fp)
}

// End marks a run as finished.
func (s *Session) End(ctx context.Context, fp string) error {
	return s.governor.EndRun(ctx, fp)
}

// Suspend demotes a fingerprint until the cooldown elapses.
func (s *Session) Suspend(ctx context.Context, fp, cause string, cooldownUntil time.Time) (requalify.Record, error) {
	return s.machine.Suspend(ctx, fp, cause, cooldownUntil)
}

// StatusOf returns the governance view of one fingerprint. A corrupt
// requalification record surfaces as SUSPENDED with the error attached.
func (s *Session) StatusOf(fp string) (Status, error) {
	rec, recErr := s.machine.StateOf(fp)
	conf, confErr := s.confidence.Read(fp)
	if recErr != nil {
		return Status{Requalification: rec, Confidence: conf}, recErr
	}
	if confErr != nil {
		return Status{Requalification: rec, Confidence: conf}, confErr
	}
	return Status{Requalification: rec, Confidence: conf}, nil
}

// VerifyLedger replays the full receipt chain.
func (s *Session) VerifyLedger(ctx context.Context) (receipts.VerifyResult, error) {
	return s.ledger.Verify(ctx)
}

// Ledger exposes the underlying ledger for read paths.
func (s *Session) Ledger() receipts.Ledger {
	return s.ledger
}

func (s *Session) recordDenied(ctx context.Context, req GovernRequest, result GovernResult, cause error) {
	if !req.Simulate {
		event := "RunDenied"
		payload := decisionPayload(req, result)
		if cause != nil {
			event = "GovernanceErrored"
			payload["error"] = cause.Error()
		}
		s.appendBestEffort(ctx, event, payload)
	}
	s.metrics.RecordDecision(ctx, result.Fingerprint, result.Decision.Outcome, result.Cause)
	s.logger.WarnContext(ctx, "run denied before governor",
		"fingerprint", result.Fingerprint,
		"cause", result.Cause,
		"state", result.State,
	)
}

// appendBestEffort writes a receipt, logging rather than failing the caller
// when the ledger is unavailable. Decisions already made stay made.
func (s *Session) appendBestEffort(ctx context.Context, event string, data map[string]interface{}) {
	if _, err := s.ledger.Append(ctx, event, data); err != nil {
		s.logger.ErrorContext(ctx, "receipt append failed", "event", event, "error", err)
	}
}

func decisionPayload(req GovernRequest, result GovernResult) map[string]interface{} {
	payload := map[string]interface{}{
		"fingerprint":    result.Fingerprint,
		"decision":       result.Decision.Outcome,
		"state":          string(result.State),
		"nominal_mode":   string(result.NominalMode),
		"effective_mode": string(result.EffectiveMode),
	}
	if result.Decision.Reason != "" {
		payload["reason"] = result.Decision.Reason
	}
	if result.Cause != "" {
		payload["cause"] = result.Cause
	}
	if result.Decision.RetryAfter != nil {
		payload["retry_after"] = result.Decision.RetryAfter.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

// signalsFor maps a reported outcome onto its confidence penalties.
func signalsFor(o requalify.Outcome) []confidence.Signal {
	var signals []confidence.Signal
	if o.PolicyDenied {
		signals = append(signals, confidence.SignalPolicyDenial)
	}
	if o.Throttled {
		signals = append(signals, confidence.SignalThrottle)
	}
	if o.RolledBack {
		signals = append(signals, confidence.SignalRollback)
	}
	return signals
}

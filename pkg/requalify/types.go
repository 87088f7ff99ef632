// Package requalify implements the four-state requalification machine that
// demotes a command class and lets it earn trust back through an unbroken
// streak of clean executions.
//
// Transitions are one-directional except the earn-back cycle
// SUSPENDED → PROBATION → ELIGIBLE. Nothing here promotes a fingerprint back
// to ACTIVE: ELIGIBLE is a recommendation awaiting an explicit operator
// action outside this core.
package requalify

import "time"

// State is the requalification state of a fingerprint.
// A fingerprint with no record is implicitly ACTIVE.
type State string

const (
	StateActive    State = "ACTIVE"
	StateSuspended State = "SUSPENDED"
	StateProbation State = "PROBATION"
	StateEligible  State = "ELIGIBLE"
)

// Mode is an autonomy permission level, ordered from most to least
// restrictive.
type Mode string

const (
	ModeOff        Mode = "OFF"
	ModeReadOnly   Mode = "READ_ONLY"
	ModeSupervised Mode = "SUPERVISED"
	ModeAutonomous Mode = "AUTONOMOUS"
)

// Transition causes recorded on requalification records and receipts.
const (
	CauseCooldownElapsed  = "COOLDOWN_ELAPSED"
	CauseProbationSuccess = "PROBATION_SUCCESS_THRESHOLD"
	CauseCorruptState     = "STATE_CORRUPT"
)

// modeRank orders modes by permissiveness.
func modeRank(m Mode) (int, bool) {
	switch m {
	case ModeOff:
		return 0, true
	case ModeReadOnly:
		return 1, true
	case ModeSupervised:
		return 2, true
	case ModeAutonomous:
		return 3, true
	default:
		return 0, false
	}
}

// EffectiveMode computes the autonomy mode actually applied to a run. Pure
// function: OFF stays OFF always; PROBATION forces the most restrictive
// read-only mode; everything else passes the nominal mode through.
func EffectiveMode(nominal Mode, state State) Mode {
	if nominal == ModeOff {
		return ModeOff
	}
	if state == StateProbation {
		return ModeReadOnly
	}
	return nominal
}

// Record is the persisted requalification state for one fingerprint.
type Record struct {
	Fingerprint     string     `json:"fingerprint"`
	State           State      `json:"state"`
	Cause           string     `json:"cause,omitempty"`
	Since           time.Time  `json:"since"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	SuccessCount    int        `json:"success_count"`
	Required        int        `json:"required"`
	LastConfidence  float64    `json:"last_confidence"`
	StreakStartedAt *time.Time `json:"streak_started_at,omitempty"`
}

// Outcome is one reported run result for a governed fingerprint.
type Outcome struct {
	Success          bool    `json:"success"`
	GovernorDecision string  `json:"governor_decision"`
	PolicyDenied     bool    `json:"policy_denied"`
	Throttled        bool    `json:"throttled"`
	RolledBack       bool    `json:"rolled_back"`
	ApprovalRequired bool    `json:"approval_required"`
	NominalMode      Mode    `json:"nominal_mode"`
	EffectiveMode    Mode    `json:"effective_mode"`
	Confidence       float64 `json:"confidence"`
}

// qualifies reports whether an outcome counts toward the probation streak.
// Probation requires an unbroken run of fully clean executions: success,
// ALLOW, no denial, no throttle, no rollback, no approval, no silent mode
// escalation, and non-regressing confidence.
func (o Outcome) qualifies(lastConfidence float64) bool {
	if !o.Success || o.GovernorDecision != "ALLOW" {
		return false
	}
	if o.PolicyDenied || o.Throttled || o.RolledBack || o.ApprovalRequired {
		return false
	}
	effRank, effOK := modeRank(o.EffectiveMode)
	nomRank, nomOK := modeRank(o.NominalMode)
	if !effOK || !nomOK || effRank > nomRank {
		return false
	}
	return o.Confidence >= lastConfidence
}

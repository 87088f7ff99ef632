// Package receipts implements the append-only, hash-chained governance
// ledger. Every governance decision, state transition, and confidence
// penalty is receipted — no silent drops. The chain is a single total
// order: each receipt binds the previous receipt's chain hash, so content
// tampering, reordering, splicing, and deletion are all detectable on
// verification.
package receipts

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// Algorithm identifies the hash function used for receipt and chain hashes.
	Algorithm = "sha256"

	// FormatVersion is the receipt format written by this build.
	FormatVersion = "1.0.0"
)

// formatConstraint is the semver range of readable ledger formats.
var formatConstraint *semver.Constraints

func init() {
	c, err := semver.NewConstraint("^1.0")
	if err != nil {
		panic(fmt.Sprintf("receipts: invalid format constraint: %v", err))
	}
	formatConstraint = c
}

// ErrUnsupportedFormat is returned when a persisted ledger was written by an
// incompatible format version.
var ErrUnsupportedFormat = errors.New("receipts: unsupported ledger format version")

// Integrity is the tamper-evidence block attached to every receipt.
type Integrity struct {
	ReceiptHash       string `json:"receipt_hash"`
	ChainHash         string `json:"chain_hash"`
	PreviousChainHash string `json:"previous_chain_hash"`
	Algorithm         string `json:"algorithm"`
}

// Receipt is one immutable, ordered entry in the governance ledger.
// Timestamp is RFC 3339 (nanoseconds, UTC) — kept as a string so the hash
// input survives serialization round trips byte-for-byte.
type Receipt struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Integrity Integrity              `json:"integrity"`
}

// VerifyResult reports the outcome of a chain verification pass.
// BrokenAt is the index of the first receipt that failed verification;
// nothing at or after that index is trusted.
type VerifyResult struct {
	Valid    bool `json:"valid"`
	BrokenAt *int `json:"broken_at,omitempty"`
}

// checkFormat validates the format_version recorded in a receipt's metadata
// against the range this build can read. Receipts without a recorded format
// are rejected — fail closed rather than guess.
func checkFormat(r Receipt) error {
	raw, ok := r.Metadata["format_version"].(string)
	if !ok || raw == "" {
		return fmt.Errorf("%w: no format_version recorded", ErrUnsupportedFormat)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedFormat, raw, err)
	}
	if !formatConstraint.Check(v) {
		return fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedFormat, raw, formatConstraint)
	}
	return nil
}

// Package fingerprint derives the stable identifier used as the unit of
// governance. The same semantic command always yields the same fingerprint;
// cosmetic formatting (whitespace runs, verb casing, Unicode encoding forms)
// never changes it.
package fingerprint

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
)

// Fixed semantic fingerprints for the known high-risk command shapes.
const (
	Requalify  = "op.autonomy.requalify"
	IntakeScan = "op.intake.scan"
)

// writeVerbs are the state-changing verbs that classify an adapter command
// as a write operation.
var writeVerbs = map[string]bool{
	"set":    true,
	"create": true,
	"update": true,
	"delete": true,
	"send":   true,
	"write":  true,
}

// Derive maps a raw command (plus optional domain) to its fingerprint using
// only the built-in shapes. Pure function, no side effects.
func Derive(command, domain string) string {
	cmd := normalize(command)
	if fp, ok := matchShape(cmd); ok {
		return fp
	}
	return digest(cmd, normalize(domain))
}

// matchShape checks the built-in high-risk shapes against a normalized
// command. Shape matching is insensitive to whitespace runs and verb casing.
func matchShape(cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}

	head := strings.ToLower(fields[0])
	verb := strings.ToLower(fields[1])

	switch {
	case head == "/autonomy" && verb == "requalify":
		return Requalify, true
	case head == "/intake" && verb == "scan":
		return IntakeScan, true
	case writeVerbs[verb]:
		adapter := strings.TrimPrefix(head, "/")
		if adapter == "" {
			return "", false
		}
		return "op." + adapter + ".write", true
	}
	return "", false
}

// digest is the fallback fingerprint: a SHA-256 hex of domain|command.
// Unrelated commands never collide except by hash coincidence; identical
// commands always do.
func digest(cmd, domain string) string {
	return canonicalize.HashString(domain + "|" + cmd)
}

// normalize applies Unicode NFC and collapses whitespace runs so encoding
// and formatting differences cannot split one command class into several.
func normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

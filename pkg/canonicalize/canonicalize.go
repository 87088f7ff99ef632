// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization and SHA-256 content hashing for WARDEN artifacts.
//
// Every hash that participates in the receipt chain goes through this
// package so the chain is reproducible bit-for-bit across processes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Strategy: marshal with encoding/json first so struct tags are respected,
// then run the result through the JCS transform, which sorts object keys by
// UTF-8 bytes and normalizes number formatting.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v.
func Hash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString computes the SHA-256 hash of a string and returns a hex string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// Package statestore persists per-fingerprint governance records as JSON
// documents, one file per fingerprint per record kind.
//
// Two failure modes are deliberately distinguishable: a record that does not
// exist returns ErrNotFound (callers may apply their documented default),
// while a record that exists but cannot be parsed — or parses but violates
// its schema — returns ErrCorrupt and must be treated fail-closed by every
// caller. Corruption is never silently coerced into an absent record.
//
// The store also provides the per-fingerprint mutual exclusion used by the
// governor, confidence engine, and requalification machine: one lock per
// (kind, fingerprint) pair, held across the full read-decide-write sequence.
// Locks for different fingerprints are independent.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind identifies a governance record type. Each kind is owned by exactly
// one component; the store never arbitrates between owners.
type Kind string

const (
	KindCounter         Kind = "counters"
	KindBreaker         Kind = "breakers"
	KindRequalification Kind = "requalification"
	KindConfidence      Kind = "confidence"
)

var (
	// ErrNotFound means no record exists for the fingerprint.
	ErrNotFound = errors.New("statestore: record not found")

	// ErrCorrupt means a record exists but is unreadable or schema-invalid.
	ErrCorrupt = errors.New("statestore: record corrupt")
)

// Store is a file-backed record store rooted at a state directory.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	schemas map[Kind]*jsonschema.Schema
}

// New creates the store, its directory tree, and compiles the record schemas.
func New(root string) (*Store, error) {
	s := &Store{
		root:    root,
		locks:   make(map[string]*sync.Mutex),
		schemas: make(map[Kind]*jsonschema.Schema),
	}

	for kind, src := range recordSchemas {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0700); err != nil {
			return nil, fmt.Errorf("statestore: create %s dir: %w", kind, err)
		}
		schema, err := jsonschema.CompileString(string(kind)+".schema.json", src)
		if err != nil {
			return nil, fmt.Errorf("statestore: compile %s schema: %w", kind, err)
		}
		s.schemas[kind] = schema
	}
	return s, nil
}

// Lock acquires the mutex for one fingerprint's record of the given kind and
// returns the unlock function. Callers hold it for the whole
// read-decide-write sequence and must never hold locks for two different
// fingerprints at once.
func (s *Store) Lock(kind Kind, fingerprint string) func() {
	key := string(kind) + "/" + fingerprint

	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Load reads the record for (kind, fingerprint) into out.
// Returns ErrNotFound when absent and ErrCorrupt when unreadable or invalid.
func (s *Store) Load(kind Kind, fingerprint string, out interface{}) error {
	raw, err := os.ReadFile(s.path(kind, fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: read %s/%s: %v", ErrCorrupt, kind, fingerprint, err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("%w: parse %s/%s: %v", ErrCorrupt, kind, fingerprint, err)
	}
	if err := s.schemas[kind].Validate(generic); err != nil {
		return fmt.Errorf("%w: validate %s/%s: %v", ErrCorrupt, kind, fingerprint, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s/%s: %v", ErrCorrupt, kind, fingerprint, err)
	}
	return nil
}

// Save atomically persists the record for (kind, fingerprint): write to a
// temp file in the same directory, then rename over the destination.
func (s *Store) Save(kind Kind, fingerprint string, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode %s/%s: %w", kind, fingerprint, err)
	}

	dst := s.path(kind, fingerprint)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("statestore: temp file for %s/%s: %w", kind, fingerprint, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("statestore: write %s/%s: %w", kind, fingerprint, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("statestore: close %s/%s: %w", kind, fingerprint, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("statestore: commit %s/%s: %w", kind, fingerprint, err)
	}
	return nil
}

// List returns the fingerprints that currently have a record of this kind.
func (s *Store) List(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind)))
	if err != nil {
		return nil, fmt.Errorf("statestore: list %s: %w", kind, err)
	}

	var fingerprints []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		fp, err := unescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // foreign file, not one of ours
		}
		fingerprints = append(fingerprints, fp)
	}
	return fingerprints, nil
}

func (s *Store) path(kind Kind, fingerprint string) string {
	return filepath.Join(s.root, string(kind), escape(fingerprint)+".json")
}

// escape produces a filesystem-safe filename for a fingerprint. Alphanumerics
// plus '.', '_' and '-' pass through; everything else becomes %XX.
func escape(fp string) string {
	var b strings.Builder
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func unescape(name string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] != '%' {
			b.WriteByte(name[i])
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("statestore: truncated escape in %q", name)
		}
		var c byte
		if _, err := fmt.Sscanf(name[i+1:i+3], "%02X", &c); err != nil {
			return "", fmt.Errorf("statestore: bad escape in %q: %w", name, err)
		}
		b.WriteByte(c)
		i += 2
	}
	return b.String(), nil
}

package statestore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	Fingerprint     string    `json:"fingerprint"`
	HourStart       time.Time `json:"hour_start"`
	TokensRemaining int       `json:"tokens_remaining"`
	Concurrent      int       `json:"concurrent"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	in := counterDoc{
		Fingerprint:     "op.notion.write",
		HourStart:       now.Truncate(time.Hour),
		TokensRemaining: 4,
		Concurrent:      1,
		UpdatedAt:       now,
	}
	require.NoError(t, s.Save(statestore.KindCounter, in.Fingerprint, in))

	var out counterDoc
	require.NoError(t, s.Load(statestore.KindCounter, in.Fingerprint, &out))
	assert.Equal(t, in, out)
}

func TestStore_MissingIsNotFound(t *testing.T) {
	s := newStore(t)

	var out counterDoc
	err := s.Load(statestore.KindCounter, "nope", &out)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestStore_UnparseableIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := statestore.New(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "counters", "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	var out counterDoc
	err = s.Load(statestore.KindCounter, "broken", &out)
	assert.ErrorIs(t, err, statestore.ErrCorrupt)
	assert.NotErrorIs(t, err, statestore.ErrNotFound)
}

func TestStore_SchemaViolationIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := statestore.New(dir)
	require.NoError(t, err)

	// Parseable JSON, but tokens_remaining has the wrong type.
	doc := `{"fingerprint":"x","hour_start":"2026-01-01T00:00:00Z","tokens_remaining":"many","concurrent":0,"updated_at":"2026-01-01T00:00:00Z"}`
	path := filepath.Join(dir, "counters", "x.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	var out counterDoc
	err = s.Load(statestore.KindCounter, "x", &out)
	assert.ErrorIs(t, err, statestore.ErrCorrupt)
}

func TestStore_ListRoundTripsEscapedFingerprints(t *testing.T) {
	s := newStore(t)

	weird := "op/needs:escaping|badly"
	in := counterDoc{
		Fingerprint:     weird,
		HourStart:       time.Now().UTC().Truncate(time.Hour),
		TokensRemaining: 1,
		UpdatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.Save(statestore.KindCounter, weird, in))

	fps, err := s.List(statestore.KindCounter)
	require.NoError(t, err)
	assert.Contains(t, fps, weird)
}

func TestStore_LockIsPerFingerprint(t *testing.T) {
	s := newStore(t)

	unlockA := s.Lock(statestore.KindCounter, "a")

	// A different fingerprint's lock must not block.
	done := make(chan struct{})
	go func() {
		unlockB := s.Lock(statestore.KindCounter, "b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock for a different fingerprint blocked")
	}
	unlockA()

	// Same fingerprint serializes.
	unlockA = s.Lock(statestore.KindCounter, "a")
	acquired := make(chan struct{})
	go func() {
		unlock := s.Lock(statestore.KindCounter, "a")
		unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on same fingerprint acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-acquired
}

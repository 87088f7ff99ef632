package confidence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/warden/pkg/confidence"
	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/Mindburn-Labs/warden/pkg/statestore"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *confidence.Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := statestore.New(dir)
	require.NoError(t, err)
	ledger, err := receipts.NewFileLedger(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)
	return confidence.NewEngine(store, ledger)
}

func TestRead_MissingRecordHasFullConfidence(t *testing.T) {
	e := newEngine(t)

	rec, err := e.Read("op.notion.write")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Confidence)
	assert.Empty(t, rec.Signals)
}

func TestUpdate_PenaltiesAreMonotonic(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	fp := "op.notion.write"

	rec, err := e.Update(ctx, fp, confidence.SignalRollback)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9)

	rec, err = e.Update(ctx, fp, confidence.SignalPolicyDenial)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, rec.Confidence, 1e-9)

	require.Len(t, rec.Signals, 2)
	assert.InDelta(t, 1.0, rec.Signals[0].Before, 1e-9)
	assert.InDelta(t, 0.6, rec.Signals[0].After, 1e-9)
	assert.InDelta(t, 0.6, rec.Signals[1].Before, 1e-9)
	assert.InDelta(t, 0.4, rec.Signals[1].After, 1e-9)
}

func TestUpdate_FloorsAtZero(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	fp := "op.gmail.write"

	for i := 0; i < 4; i++ {
		_, err := e.Update(ctx, fp, confidence.SignalRollback)
		require.NoError(t, err)
	}

	rec, err := e.Read(fp)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Confidence)
}

func TestUpdate_UnknownSignalRejected(t *testing.T) {
	e := newEngine(t)

	_, err := e.Update(context.Background(), "fp", confidence.Signal("PRAISE"))
	assert.ErrorIs(t, err, confidence.ErrUnknownSignal)
}

func TestUpdate_AppendsReceipt(t *testing.T) {
	dir := t.TempDir()
	store, err := statestore.New(dir)
	require.NoError(t, err)
	ledger, err := receipts.NewFileLedger(filepath.Join(dir, "receipts.jsonl"))
	require.NoError(t, err)
	e := confidence.NewEngine(store, ledger)

	_, err = e.Update(context.Background(), "fp", confidence.SignalThrottle)
	require.NoError(t, err)

	entries, err := ledger.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ConfidencePenalized", entries[0].Event)
	assert.Equal(t, "THROTTLE", entries[0].Data["signal"])
}

// Property: no sequence of signals ever raises confidence at any step, and
// the score stays within [0, 1].
func TestConfidence_MonotonicityProperty(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	signals := []confidence.Signal{
		confidence.SignalPolicyDenial,
		confidence.SignalRollback,
		confidence.SignalThrottle,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	properties.Property("confidence never increases", prop.ForAll(
		func(picks []int8, fpSeed int8) bool {
			fp := "prop-" + string(rune('a'+(int(fpSeed)%26+26)%26))
			prev, err := e.Read(fp)
			if err != nil {
				return false
			}
			last := prev.Confidence
			for _, p := range picks {
				sig := signals[(int(p)%3+3)%3]
				rec, err := e.Update(ctx, fp, sig)
				if err != nil {
					return false
				}
				if rec.Confidence > last || rec.Confidence < 0 || rec.Confidence > 1 {
					return false
				}
				last = rec.Confidence
			}
			return true
		},
		gen.SliceOf(gen.Int8()),
		gen.Int8(),
	))

	properties.TestingRun(t)
}

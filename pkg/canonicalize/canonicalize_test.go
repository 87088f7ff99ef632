package canonicalize_test

import (
	"testing"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	in := map[string]interface{}{
		"zebra": 1,
		"alpha": "x",
		"mid":   map[string]interface{}{"b": true, "a": false},
	}

	out, err := canonicalize.JCS(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":{"a":false,"b":true},"zebra":1}`, string(out))
}

func TestJCS_RespectsStructTags(t *testing.T) {
	type payload struct {
		Event string `json:"event"`
		Seq   int    `json:"seq"`
	}

	out, err := canonicalize.JCS(payload{Event: "RunGoverned", Seq: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"event":"RunGoverned","seq":7}`, string(out))
}

func TestHash_DeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "two"}
	b := map[string]interface{}{"y": "two", "x": 1}

	ha, err := canonicalize.Hash(a)
	require.NoError(t, err)
	hb, err := canonicalize.Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHashString(t *testing.T) {
	// SHA-256 of the empty string is a well-known constant.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		canonicalize.HashString(""))
}

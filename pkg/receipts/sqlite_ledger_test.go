package receipts_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/warden/pkg/receipts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newSQLiteLedger(t *testing.T) *receipts.SQLiteLedger {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "receipts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := receipts.NewSQLiteLedger(db)
	require.NoError(t, err)
	return l
}

func TestSQLiteLedger_AppendAndVerify(t *testing.T) {
	l := newSQLiteLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "RunGoverned", map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, entries[0].Integrity.ChainHash, entries[1].Integrity.PreviousChainHash)

	res, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSQLiteLedger_EmptyVerify(t *testing.T) {
	l := newSQLiteLedger(t)

	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

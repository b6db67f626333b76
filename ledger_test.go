package cttso_pieriandx_gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerFixtures() []SubmissionState {
	end := fixtureTime.Add(-48 * time.Hour)
	return []SubmissionState{
		{Key: keyB, Lifecycle: LifecyclePending, InPortal: true, PortalRunID: "20211010L2100002", PortalRunStatus: RunSucceeded, PortalRunEnd: &end, UpdatedAt: fixtureTime},
		{Key: keyA, Lifecycle: LifecycleInProgress, InPortal: true, InVendorSystem: true, VendorCaseID: "101", VendorJobID: "1", VendorJobStatus: "running", SubmissionTime: &end, UpdatedAt: fixtureTime},
	}
}

func exerciseLedger(t *testing.T, ledger Ledger) {
	ctx := context.Background()
	states := ledgerFixtures()
	for _, s := range states {
		require.NoError(t, ledger.Upsert(ctx, s.Key, s))
	}

	got, err := ledger.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, states[1], got[0])
	assert.Equal(t, states[0], got[1])

	updated := states[1]
	updated.VendorJobStatus = "complete"
	require.NoError(t, ledger.Upsert(ctx, updated.Key, updated))
	got, err = ledger.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "complete", got[0].VendorJobStatus)

	require.NoError(t, ledger.Retire(ctx, states[0]))
	got, err = ledger.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keyA, got[0].Key)

	retired, err := ledger.ReadRetired(ctx)
	require.NoError(t, err)
	require.Len(t, retired, 1)
	assert.Equal(t, keyB, retired[0].Key)
	assert.Equal(t, LifecycleDeleted, retired[0].Lifecycle)
	assert.True(t, retired[0].IsDeleted)
}

func TestLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("Memory", func(t *testing.T) {
		exerciseLedger(t, NewMemoryLedger())
	})

	t.Run("SQLiteFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state", "ledger.db")
		l, err := OpenSQLiteLedger(ctx, path)
		require.NoError(t, err)
		defer l.Close()
		exerciseLedger(t, l)

		reopened, err := OpenSQLiteLedger(ctx, path)
		require.NoError(t, err)
		defer reopened.Close()
		got, err := reopened.ReadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("SQLiteInMemory", func(t *testing.T) {
		l, err := OpenSQLiteLedger(ctx, ":memory:")
		require.NoError(t, err)
		defer l.Close()
		exerciseLedger(t, l)
	})

	t.Run("OpenLedger", func(t *testing.T) {
		l, closeLedger, err := OpenLedger(ctx, LedgerConfig{Driver: "memory"}, DatabricksConfig{})
		require.NoError(t, err)
		defer closeLedger()
		assert.IsType(t, &MemoryLedger{}, l)

		l, closeLedger, err = OpenLedger(ctx, LedgerConfig{Driver: "SQLite", DSN: filepath.Join(t.TempDir(), "l.db")}, DatabricksConfig{})
		require.NoError(t, err)
		defer closeLedger()
		assert.IsType(t, &SQLLedger{}, l)

		_, _, err = OpenLedger(ctx, LedgerConfig{Driver: "mongo"}, DatabricksConfig{})
		assert.Error(t, err)
	})
}

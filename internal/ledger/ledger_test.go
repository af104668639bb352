package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/ledger"
	"github.com/cloudpaste/gateway/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLedger(t *testing.T, l ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	const uploadID = "upload-1"

	has, err := l.HasPart(ctx, uploadID, 1)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, l.RecordPart(ctx, uploadID, ledger.Part{PartNumber: 2, ETag: "etag-2", Size: 20}))
	require.NoError(t, l.RecordPart(ctx, uploadID, ledger.Part{PartNumber: 1, ETag: "etag-1", Size: 10}))

	has, err = l.HasPart(ctx, uploadID, 1)
	require.NoError(t, err)
	require.True(t, has)

	parts, err := l.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	require.Equal(t, 1, parts[0].PartNumber)
	require.Equal(t, 2, parts[1].PartNumber)

	// RecordPart replaces an existing part number rather than duplicating it.
	require.NoError(t, l.RecordPart(ctx, uploadID, ledger.Part{PartNumber: 1, ETag: "etag-1-updated", Size: 11}))
	p, ok, err := l.GetPart(ctx, uploadID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "etag-1-updated", p.ETag)

	merged, err := l.MergeIncomingParts(ctx, uploadID, []ledger.Part{{PartNumber: 3, ETag: "etag-3", Size: 30}})
	require.NoError(t, err)
	require.Len(t, merged, 3)

	complete, err := l.ToCompleteParts(ctx, uploadID)
	require.NoError(t, err)
	require.Len(t, complete, 3)
	require.Equal(t, "etag-1-updated", complete[0].ETag)

	require.NoError(t, l.ReplaceAll(ctx, uploadID, []ledger.Part{{PartNumber: 5, ETag: "etag-5", Size: 50}}))
	parts, err = l.Load(ctx, uploadID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, 5, parts[0].PartNumber)

	l.ClearInMemory(uploadID)
	require.NoError(t, l.ClearPersistent(ctx, uploadID))
	require.NoError(t, l.FlushNow(ctx, uploadID))
}

func TestMemoryLedger(t *testing.T) {
	testLedger(t, ledger.NewMemoryLedger())
}

func TestPersistentLedger(t *testing.T) {
	db := newTestDB(t)
	testLedger(t, ledger.NewPersistentLedger(db.DB))
}

func TestServerRecordsLedger(t *testing.T) {
	db := newTestDB(t)
	testLedger(t, ledger.NewServerRecordsLedger(db.DB))
}

func TestPersistentLedgerClearPersistentRemovesRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	l := ledger.NewPersistentLedger(db.DB)

	require.NoError(t, l.RecordPart(ctx, "up-1", ledger.Part{PartNumber: 1, ETag: "e1", Size: 1}))
	require.NoError(t, l.ClearPersistent(ctx, "up-1"))

	parts, err := l.Load(ctx, "up-1")
	require.NoError(t, err)
	require.Empty(t, parts)
}

func TestForPolicy(t *testing.T) {
	db := newTestDB(t)
	mem := ledger.NewMemoryLedger()

	require.IsType(t, mem, ledger.ForPolicy(driver.LedgerServerCanList, db.DB, mem))
	require.IsType(t, &ledger.PersistentLedger{}, ledger.ForPolicy(driver.LedgerClientKeeps, db.DB, mem))
	require.IsType(t, &ledger.ServerRecordsLedger{}, ledger.ForPolicy(driver.LedgerServerRecords, db.DB, mem))
}

package spool_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/benediktbwimmer/apphub-sub012/timestore/colstats"
	"github.com/benediktbwimmer/apphub-sub012/timestore/spool"
)

func openSpool(t *testing.T, ctx *testcontext.Context, maxBytes int64) *spool.Spool {
	store, err := spool.Open(zaptest.NewLogger(t), spool.Config{
		Path:     filepath.Join(ctx.Dir("spool"), "staging.db"),
		MaxBytes: maxBytes,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func testBatch(signature string, rows ...colstats.Row) spool.Batch {
	return spool.Batch{
		DatasetID:       1,
		Slug:            "observatory-timeseries",
		TableName:       "readings",
		SchemaVersionID: 1,
		Signature:       signature,
		StartTime:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		Rows:            rows,
		ReceivedAt:      time.Now().UTC(),
	}
}

func TestAppendAndGet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openSpool(t, ctx, 0)

	batch, err := store.Append(ctx, testBatch("sig-a", colstats.Row{"temperature_c": 10.0}))
	require.NoError(t, err)
	require.Equal(t, spool.StatusOpen, batch.Status)
	require.Equal(t, int64(1), batch.RowCount)

	// appending the same signature extends the batch
	batch, err = store.Append(ctx, testBatch("sig-a", colstats.Row{"temperature_c": 11.0}))
	require.NoError(t, err)
	require.Equal(t, int64(2), batch.RowCount)

	stored, err := store.Get(ctx, 1, "sig-a")
	require.NoError(t, err)
	require.Len(t, stored.Rows, 2)

	_, err = store.Get(ctx, 1, "sig-missing")
	require.True(t, spool.ErrNotFound.Has(err))
}

func TestRemoveReleasesBytes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openSpool(t, ctx, 0)

	_, err := store.Append(ctx, testBatch("sig-a", colstats.Row{"temperature_c": 10.0}))
	require.NoError(t, err)
	used, err := store.BytesUsed(ctx)
	require.NoError(t, err)
	require.Greater(t, used, int64(0))

	require.NoError(t, store.Remove(ctx, 1, "sig-a"))
	used, err = store.BytesUsed(ctx)
	require.NoError(t, err)
	require.Zero(t, used)

	// removing twice is a no-op
	require.NoError(t, store.Remove(ctx, 1, "sig-a"))
}

func TestSpoolFull(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := openSpool(t, ctx, 16)

	_, err := store.Append(ctx, testBatch("sig-a",
		colstats.Row{"temperature_c": 10.0, "site": "a-very-long-site-name"}))
	require.True(t, spool.ErrSpoolFull.Has(err))
}

func TestListSurvivesReopen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(ctx.Dir("spool"), "staging.db")
	store, err := spool.Open(zaptest.NewLogger(t), spool.Config{Path: path})
	require.NoError(t, err)

	first := testBatch("sig-a", colstats.Row{"temperature_c": 10.0})
	first.ReceivedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = store.Append(ctx, first)
	require.NoError(t, err)

	second := testBatch("sig-b", colstats.Row{"temperature_c": 11.0})
	second.ReceivedAt = time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	_, err = store.Append(ctx, second)
	require.NoError(t, err)

	require.NoError(t, store.Close())

	store, err = spool.Open(zaptest.NewLogger(t), spool.Config{Path: path})
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	batches, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, "sig-a", batches[0].Signature)
	require.Equal(t, "sig-b", batches[1].Signature)
}

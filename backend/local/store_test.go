package local_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"

	"github.com/benediktbwimmer/apphub-sub012/backend"
	"github.com/benediktbwimmer/apphub-sub012/backend/local"
)

func TestWriteStatRead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := local.New(ctx.Dir("mount"))
	require.NoError(t, err)

	content := []byte{0x01, 0x02, 0x03}
	result, err := store.WriteBlob(ctx, "datasets/a.bin", bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, int64(3), result.SizeBytes)
	require.Equal(t, backend.ChecksumBytes(content), result.Checksum)

	info, err := store.Stat(ctx, "datasets/a.bin")
	require.NoError(t, err)
	require.True(t, info.Exists)
	require.Equal(t, backend.KindFile, info.Kind)
	require.Equal(t, int64(3), info.SizeBytes)
	require.Equal(t, result.Checksum, info.Checksum)

	r, err := store.ReadStream(ctx, "datasets/a.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, content, got)
}

func TestStatMissingIsNotAnError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := local.New(ctx.Dir("mount"))
	require.NoError(t, err)

	info, err := store.Stat(ctx, "does/not/exist")
	require.NoError(t, err)
	require.False(t, info.Exists)
}

func TestEmptyBlob(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := local.New(ctx.Dir("mount"))
	require.NoError(t, err)

	result, err := store.WriteBlob(ctx, "empty.bin", bytes.NewReader(nil))
	require.NoError(t, err)
	require.Equal(t, int64(0), result.SizeBytes)
	require.Equal(t, backend.ChecksumBytes(nil), result.Checksum)
}

func TestPathEscapeRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := local.New(ctx.Dir("mount"))
	require.NoError(t, err)

	_, err = store.WriteBlob(ctx, "../escape.bin", bytes.NewReader([]byte("x")))
	require.True(t, backend.ErrInvalidPath.Has(err))

	_, err = store.Stat(ctx, "a/../../escape.bin")
	require.True(t, backend.ErrInvalidPath.Has(err))
}

func TestListMoveCopyDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := local.New(ctx.Dir("mount"))
	require.NoError(t, err)

	_, err = store.WriteBlob(ctx, "dir/a.bin", bytes.NewReader([]byte("aa")))
	require.NoError(t, err)
	_, err = store.WriteBlob(ctx, "dir/sub/b.bin", bytes.NewReader([]byte("bb")))
	require.NoError(t, err)

	entries, err := store.List(ctx, "dir")
	require.NoError(t, err)
	require.Equal(t, []backend.ListEntry{
		{Name: "a.bin", Kind: backend.KindFile},
		{Name: "sub", Kind: backend.KindDirectory},
	}, entries)

	require.NoError(t, store.Copy(ctx, "dir", "copied"))
	info, err := store.Stat(ctx, "copied/sub/b.bin")
	require.NoError(t, err)
	require.True(t, info.Exists)

	require.NoError(t, store.Move(ctx, "dir", "moved"))
	info, err = store.Stat(ctx, "dir")
	require.NoError(t, err)
	require.False(t, info.Exists)
	info, err = store.Stat(ctx, "moved/a.bin")
	require.NoError(t, err)
	require.True(t, info.Exists)

	require.NoError(t, store.Delete(ctx, "moved", true))
	info, err = store.Stat(ctx, "moved")
	require.NoError(t, err)
	require.False(t, info.Exists)
}

func TestWriteBlobLeavesNoTemporaries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	root := ctx.Dir("mount")
	store, err := local.New(root)
	require.NoError(t, err)

	_, err = store.WriteBlob(ctx, "x.bin", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	dirents, err := os.ReadDir(filepath.Dir(filepath.Join(root, "x.bin")))
	require.NoError(t, err)
	require.Len(t, dirents, 1)
}

package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "test"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAddAndGet(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	require.NoError(t, a.Add(ctx, "/hello.txt", []byte("hello world"), 0o644))
	data, err := a.Get(ctx, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	ok, err := a.Contains(ctx, "hello.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAddDuplicatePathFails(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("1"), 0o644))
	err := a.Add(ctx, "a.txt", []byte("2"), 0o644)
	require.Error(t, err)
}

func TestAddOrReplace(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("1"), 0o644))
	require.NoError(t, a.AddOrReplace(ctx, "a.txt", []byte("22"), 0o644))

	data, err := a.Get(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "22", string(data))
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("x"), 0o644))
	require.NoError(t, a.Delete(ctx, "a.txt", false))

	ok, err := a.Contains(ctx, "a.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDefragCompactsAfterDeletes(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	require.NoError(t, a.Add(ctx, "a.txt", []byte("aaaaaaaaaa"), 0o644))
	require.NoError(t, a.Add(ctx, "b.txt", []byte("bbbbbbbbbb"), 0o644))
	require.NoError(t, a.Add(ctx, "c.txt", []byte("cccccccccc"), 0o644))
	require.NoError(t, a.Delete(ctx, "b.txt", false))

	require.NoError(t, a.Defrag(ctx))

	c, err := a.Stat(ctx, "c.txt")
	require.NoError(t, err)
	require.Equal(t, int64(10), c.Offset)

	data, err := a.Get(ctx, "c.txt")
	require.NoError(t, err)
	require.Equal(t, "cccccccccc", string(data))
}

func TestDefragCompactsAcrossShards(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "test"), WithShardSizeLimit(10))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Add(ctx, "a.txt", []byte("aaaaaaaaaa"), 0o644))
	require.NoError(t, a.Add(ctx, "b.txt", []byte("bbbbbbbbbb"), 0o644))
	require.NoError(t, a.Add(ctx, "c.txt", []byte("cccccccccc"), 0o644))

	b, err := a.Stat(ctx, "b.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(1), b.Shard)
	c, err := a.Stat(ctx, "c.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(2), c.Shard)

	require.NoError(t, a.Delete(ctx, "b.txt", false))
	require.NoError(t, a.Defrag(ctx))

	c, err = a.Stat(ctx, "c.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(1), c.Shard)
	require.Equal(t, int64(0), c.Offset)

	data, err := a.Get(ctx, "c.txt")
	require.NoError(t, err)
	require.Equal(t, "cccccccccc", string(data))

	require.Equal(t, 2, a.shards.ShardCount())
}

func TestDefragQuickTruncatesShards(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	require.NoError(t, a.Add(ctx, "a.txt", []byte("aaaaaaaaaa"), 0o644))
	require.NoError(t, a.Add(ctx, "b.txt", []byte("bbbbbbbbbb"), 0o644))
	require.NoError(t, a.Delete(ctx, "a.txt", false))

	require.NoError(t, a.DefragQuick(ctx, time.Second))

	size, err := a.shards.PhysicalSize(0)
	require.NoError(t, err)
	require.Equal(t, int64(10), size)

	data, err := a.Get(ctx, "b.txt")
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbb", string(data))
}

func TestMergeCopiesFiles(t *testing.T) {
	ctx := context.Background()
	dst := newTestArchive(t)
	require.NoError(t, dst.Add(ctx, "dst.txt", []byte("in dst"), 0o644))

	srcDir := t.TempDir()
	src, err := Open(filepath.Join(srcDir, "src"))
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.Add(ctx, "src.txt", []byte("in src"), 0o644))

	require.NoError(t, dst.Merge(ctx, src, false))

	data, err := dst.Get(ctx, "src.txt")
	require.NoError(t, err)
	require.Equal(t, "in src", string(data))
}

func TestMergeRespectsDestinationShardSizeLimit(t *testing.T) {
	ctx := context.Background()
	dstDir := t.TempDir()
	dst, err := Open(filepath.Join(dstDir, "dst"), WithShardSizeLimit(10))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Add(ctx, "dst.txt", []byte("0123456789"), 0o644))

	srcDir := t.TempDir()
	src, err := Open(filepath.Join(srcDir, "src"))
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.Add(ctx, "a.txt", []byte("aaaaa"), 0o644))
	require.NoError(t, src.Add(ctx, "b.txt", []byte("bbbbb"), 0o644))

	require.NoError(t, dst.Merge(ctx, src, false))

	a, err := dst.Stat(ctx, "a.txt")
	require.NoError(t, err)
	b, err := dst.Stat(ctx, "b.txt")
	require.NoError(t, err)

	// dst.txt already filled shard 0 to the limit, so both merged files
	// must land in shard 1, packed tightly one after the other.
	require.Equal(t, uint32(1), a.Shard)
	require.Equal(t, int64(0), a.Offset)
	require.Equal(t, uint32(1), b.Shard)
	require.Equal(t, int64(5), b.Offset)

	for idx := 0; idx < dst.shards.ShardCount(); idx++ {
		size, err := dst.shards.PhysicalSize(uint32(idx))
		require.NoError(t, err)
		require.LessOrEqual(t, size, int64(10))
	}
}

func TestVerifyQuickPassesOnCleanArchive(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("hello"), 0o644))

	report, err := a.Verify(ctx, false)
	require.NoError(t, err)
	require.True(t, report.OK())
}

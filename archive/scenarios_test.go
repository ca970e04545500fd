package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barecat-go/barecat/barecaterr"
	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

func TestRolloverUpdatesTreeStats(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "arc"), WithShardSizeLimit(1000))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Add(ctx, "a/b.txt", bytes.Repeat([]byte{1}, 600), 0o644))
	require.NoError(t, a.Add(ctx, "a/c.txt", bytes.Repeat([]byte{2}, 500), 0o644))

	b, err := a.Stat(ctx, "a/b.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(0), b.Shard)
	require.Equal(t, int64(0), b.Offset)
	require.Equal(t, int64(600), b.Size)

	c, err := a.Stat(ctx, "a/c.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(1), c.Shard)
	require.Equal(t, int64(0), c.Offset)

	ad, err := a.StatDir(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1100), ad.SizeTree)

	root, err := a.StatDir(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), root.NumFilesTree)
}

func TestDeleteLastFileInShardTruncatesThenDefragReclaims(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "arc"), WithShardSizeLimit(1000))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Add(ctx, "a/b.txt", bytes.Repeat([]byte{1}, 600), 0o644))
	require.NoError(t, a.Add(ctx, "a/c.txt", bytes.Repeat([]byte{2}, 500), 0o644))
	require.NoError(t, a.Delete(ctx, "a/b.txt", false))

	// b.txt was the only (and last) file of shard 0, so the shard file
	// shrinks on disk immediately.
	size, err := a.shards.PhysicalSize(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	root, err := a.StatDir(ctx, "")
	require.NoError(t, err)
	require.Equal(t, int64(500), root.SizeTree)

	require.NoError(t, a.Defrag(ctx))

	c, err := a.Stat(ctx, "a/c.txt")
	require.NoError(t, err)
	require.Equal(t, uint32(0), c.Shard)
	require.Equal(t, int64(0), c.Offset)
	require.Equal(t, 1, a.shards.ShardCount())

	data, err := a.Get(ctx, "a/c.txt")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{2}, 500), data)
}

func TestCorruptedByteFailsCrcCheck(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base)
	require.NoError(t, err)

	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, a.Add(ctx, "x.bin", data, 0o644))
	got, err := a.Get(ctx, "x.bin")
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, a.Close())

	f, err := os.OpenFile(base+"-shard-00000", os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{data[17] ^ 0xFF}, 17)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a2, err := Open(base, WithReadOnly())
	require.NoError(t, err)
	defer a2.Close()

	_, err = a2.Get(ctx, "x.bin")
	require.Error(t, err)
	require.True(t, shard.IsCrcMismatch(err))

	report, err := a2.Verify(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []string{"x.bin"}, report.CorruptedFiles)
}

func TestCrashRecoveryTruncatesOverlongShard(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base)
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "x.bin", bytes.Repeat([]byte{5}, 100), 0o644))
	require.NoError(t, a.Close())

	// Simulate a crashed write that appended bytes past the indexed end.
	f, err := os.OpenFile(base+"-shard-00000", os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{9}, 40), 100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a2, err := Open(base)
	require.NoError(t, err)
	defer a2.Close()

	size, err := a2.shards.PhysicalSize(0)
	require.NoError(t, err)
	require.Equal(t, int64(100), size)
}

func TestShardSizeLimitPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")

	a, err := Open(base, WithShardSizeLimit(1000))
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "a.bin", bytes.Repeat([]byte{1}, 600), 0o644))
	require.NoError(t, a.Close())

	// No explicit limit on reopen: the persisted 1000 still applies, so
	// the next 600-byte write must roll over.
	a2, err := Open(base)
	require.NoError(t, err)
	defer a2.Close()
	require.NoError(t, a2.Add(ctx, "b.bin", bytes.Repeat([]byte{2}, 600), 0o644))

	b, err := a2.Stat(ctx, "b.bin")
	require.NoError(t, err)
	require.Equal(t, uint32(1), b.Shard)
}

func TestShardSizeLimitShrinkRefused(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")

	a, err := Open(base)
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "a.bin", bytes.Repeat([]byte{1}, 600), 0o644))
	require.NoError(t, a.Close())

	_, err = Open(base, WithShardSizeLimit(100))
	require.ErrorIs(t, err, barecaterr.ErrInvalidArgument)
}

func TestFileExactlyAtShardSizeLimit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(filepath.Join(dir, "arc"), WithShardSizeLimit(1000))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Add(ctx, "full.bin", bytes.Repeat([]byte{1}, 1000), 0o644))
	f, err := a.Stat(ctx, "full.bin")
	require.NoError(t, err)
	require.Equal(t, uint32(0), f.Shard)

	// One byte over must fail outright rather than rolling over.
	err = a.Add(ctx, "huge.bin", bytes.Repeat([]byte{1}, 1001), 0o644)
	require.Error(t, err)
	require.True(t, shard.IsFileTooLarge(err))
}

func TestReadOnlyRefusesMutation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base)
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("x"), 0o644))
	require.NoError(t, a.Close())

	ro, err := Open(base, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	require.ErrorIs(t, ro.Add(ctx, "b.txt", []byte("y"), 0o644), barecaterr.ErrPermission)
	require.ErrorIs(t, ro.Delete(ctx, "a.txt", false), barecaterr.ErrPermission)
	require.ErrorIs(t, ro.Rename(ctx, "a.txt", "b.txt"), barecaterr.ErrPermission)

	data, err := ro.Get(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}

func TestCloneSharesReadOnlyArchive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base)
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("x"), 0o644))

	_, err = a.Clone()
	require.ErrorIs(t, err, barecaterr.ErrReadOnlyShare)
	require.NoError(t, a.Close())

	ro, err := Open(base, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	clone, err := ro.Clone()
	require.NoError(t, err)
	defer clone.Close()

	data, err := clone.Get(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}

func TestAppendOnlyAllowsAddRefusesRemoval(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base)
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("x"), 0o644))
	require.NoError(t, a.Close())

	ao, err := Open(base, WithAppendOnly())
	require.NoError(t, err)
	defer ao.Close()

	require.NoError(t, ao.Add(ctx, "b.txt", []byte("y"), 0o644))
	require.ErrorIs(t, ao.Delete(ctx, "a.txt", false), barecaterr.ErrPermission)
	require.ErrorIs(t, ao.Rename(ctx, "a.txt", "c.txt"), barecaterr.ErrPermission)
	require.ErrorIs(t, ao.Defrag(ctx), barecaterr.ErrPermission)
}

func TestGetOnDirectoryReportsIsADirectory(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)
	require.NoError(t, a.Add(ctx, "d/f.txt", []byte("x"), 0o644))

	_, err := a.Get(ctx, "d")
	require.ErrorIs(t, err, barecaterr.ErrIsADirectory)
}

func TestImplicitAncestorDirsFromAdd(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)
	require.NoError(t, a.Add(ctx, "x/y/z/file.bin", []byte("abc"), 0o644))

	for _, p := range []string{"x", "x/y", "x/y/z"} {
		d, err := a.StatDir(ctx, p)
		require.NoError(t, err, p)
		require.Equal(t, int64(1), d.NumFilesTree, p)
		require.Equal(t, int64(3), d.SizeTree, p)
	}
}

func TestCodecRoundTripThroughArchive(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	payload := bytes.Repeat([]byte("compressible payload "), 100)
	require.NoError(t, a.AddEncoded(ctx, "data/m.bin.zst", payload, 0o644))

	raw, err := a.Get(ctx, "data/m.bin.zst")
	require.NoError(t, err)
	require.NotEqual(t, payload, raw)
	require.Less(t, len(raw), len(payload))

	decoded, err := a.GetDecoded(ctx, "data/m.bin.zst")
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestCodecChainedSuffixes(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	payload := bytes.Repeat([]byte("chained "), 64)
	require.NoError(t, a.AddEncoded(ctx, "m.bin.zst.gz", payload, 0o644))

	decoded, err := a.GetDecoded(ctx, "m.bin.zst.gz")
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestNeedsDefrag(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	require.NoError(t, a.Add(ctx, "a.bin", bytes.Repeat([]byte{1}, 100), 0o644))
	require.NoError(t, a.Add(ctx, "b.bin", bytes.Repeat([]byte{2}, 100), 0o644))

	need, err := a.NeedsDefrag(ctx)
	require.NoError(t, err)
	require.False(t, need)

	// Deleting the first file leaves an interior gap.
	require.NoError(t, a.Delete(ctx, "a.bin", false))
	need, err = a.NeedsDefrag(ctx)
	require.NoError(t, err)
	require.True(t, need)

	require.NoError(t, a.Defrag(ctx))
	need, err = a.NeedsDefrag(ctx)
	require.NoError(t, err)
	require.False(t, need)
}

func TestRenameSubtreeWithGlobMetacharacters(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	require.NoError(t, a.Add(ctx, "d/*weird[name]/f.txt", []byte("w"), 0o644))
	require.NoError(t, a.Add(ctx, "d/plain/g.txt", []byte("p"), 0o644))
	require.NoError(t, a.Add(ctx, "dz/h.txt", []byte("outside"), 0o644))

	require.NoError(t, a.Rename(ctx, "d", "e"))

	data, err := a.Get(ctx, "e/*weird[name]/f.txt")
	require.NoError(t, err)
	require.Equal(t, "w", string(data))

	_, err = a.Stat(ctx, "d/plain/g.txt")
	require.ErrorIs(t, err, barecaterr.ErrFileNotFound)

	// A sibling whose name shares the prefix must not be dragged along.
	data, err = a.Get(ctx, "dz/h.txt")
	require.NoError(t, err)
	require.Equal(t, "outside", string(data))

	e, err := a.StatDir(ctx, "e")
	require.NoError(t, err)
	require.Equal(t, int64(2), e.NumFilesTree)

	report, err := a.Verify(ctx, true)
	require.NoError(t, err)
	require.True(t, report.OK(), "%+v", report.Stats.StatMismatches)
}

func TestMergeIgnoreDuplicatesFirstWins(t *testing.T) {
	ctx := context.Background()
	dirA := t.TempDir()
	a, err := Open(filepath.Join(dirA, "a"), WithShardSizeLimit(1000))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Add(ctx, "k", []byte("from A"), 0o644))

	dirB := t.TempDir()
	b, err := Open(filepath.Join(dirB, "b"))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Add(ctx, "k", []byte("from B"), 0o644))
	require.NoError(t, b.Add(ctx, "only-b", []byte("unique"), 0o644))

	require.NoError(t, a.Merge(ctx, b, true))

	data, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "from A", string(data))

	data, err = a.Get(ctx, "only-b")
	require.NoError(t, err)
	require.Equal(t, "unique", string(data))

	report, err := a.Verify(ctx, true)
	require.NoError(t, err)
	require.True(t, report.OK())

	need, err := a.NeedsDefrag(ctx)
	require.NoError(t, err)
	require.False(t, need, "skipped duplicate must not leave a gap")
}

func TestMergeWithoutIgnoreDuplicatesFails(t *testing.T) {
	ctx := context.Background()
	dirA := t.TempDir()
	a, err := Open(filepath.Join(dirA, "a"))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Add(ctx, "k", []byte("from A"), 0o644))

	dirB := t.TempDir()
	b, err := Open(filepath.Join(dirB, "b"))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Add(ctx, "k", []byte("from B"), 0o644))

	require.ErrorIs(t, a.Merge(ctx, b, false), barecaterr.ErrFileExists)
}

func TestReserveWriteCommitFlow(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	payload := []byte("reserved payload")
	addr, err := a.Reserve(int64(len(payload)))
	require.NoError(t, err)

	crc, err := a.WriteReserved(bytes.NewReader(payload), addr)
	require.NoError(t, err)

	require.NoError(t, a.CommitReserved(ctx, index.FileInfo{
		Path: "r.bin", Shard: addr.Shard, Offset: addr.Offset, Size: addr.Size,
		CRC32C: &crc, Mode: 0o644,
	}))

	data, err := a.Get(ctx, "r.bin")
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestFailedAddTruncatesShardTail(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t)

	require.NoError(t, a.Add(ctx, "a.txt", []byte("first"), 0o644))
	end, err := a.shards.LogicalEnd(0)
	require.NoError(t, err)

	require.ErrorIs(t, a.Add(ctx, "a.txt", []byte("second write"), 0o644), barecaterr.ErrFileExists)

	// The duplicate's bytes must not linger past the logical end.
	after, err := a.shards.LogicalEnd(0)
	require.NoError(t, err)
	require.Equal(t, end, after)
	size, err := a.shards.PhysicalSize(0)
	require.NoError(t, err)
	require.Equal(t, end, size)
}

func TestOpenSharedInternsHandles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base)
	require.NoError(t, err)
	require.NoError(t, a.Add(ctx, "a.txt", []byte("x"), 0o644))
	require.NoError(t, a.Close())

	s1, err := OpenShared(base)
	require.NoError(t, err)
	s2, err := OpenShared(base)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.True(t, s1.ReadOnly())

	data, err := s1.Get(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "x", string(data))

	require.NoError(t, CloseShared(base))
	require.NoError(t, CloseShared(base)) // idempotent
}

func TestVerifyQuickChecksMostRecentWriteAcrossShards(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := filepath.Join(dir, "arc")
	a, err := Open(base, WithShardSizeLimit(100))
	require.NoError(t, err)

	require.NoError(t, a.Add(ctx, "old.bin", bytes.Repeat([]byte{1}, 80), 0o644))
	require.NoError(t, a.Add(ctx, "new.bin", bytes.Repeat([]byte{2}, 80), 0o644)) // rolls to shard 1
	require.NoError(t, a.Close())

	// Corrupt the most recent write, in the highest shard; the quick canary
	// must be the file that catches it.
	f, err := os.OpenFile(base+"-shard-00001", os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a2, err := Open(base, WithReadOnly())
	require.NoError(t, err)
	defer a2.Close()

	report, err := a2.Verify(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.FilesChecked)
	require.Equal(t, []string{"new.bin"}, report.CorruptedFiles)
}

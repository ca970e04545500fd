package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/barecat-go/barecat/archive"
)

func TestRunIngestsDirWalk(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("bbbb"), 0o644))

	dstDir := t.TempDir()
	a, err := archive.Open(filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	defer a.Close()

	src, err := NewDirWalkSource([]string{srcDir}, true)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, Run(ctx, a, src, Options{Workers: 2}))

	n, err := a.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	data, err := a.Get(ctx, "a.txt")
	require.NoError(t, err)
	require.Equal(t, "aaa", string(data))

	data, err = a.Get(ctx, "sub/b.txt")
	require.NoError(t, err)
	require.Equal(t, "bbbb", string(data))

	// The walked directory itself arrives as a metadata-only task.
	d, err := a.StatDir(ctx, "sub")
	require.NoError(t, err)
	require.Equal(t, int64(1), d.NumFiles)
}

func TestRunWithoutStripRootPrefixesBaseName(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("aaa"), 0o644))

	dstDir := t.TempDir()
	a, err := archive.Open(filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	defer a.Close()

	src, err := NewDirWalkSource([]string{srcDir}, false)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, Run(ctx, a, src, Options{Workers: 1}))

	want := filepath.Base(srcDir) + "/a.txt"
	data, err := a.Get(ctx, want)
	require.NoError(t, err)
	require.Equal(t, "aaa", string(data))
}

func TestRunIngestsListSource(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "one.bin"), []byte("111"), 0o644))

	dstDir := t.TempDir()
	a, err := archive.Open(filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	defer a.Close()

	src := NewListSource(srcDir, []string{"one.bin"})
	ctx := context.Background()
	require.NoError(t, Run(ctx, a, src, Options{}))

	data, err := a.Get(ctx, "one.bin")
	require.NoError(t, err)
	require.Equal(t, "111", string(data))
}

func TestRunManyFilesMatchesSequentialIngest(t *testing.T) {
	srcDir := t.TempDir()
	const n = 300
	want := make(map[string][]byte, n)
	var paths []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("d%02d/f%03d.bin", i%7, i)
		body := []byte(fmt.Sprintf("payload-%d-%s", i, name))
		full := filepath.Join(srcDir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, body, 0o644))
		want[name] = body
		paths = append(paths, name)
	}

	dstDir := t.TempDir()
	a, err := archive.Open(filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, Run(ctx, a, NewListSource(srcDir, paths), Options{Workers: 8}))

	total, err := a.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(n), total)

	for name, body := range want {
		data, err := a.Get(ctx, name)
		require.NoError(t, err, name)
		require.Equal(t, body, data, name)
	}

	report, err := a.Verify(ctx, true)
	require.NoError(t, err)
	require.True(t, report.OK())
}

func TestRunPropagatesMissingFileError(t *testing.T) {
	dstDir := t.TempDir()
	a, err := archive.Open(filepath.Join(dstDir, "out"))
	require.NoError(t, err)
	defer a.Close()

	src := NewListSource(t.TempDir(), []string{"does-not-exist.bin"})
	err = Run(context.Background(), a, src, Options{Workers: 2})
	require.Error(t, err)
}

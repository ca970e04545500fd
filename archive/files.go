package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/barecat-go/barecat/barecaterr"
	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

func nowNs() int64 { return time.Now().UnixNano() }

// Add writes data at path, creating the file and any missing ancestor
// directories in the index. Fails with ErrFileExists if path is already
// present.
func (a *Archive) Add(ctx context.Context, path string, data []byte, mode uint32) error {
	return a.addBytes(ctx, path, data, mode, false)
}

// AddOrReplace behaves like Add but first removes any existing file at
// path, so the call never fails with ErrFileExists.
func (a *Archive) AddOrReplace(ctx context.Context, path string, data []byte, mode uint32) error {
	if err := a.requireMutable(); err != nil {
		return err
	}
	return a.addBytes(ctx, path, data, mode, true)
}

// Set stores data at path, replacing any existing file. Together with Get,
// Delete, Contains, Len, and Iter it forms the archive's map-like API.
func (a *Archive) Set(ctx context.Context, path string, data []byte) error {
	return a.AddOrReplace(ctx, path, data, 0o644)
}

func (a *Archive) addBytes(ctx context.Context, path string, data []byte, mode uint32, replace bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path = normPath(path)
	if replace {
		if err := a.removeIfPresentLocked(ctx, path); err != nil {
			return err
		}
	}

	addr, crc, err := a.shards.Add(data, nil)
	if err != nil {
		return err
	}

	info := index.FileInfo{
		Path: path, Shard: addr.Shard, Offset: addr.Offset, Size: addr.Size,
		CRC32C: &crc, Mode: mode, MtimeNs: nowNs(),
	}
	if err := a.idx.AddFile(ctx, info); err != nil {
		// Roll back the physical write if it was the new tail of its shard.
		a.truncateIfTailLocked(addr)
		return err
	}
	return nil
}

// AddStream writes r's contents at path without buffering the whole
// payload in memory.
func (a *Archive) AddStream(ctx context.Context, path string, r io.Reader, mode uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path = normPath(path)
	addr, crc, err := a.shards.AddStream(r, nil)
	if err != nil {
		return err
	}
	info := index.FileInfo{
		Path: path, Shard: addr.Shard, Offset: addr.Offset, Size: addr.Size,
		CRC32C: &crc, Mode: mode, MtimeNs: nowNs(),
	}
	if err := a.idx.AddFile(ctx, info); err != nil {
		a.truncateIfTailLocked(addr)
		return err
	}
	return nil
}

func (a *Archive) truncateIfTailLocked(addr shard.Address) {
	end, err := a.shards.LogicalEnd(addr.Shard)
	if err != nil || end != addr.Offset+addr.Size {
		return
	}
	a.shards.TruncateAllToLogical(map[uint32]int64{addr.Shard: addr.Offset})
}

// Get reads the full contents of the file at path, verifying its stored
// CRC32C checksum.
func (a *Archive) Get(ctx context.Context, path string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	f, err := a.lookupRegularFile(ctx, path)
	if err != nil {
		return nil, err
	}
	addr := shard.Address{Shard: f.Shard, Offset: f.Offset, Size: f.Size}
	return a.shards.ReadFromAddress(addr, f.CRC32C)
}

// lookupRegularFile resolves path to a file row, distinguishing "no such
// path" from "path is a directory".
func (a *Archive) lookupRegularFile(ctx context.Context, path string) (index.FileInfo, error) {
	p := normPath(path)
	f, err := a.idx.LookupFile(ctx, p)
	if err == barecaterr.ErrFileNotFound {
		if isDir, derr := a.idx.IsDir(ctx, p); derr == nil && isDir {
			return index.FileInfo{}, fmt.Errorf("%s: %w", p, barecaterr.ErrIsADirectory)
		}
	}
	return f, err
}

// Contains reports whether path names a file or directory.
func (a *Archive) Contains(ctx context.Context, path string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.Exists(ctx, normPath(path))
}

// Len returns the total number of files in the archive.
func (a *Archive) Len(ctx context.Context) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	root, err := a.idx.LookupDir(ctx, "")
	if err != nil {
		return 0, err
	}
	return root.NumFilesTree, nil
}

// Delete removes the file or (if recursive) directory subtree at path.
func (a *Archive) Delete(ctx context.Context, path string, recursive bool) error {
	if err := a.requireMutable(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	path = normPath(path)

	isFile, err := a.idx.IsFile(ctx, path)
	if err != nil {
		return err
	}
	if isFile {
		f, err := a.idx.LookupFile(ctx, path)
		if err != nil {
			return err
		}
		if err := a.idx.RemoveFile(ctx, path); err != nil {
			return err
		}
		a.truncateIfTailLocked(shard.Address{Shard: f.Shard, Offset: f.Offset, Size: f.Size})
		return nil
	}

	if recursive {
		return a.idx.RemoveRecursively(ctx, path)
	}
	return a.idx.RemoveEmptyDir(ctx, path)
}

func (a *Archive) removeIfPresentLocked(ctx context.Context, path string) error {
	ok, err := a.idx.IsFile(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	f, err := a.idx.LookupFile(ctx, path)
	if err != nil {
		return err
	}
	if err := a.idx.RemoveFile(ctx, path); err != nil {
		return err
	}
	a.truncateIfTailLocked(shard.Address{Shard: f.Shard, Offset: f.Offset, Size: f.Size})
	return nil
}

// Rename moves src to dst, which may cross directories.
func (a *Archive) Rename(ctx context.Context, src, dst string) error {
	if err := a.requireMutable(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idx.Rename(ctx, normPath(src), normPath(dst))
}

// Mkdir creates an empty directory at path. existOK makes it a no-op if
// path is already a directory.
func (a *Archive) Mkdir(ctx context.Context, path string, mode uint32, existOK bool) error {
	return a.AddDirInfo(ctx, index.DirInfo{Path: path, Mode: mode, MtimeNs: nowNs()}, existOK)
}

// AddDirInfo creates a directory carrying caller-supplied metadata (the
// ingest pipeline records source-tree modes and mtimes this way; it does
// not read ownership, so uid/gid stay 0).
func (a *Archive) AddDirInfo(ctx context.Context, info index.DirInfo, existOK bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	info.Path = normPath(info.Path)
	return a.idx.AddDir(ctx, info, existOK)
}

// Reserve allocates (and zero-fills) a slot of the given size at the tail
// of the current shard, rolling over to a new shard if needed. The ingest
// pipeline calls this from its producer goroutine; the shard manager
// serializes concurrent reservations internally.
func (a *Archive) Reserve(size int64) (shard.Address, error) {
	return a.shards.Reserve(size)
}

// WriteReserved streams r into a previously Reserved slot and returns the
// CRC32C of the bytes written. It fails if r does not supply exactly
// addr.Size bytes. Safe to call concurrently for distinct reservations,
// which are non-overlapping by construction.
func (a *Archive) WriteReserved(r io.Reader, addr shard.Address) (uint32, error) {
	_, crc, err := a.shards.AddStream(r, &addr)
	return crc, err
}

// CommitReserved records the index row for a reservation whose bytes have
// been written. Until this call the slot is an unreferenced zero-filled
// hole; a crash between Reserve and CommitReserved therefore discards the
// reservation rather than exposing unwritten data.
func (a *Archive) CommitReserved(ctx context.Context, info index.FileInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idx.AddFile(ctx, info)
}

// Defragmentation reclaims space left by deleted and moved files. Two
// strategies are offered: a bounded-time incremental pass (quick) and an
// unbounded pass that runs to completion (full).
package archive

import (
	"context"
	"fmt"

	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

// Defrag runs full defragmentation: every file is walked in ascending
// address order and packed into the earliest position it fits, rolling
// into the next shard whenever the current one would exceed the
// configured shard size limit. This closes gaps both within a shard and
// across shards (a later shard's files move into space freed by an
// earlier shard's deletes), then every shard is truncated to its new
// (shorter, possibly zero) logical end.
func (a *Archive) Defrag(ctx context.Context) error {
	if err := a.requireMutable(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.shards.SizeLimit()
	n := a.shards.ShardCount()
	newEnds := make(map[uint32]int64, n)

	iter, err := a.idx.IterFiles(ctx, index.OrderAddress)
	if err != nil {
		return err
	}
	defer iter.Close()

	// The index runs on a single connection, so the rows are drained before
	// any move: MoveFile needs that connection too.
	var files []index.FileInfo
	for iter.Next() {
		f, err := iter.File()
		if err != nil {
			return err
		}
		files = append(files, f)
	}
	if err := iter.Err(); err != nil {
		return err
	}

	var curShard uint32
	var curOffset int64
	for _, f := range files {
		if limit != shard.Unlimited && curOffset+f.Size > limit {
			curShard++
			curOffset = 0
		}
		if f.Shard != curShard || f.Offset != curOffset {
			src := shard.Address{Shard: f.Shard, Offset: f.Offset, Size: f.Size}
			dst := shard.Address{Shard: curShard, Offset: curOffset, Size: f.Size}
			if err := a.moveFileBytesLocked(ctx, f, src, dst); err != nil {
				return fmt.Errorf("moving %s: %w", f.Path, err)
			}
		}
		curOffset += f.Size
		newEnds[curShard] = curOffset
	}

	for idx := 0; idx < n; idx++ {
		if _, ok := newEnds[uint32(idx)]; !ok {
			newEnds[uint32(idx)] = 0
		}
	}
	return a.shards.TruncateAllToLogical(newEnds)
}

// NeedsDefrag reports whether the shards hold reclaimable gaps: total
// physical bytes on disk exceeding the total logical bytes the index
// accounts for.
func (a *Archive) NeedsDefrag(ctx context.Context) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	root, err := a.idx.LookupDir(ctx, "")
	if err != nil {
		return false, err
	}
	var physical int64
	for i := 0; i < a.shards.ShardCount(); i++ {
		size, err := a.shards.PhysicalSize(uint32(i))
		if err != nil {
			return false, err
		}
		physical += size
	}
	return physical > root.SizeTree, nil
}

// moveFileBytesLocked physically relocates f's bytes from src to dst
// (which must have the same Size) and updates the index.
func (a *Archive) moveFileBytesLocked(ctx context.Context, f index.FileInfo, src, dst shard.Address) error {
	if f.Size > 0 {
		srcSection, err := a.shards.OpenSection(src, shard.ReadWrite)
		if err != nil {
			return err
		}
		buf := make([]byte, f.Size)
		if _, err := srcSection.Read(buf); err != nil {
			return err
		}
		dstSection, err := a.shards.OpenSection(dst, shard.ReadWrite)
		if err != nil {
			return err
		}
		if _, err := dstSection.Write(buf); err != nil {
			return err
		}
	}
	return a.idx.MoveFile(ctx, f.Path, dst.Shard, dst.Offset)
}

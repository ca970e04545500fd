package archive

import (
	"context"
	"fmt"

	"github.com/barecat-go/barecat/barecaterr"
	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

// Merge copies every file from other into a. Directory metadata is folded
// in as for MergeSymlink, but file bodies are repacked rather than carried
// over shard-for-shard: each source file is streamed into a's currently
// open destination shard via AddStream, which already enforces a's
// shard_size_limit and rolls to a fresh shard whenever a file would
// overflow the current one. Reading files in source address order and
// appending them one after another packs the destination shards as
// tightly as the size limit allows, without needing to precompute how
// many source bytes fit in the current destination shard — AddStream
// already finds that boundary.
func (a *Archive) Merge(ctx context.Context, other *Archive, ignoreDuplicates bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	if err := a.idx.MergeDirsFromOther(ctx, other.idx); err != nil {
		return err
	}

	iter, err := other.idx.IterFiles(ctx, index.OrderAddress)
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.Next() {
		f, err := iter.File()
		if err != nil {
			return err
		}

		// Duplicates are resolved before any bytes move, so a skipped file
		// never leaves an unreferenced extent in the destination shard.
		if exists, err := a.idx.IsFile(ctx, f.Path); err != nil {
			return err
		} else if exists {
			if ignoreDuplicates {
				continue
			}
			return fmt.Errorf("%s: %w", f.Path, barecaterr.ErrFileExists)
		}

		section, err := other.shards.OpenSection(shard.Address{Shard: f.Shard, Offset: f.Offset, Size: f.Size}, shard.ReadOnly)
		if err != nil {
			return fmt.Errorf("opening %s in source: %w", f.Path, err)
		}
		addr, crc, err := a.shards.AddStream(section, nil)
		if err != nil {
			return fmt.Errorf("copying %s: %w", f.Path, err)
		}

		f.Shard, f.Offset = addr.Shard, addr.Offset
		f.CRC32C = &crc
		if err := a.idx.AddFile(ctx, f); err != nil {
			a.truncateIfTailLocked(addr)
			return err
		}
	}
	return iter.Err()
}

// MergeSymlink merges other's metadata into a without copying any bytes:
// a's archive directory gains symlinks to other's shard files (created by
// the caller — typically the CLI — since the façade itself does not know
// where the merged archive's directory lives relative to other's).
// Directory rows merge as in Merge; file rows keep their offsets and have
// their shard numbers shifted by shardShift, which the caller supplies
// because it reflects the symlinked shard numbering, not a's physical
// shard count.
func (a *Archive) MergeSymlink(ctx context.Context, other *Archive, shardShift uint32, ignoreDuplicates bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idx.MergeFromOther(ctx, other.idx, shardShift, ignoreDuplicates)
}

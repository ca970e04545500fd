package archive

import (
	"context"
	"time"

	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

// DefragQuick runs a bounded-time incremental defrag pass: starting from
// the highest-addressed file and working backward, it relocates each file
// into the lowest-addressed gap it fits (per index.FindSpace's ordering),
// stopping as soon as timeLimit elapses or no file can usefully move.
// Unlike Defrag, a DefragQuick pass interrupted by its deadline still
// leaves the archive in a fully consistent state — just less compacted
// than a full run would achieve.
func (a *Archive) DefragQuick(ctx context.Context, timeLimit time.Duration) error {
	if err := a.requireMutable(); err != nil {
		return err
	}
	// The truncation that reclaims the freed space must still run when the
	// deadline fires, so it uses the caller's context, not the bounded one.
	runCtx := ctx
	if timeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		select {
		case <-runCtx.Done():
			log.Infow("defrag quick stopped at time limit", "limit", timeLimit)
			return a.truncateShardsToIndexEndsLocked(ctx)
		default:
		}

		ends, err := a.indexShardEndsLocked(runCtx)
		if err != nil {
			return err
		}

		entries, err := a.idx.IterFiles(runCtx, index.OrderAddressDesc)
		if err != nil {
			return err
		}
		moved, err := a.quickDefragOneStep(runCtx, entries, ends)
		entries.Close()
		if err != nil {
			return err
		}
		if !moved {
			return a.truncateShardsToIndexEndsLocked(ctx)
		}
	}
}

// indexShardEndsLocked returns the logical end of every open shard as the
// index records it, zero for shards with no files left. Unlike the shard
// manager's tracked tail (which only ever grows until truncated), this
// reflects deletions and moves immediately.
func (a *Archive) indexShardEndsLocked(ctx context.Context) (map[uint32]int64, error) {
	ends, err := a.idx.LogicalShardEnds(ctx)
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.shards.ShardCount(); i++ {
		if _, ok := ends[uint32(i)]; !ok {
			ends[uint32(i)] = 0
		}
	}
	return ends, nil
}

// truncateShardsToIndexEndsLocked truncates every open shard to its
// index-recorded logical end, reclaiming the physical space freed by the
// moves this pass made. Called with a.mu already held.
func (a *Archive) truncateShardsToIndexEndsLocked(ctx context.Context) error {
	ends, err := a.indexShardEndsLocked(ctx)
	if err != nil {
		return err
	}
	return a.shards.TruncateAllToLogical(ends)
}

func (a *Archive) quickDefragOneStep(ctx context.Context, entries *index.FileIter, shardEnds map[uint32]int64) (bool, error) {
	// Drain the rows first: FindSpace and MoveFile need the index's single
	// connection, which the open rows hold.
	var files []index.FileInfo
	for entries.Next() {
		f, err := entries.File()
		if err != nil {
			return false, err
		}
		files = append(files, f)
	}
	if err := entries.Err(); err != nil {
		return false, err
	}
	for _, f := range files {
		gap, err := a.idx.FindSpace(ctx, f.Size, f.Shard, shardEnds)
		if err != nil {
			return false, err
		}
		if gap == nil || !gapPrecedes(*gap, f) {
			continue
		}
		src := shard.Address{Shard: f.Shard, Offset: f.Offset, Size: f.Size}
		dst := shard.Address{Shard: gap.Shard, Offset: gap.Offset, Size: f.Size}
		if err := a.moveFileBytesLocked(ctx, f, src, dst); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// gapPrecedes reports whether gap sits strictly before f's current
// location, so relocating f there is a genuine compaction step rather
// than a pointless lateral move.
func gapPrecedes(gap index.FreeSpace, f index.FileInfo) bool {
	if gap.Shard != f.Shard {
		return gap.Shard < f.Shard
	}
	return gap.Offset < f.Offset
}

package index

import (
	"context"
	"database/sql"
)

// FreeSpace is a reusable gap discovered by FindSpace: Size bytes starting
// at Offset in Shard are not occupied by any file.
type FreeSpace struct {
	Shard  uint32
	Offset int64
	Size   int64
}

// FindSpace locates room for a write of the given size, preferring reuse
// over appending:
//
//  1. the free space remaining after the end of preferredShard, if any;
//  2. the smallest gap (by shard, then offset) anywhere in the archive
//     that is large enough;
//  3. failing both, a fresh shard (signalled by a nil *FreeSpace).
//
// Gaps are the runs between consecutive files of a shard plus the run from
// its last file up to the shard's end. The files table gives the file
// extents; the shard ends come from the caller as shardEnds (DefragQuick
// passes the index's own logical ends), and only shards present in
// shardEnds are searched.
func (ix *Index) FindSpace(ctx context.Context, size int64, preferredShard uint32, shardEnds map[uint32]int64) (*FreeSpace, error) {
	if preferredEnd, ok := shardEnds[preferredShard]; ok {
		used, err := ix.shardBytesUsed(ctx, preferredShard)
		if err != nil {
			return nil, err
		}
		if preferredEnd-used >= size {
			if gap, err := ix.largestTrailingGap(ctx, preferredShard, preferredEnd, size); err == nil && gap != nil {
				return gap, nil
			}
		}
	}

	var best *FreeSpace
	for shardIdx, end := range shardEnds {
		gaps, err := ix.gapsInShard(ctx, shardIdx, end)
		if err != nil {
			return nil, err
		}
		for _, g := range gaps {
			if g.Size < size {
				continue
			}
			if best == nil || g.Shard < best.Shard || (g.Shard == best.Shard && g.Offset < best.Offset) {
				gg := g
				best = &gg
			}
		}
	}
	return best, nil
}

func (ix *Index) shardBytesUsed(ctx context.Context, shardIdx uint32) (int64, error) {
	var used sql.NullInt64
	err := ix.db.QueryRowContext(ctx, `SELECT SUM(size) FROM files WHERE shard = ?`, shardIdx).Scan(&used)
	return used.Int64, err
}

// largestTrailingGap returns the free run immediately following the
// highest-addressed file in shardIdx, if it's big enough.
func (ix *Index) largestTrailingGap(ctx context.Context, shardIdx uint32, shardEnd, minSize int64) (*FreeSpace, error) {
	var maxEnd sql.NullInt64
	if err := ix.db.QueryRowContext(ctx, `SELECT MAX(offset + size) FROM files WHERE shard = ?`, shardIdx).Scan(&maxEnd); err != nil {
		return nil, err
	}
	start := maxEnd.Int64
	if shardEnd-start >= minSize {
		return &FreeSpace{Shard: shardIdx, Offset: start, Size: shardEnd - start}, nil
	}
	return nil, nil
}

// gapsInShard returns every interior gap between consecutive files in
// shardIdx, ordered by offset, plus the trailing gap up to shardEnd.
func (ix *Index) gapsInShard(ctx context.Context, shardIdx uint32, shardEnd int64) ([]FreeSpace, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT offset, size FROM files WHERE shard = ? ORDER BY offset`, shardIdx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []FreeSpace
	var cursor int64
	for rows.Next() {
		var off, sz int64
		if err := rows.Scan(&off, &sz); err != nil {
			return nil, err
		}
		if off > cursor {
			gaps = append(gaps, FreeSpace{Shard: shardIdx, Offset: cursor, Size: off - cursor})
		}
		next := off + sz
		if next > cursor {
			cursor = next
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if shardEnd > cursor {
		gaps = append(gaps, FreeSpace{Shard: shardIdx, Offset: cursor, Size: shardEnd - cursor})
	}
	return gaps, nil
}

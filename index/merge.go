package index

import (
	"context"

	"github.com/barecat-go/barecat/barecaterr"
)

// MergeDirsFromOther copies every directory's metadata from src into ix.
// Directories that already exist in ix have their metadata folded rather
// than overwritten: mode is OR'd together, mtime takes the later of the
// two, and uid/gid take src's value (src is "merged in", so it wins ties).
// Statistics are left to the insert triggers rather than computed here, so
// callers must run with triggers enabled.
func (ix *Index) MergeDirsFromOther(ctx context.Context, src *Index) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}

	dirs, err := src.collectDirs(ctx, `SELECT `+dirCols+` FROM dirs ORDER BY path`)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if d.Path == "" {
			continue // root always exists
		}
		existing, err := ix.LookupDir(ctx, d.Path)
		switch err {
		case nil:
			if err := ix.foldDirMeta(ctx, existing, d); err != nil {
				return err
			}
		case barecaterr.ErrFileNotFound:
			create := DirInfo{Path: d.Path, Mode: d.Mode, UID: d.UID, GID: d.GID, MtimeNs: d.MtimeNs}
			if err := ix.AddDir(ctx, create, true); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// MergeFromOther copies every directory and file from src into ix. File
// shard numbers are shifted by shardShift, which the caller (in this
// module, the CLI's merge-symlink command, passing it through the archive
// façade) computes from the number of shards already present in the
// destination before appending src's shard data. Use
// this when src's shard files are being carried over byte-for-byte (e.g.
// symlinked in whole), so every file's in-shard offset stays valid; for a
// byte-copy merge that repacks file bodies, callers add file rows directly
// as they copy bytes instead (see archive.Merge).
func (ix *Index) MergeFromOther(ctx context.Context, src *Index, shardShift uint32, ignoreDuplicates bool) error {
	if err := ix.MergeDirsFromOther(ctx, src); err != nil {
		return err
	}

	files, err := src.collectFiles(ctx, `SELECT `+fileCols+` FROM files`)
	if err != nil {
		return err
	}
	for _, f := range files {
		f.Shard += shardShift
		if err := ix.AddFile(ctx, f); err != nil {
			if err == barecaterr.ErrFileExists && ignoreDuplicates {
				continue
			}
			return err
		}
	}
	return nil
}

func (ix *Index) foldDirMeta(ctx context.Context, existing, incoming DirInfo) error {
	mode := existing.Mode | incoming.Mode
	mtime := existing.MtimeNs
	if incoming.MtimeNs > mtime {
		mtime = incoming.MtimeNs
	}
	_, err := ix.db.ExecContext(ctx,
		`UPDATE dirs SET mode = ?, uid = ?, gid = ?, mtime_ns = ? WHERE path = ?`,
		mode, incoming.UID, incoming.GID, mtime, existing.Path)
	return err
}

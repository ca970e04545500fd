package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/barecat-go/barecat/barecaterr"
	"github.com/barecat-go/barecat/barepath"
)

// AddFile inserts a new file row, implicitly creating any missing ancestor
// directories. Fails with ErrFileExists if info.Path is already present.
func (ix *Index) AddFile(ctx context.Context, info FileInfo) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p := barepath.Normalize(info.Path)
	parent := barepath.Parent(p)

	if err := ix.ensureAncestors(ctx, parent); err != nil {
		return err
	}

	var crc sql.NullInt64
	if info.CRC32C != nil {
		crc = sql.NullInt64{Int64: int64(*info.CRC32C), Valid: true}
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO files(path, parent, shard, offset, size, crc32c, mode, uid, gid, mtime_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p, parent, info.Shard, info.Offset, info.Size, crc, info.Mode, info.UID, info.GID, info.MtimeNs)
	if err != nil {
		if isUniqueViolation(err) {
			return barecaterr.ErrFileExists
		}
		return err
	}
	return nil
}

// AddDir inserts a new directory row. If existOK and the directory already
// exists, this is a no-op.
func (ix *Index) AddDir(ctx context.Context, info DirInfo, existOK bool) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p := barepath.Normalize(info.Path)
	if p == "" {
		if existOK {
			return nil
		}
		return barecaterr.ErrFileExists
	}
	parent := barepath.Parent(p)

	if err := ix.ensureAncestors(ctx, parent); err != nil {
		return err
	}

	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO dirs(path, parent, mode, uid, gid, mtime_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		p, parent, info.Mode, info.UID, info.GID, info.MtimeNs)
	if err != nil {
		if isUniqueViolation(err) {
			if existOK {
				return nil
			}
			return barecaterr.ErrFileExists
		}
		return err
	}
	return nil
}

// ensureAncestors implicitly creates any missing ancestor directories of p
// implemented here in Go rather than a trigger, since creating a
// variable number of ancestor rows is awkward to express as a single
// AFTER INSERT trigger body).
func (ix *Index) ensureAncestors(ctx context.Context, p string) error {
	if p == "" {
		return nil
	}
	if ok, err := ix.IsDir(ctx, p); err != nil {
		return err
	} else if ok {
		return nil
	}
	if err := ix.ensureAncestors(ctx, barepath.Parent(p)); err != nil {
		return err
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dirs(path, parent) VALUES (?, ?)`, p, barepath.Parent(p))
	return err
}

// RemoveFile deletes the file row at p.
func (ix *Index) RemoveFile(ctx context.Context, p string) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p = barepath.Normalize(p)
	res, err := ix.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, p)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return barecaterr.ErrFileNotFound
	}
	return nil
}

// RemoveEmptyDir deletes the directory row at p. Fails with
// ErrDirectoryNotEmpty if it has any children.
func (ix *Index) RemoveEmptyDir(ctx context.Context, p string) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p = barepath.Normalize(p)
	if p == "" {
		return barecaterr.ErrRootImmutable
	}
	d, err := ix.LookupDir(ctx, p)
	if err != nil {
		return err
	}
	if d.NumFiles > 0 || d.NumSubdirs > 0 {
		return barecaterr.ErrDirectoryNotEmpty
	}
	_, err = ix.db.ExecContext(ctx, `DELETE FROM dirs WHERE path = ?`, p)
	return err
}

// RemoveRecursively deletes p (file or directory) and, if a directory,
// every descendant file and directory. Disallowed on root. Runs with
// triggers disabled and explicitly propagates the size/count delta to
// every surviving ancestor above the removed subtree.
func (ix *Index) RemoveRecursively(ctx context.Context, p string) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p = barepath.Normalize(p)
	if p == "" {
		return barecaterr.ErrRootImmutable
	}

	if isFile, err := ix.IsFile(ctx, p); err != nil {
		return err
	} else if isFile {
		return ix.RemoveFile(ctx, p)
	}

	d, err := ix.LookupDir(ctx, p)
	if err != nil {
		return err
	}

	return ix.WithoutTriggers(ctx, func() error {
		prefix := barepath.GlobEscape(p)
		if _, err := ix.db.ExecContext(ctx, `DELETE FROM files WHERE path = ? OR path GLOB ? || '/*'`, p, prefix); err != nil {
			return err
		}
		if _, err := ix.db.ExecContext(ctx, `DELETE FROM dirs WHERE path = ? OR path GLOB ? || '/*'`, p, prefix); err != nil {
			return err
		}
		return ix.propagateDelta(ctx, barepath.Parent(p), 0, -1, -d.SizeTree, -d.NumFilesTree)
	})
}

// propagateDelta adjusts the direct-children counters at p itself and
// size_tree/num_files_tree for p and every ancestor of p.
func (ix *Index) propagateDelta(ctx context.Context, p string, fileDelta, subdirDelta, sizeDelta, countDelta int64) error {
	if fileDelta != 0 || subdirDelta != 0 {
		if _, err := ix.db.ExecContext(ctx,
			`UPDATE dirs SET num_files = num_files + ?, num_subdirs = num_subdirs + ? WHERE path = ?`,
			fileDelta, subdirDelta, p); err != nil {
			return err
		}
	}
	for {
		if _, err := ix.db.ExecContext(ctx,
			`UPDATE dirs SET size_tree = size_tree + ?, num_files_tree = num_files_tree + ? WHERE path = ?`,
			sizeDelta, countDelta, p); err != nil {
			return err
		}
		if p == "" {
			return nil
		}
		p = barepath.Parent(p)
	}
}

// MoveFile updates shard/offset for p (used by defrag and truncate/resize
// placement); size, and therefore tree statistics, are unchanged.
func (ix *Index) MoveFile(ctx context.Context, p string, newShard uint32, newOffset int64) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p = barepath.Normalize(p)
	_, err := ix.db.ExecContext(ctx, `UPDATE files SET shard = ?, offset = ? WHERE path = ?`, newShard, newOffset, p)
	return err
}

// Chmod updates a file or directory's mode.
func (ix *Index) Chmod(ctx context.Context, p string, mode uint32) error {
	return ix.updateMeta(ctx, p, "mode", mode)
}

// Chown updates a file or directory's uid/gid.
func (ix *Index) Chown(ctx context.Context, p string, uid, gid uint32) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p = barepath.Normalize(p)
	for _, table := range []string{"files", "dirs"} {
		if _, err := ix.db.ExecContext(ctx, `UPDATE `+table+` SET uid = ?, gid = ? WHERE path = ?`, uid, gid, p); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMtime updates a file or directory's mtime_ns.
func (ix *Index) UpdateMtime(ctx context.Context, p string, mtimeNs int64) error {
	return ix.updateMeta(ctx, p, "mtime_ns", mtimeNs)
}

func (ix *Index) updateMeta(ctx context.Context, p, col string, val any) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	p = barepath.Normalize(p)
	for _, table := range []string{"files", "dirs"} {
		if _, err := ix.db.ExecContext(ctx, `UPDATE `+table+` SET `+col+` = ? WHERE path = ?`, val, p); err != nil {
			return err
		}
	}
	return nil
}

// Rename dispatches to RenameFile or RenameDir depending on whether src is
// currently a file or a directory.
func (ix *Index) Rename(ctx context.Context, src, dst string) error {
	src = barepath.Normalize(src)
	dst = barepath.Normalize(dst)
	if isFile, err := ix.IsFile(ctx, src); err != nil {
		return err
	} else if isFile {
		return ix.RenameFile(ctx, src, dst)
	}
	return ix.RenameDir(ctx, src, dst)
}

// RenameFile moves a single file to a new path, possibly in a different
// directory.
func (ix *Index) RenameFile(ctx context.Context, src, dst string) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	src = barepath.Normalize(src)
	dst = barepath.Normalize(dst)

	f, err := ix.LookupFile(ctx, src)
	if err != nil {
		return err
	}
	newParent := barepath.Parent(dst)
	if ok, err := ix.IsDir(ctx, newParent); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("parent directory %q: %w", newParent, barecaterr.ErrFileNotFound)
	}

	return ix.WithoutTriggers(ctx, func() error {
		if _, err := ix.db.ExecContext(ctx, `UPDATE files SET path = ?, parent = ? WHERE path = ?`, dst, newParent, src); err != nil {
			if isUniqueViolation(err) {
				return barecaterr.ErrFileExists
			}
			return err
		}
		oldParent := f.Parent()
		if oldParent == newParent {
			return nil
		}
		if err := ix.propagateDelta(ctx, oldParent, -1, 0, -f.Size, -1); err != nil {
			return err
		}
		return ix.propagateDelta(ctx, newParent, 1, 0, f.Size, 1)
	})
}

// RenameDir moves an entire directory subtree to a new path, rewriting
// every descendant file and directory path. Root cannot be renamed.
// Implemented with triggers and foreign-key enforcement both relaxed,
// since the bulk UPDATE transiently produces rows whose parent doesn't yet
// match any dirs.path.
func (ix *Index) RenameDir(ctx context.Context, src, dst string) error {
	if err := ix.requireWritable(); err != nil {
		return err
	}
	src = barepath.Normalize(src)
	dst = barepath.Normalize(dst)
	if src == "" {
		return barecaterr.ErrRootImmutable
	}

	d, err := ix.LookupDir(ctx, src)
	if err != nil {
		return err
	}
	newParent := barepath.Parent(dst)
	if ok, err := ix.IsDir(ctx, newParent); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("parent directory %q: %w", newParent, barecaterr.ErrFileNotFound)
	}

	escaped := barepath.GlobEscape(src)

	return ix.WithoutForeignKeys(ctx, func() error {
		return ix.WithoutTriggers(ctx, func() error {
			rewrite := func(table string) error {
				_, err := ix.db.ExecContext(ctx,
					`UPDATE `+table+` SET
						parent = ? || substr(parent, ? ),
						path   = ? || substr(path, ?)
					 WHERE path = ? OR path GLOB ? || '/*'`,
					dst, len(src)+1, dst, len(src)+1, src, escaped)
				return err
			}
			// The directory row itself first (so self-parent references
			// resolve), then descendants, then files.
			if _, err := ix.db.ExecContext(ctx, `UPDATE dirs SET path = ?, parent = ? WHERE path = ?`, dst, newParent, src); err != nil {
				return err
			}
			if err := rewrite("dirs"); err != nil {
				return err
			}
			if err := rewrite("files"); err != nil {
				return err
			}
			oldParent := d.Parent()
			if oldParent == newParent {
				return nil
			}
			if err := ix.propagateDelta(ctx, oldParent, 0, -1, -d.SizeTree, -d.NumFilesTree); err != nil {
				return err
			}
			return ix.propagateDelta(ctx, newParent, 0, 1, d.SizeTree, d.NumFilesTree)
		})
	})
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports SQLITE_CONSTRAINT_UNIQUE/PRIMARYKEY in the
	// error string; there is no typed sentinel exposed for it.
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed") ||
		strings.Contains(s, "PRIMARY KEY constraint failed") ||
		strings.Contains(s, "constraint failed: UNIQUE")
}

package index

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/barecat-go/barecat/barecaterr"
	"github.com/barecat-go/barecat/barepath"
)

var log = logging.Logger("barecat/index")

// Index owns the SQLite-backed metadata store for one archive.
type Index struct {
	db       *sql.DB
	path     string
	readOnly bool

	mu sync.Mutex // serializes the use_triggers scoped guard
}

// Open opens (creating if necessary) the index database at path. Pass
// readOnly=true to open it in SQLite's URI read-only mode for thread-local,
// lock-free concurrent readers; such an Index must not be
// mutated.
func Open(path string, readOnly bool, initialShardSizeLimit int64) (*Index, error) {
	dsn := "file:" + path
	if readOnly {
		dsn += "?mode=ro&_pragma=busy_timeout(5000)"
	} else {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if readOnly {
		// Multiple read-only connections may be opened concurrently; no
		// shared mutable state needs a single connection.
	} else {
		// Single-writer semantics: one connection keeps use_triggers/
		// foreign_keys PRAGMA toggles and transaction boundaries coherent.
		db.SetMaxOpenConns(1)
	}

	ix := &Index{db: db, path: path, readOnly: readOnly}

	if !readOnly {
		if _, err := db.Exec(renderSchema(initialShardSizeLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return ix, nil
}

// Clone opens a new, independent read-only connection to the same
// database file, suitable for handing to another goroutine as a
// thread-local read-only handle, or for pickling across processes.
// Only valid on an already read-only Index.
func (ix *Index) Clone() (*Index, error) {
	if !ix.readOnly {
		return nil, barecaterr.ErrReadOnlyShare
	}
	return Open(ix.path, true, 0)
}

// Close commits any pending work and, on a writable index, VACUUMs and
// runs PRAGMA optimize before releasing the connection.
func (ix *Index) Close() error {
	if !ix.readOnly {
		if _, err := ix.db.Exec(`VACUUM`); err != nil {
			log.Warnw("vacuum failed on close", "err", err)
		}
		if _, err := ix.db.Exec(`PRAGMA optimize`); err != nil {
			log.Warnw("pragma optimize failed on close", "err", err)
		}
	}
	return ix.db.Close()
}

// ReadOnly reports whether this handle is read-only.
func (ix *Index) ReadOnly() bool { return ix.readOnly }

func (ix *Index) requireWritable() error {
	if ix.readOnly {
		return barecaterr.ErrPermission
	}
	return nil
}

// WithoutTriggers runs fn with the stats triggers disabled (checked via the
// use_triggers config row, since SQLite has no native per-trigger
// disable). Used by recursive delete and by file and directory rename,
// which propagate statistics explicitly instead.
func (ix *Index) WithoutTriggers(ctx context.Context, fn func() error) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, err := ix.db.ExecContext(ctx, `UPDATE config SET value_int = 0 WHERE key = 'use_triggers'`); err != nil {
		return err
	}
	defer ix.db.ExecContext(ctx, `UPDATE config SET value_int = 1 WHERE key = 'use_triggers'`)
	return fn()
}

// WithoutForeignKeys runs fn with foreign-key enforcement relaxed, needed
// while a subtree rename transiently orphans rows. It does not take ix.mu,
// so fn may itself call WithoutTriggers (as RenameDir does).
func (ix *Index) WithoutForeignKeys(ctx context.Context, fn func() error) error {
	if _, err := ix.db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return err
	}
	defer ix.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`)
	return fn()
}

// --- lookups ---

func scanFile(row *sql.Row) (FileInfo, error) {
	var f FileInfo
	var crc sql.NullInt64
	if err := row.Scan(&f.Path, &f.Shard, &f.Offset, &f.Size, &crc, &f.Mode, &f.UID, &f.GID, &f.MtimeNs); err != nil {
		if err == sql.ErrNoRows {
			return FileInfo{}, barecaterr.ErrFileNotFound
		}
		return FileInfo{}, err
	}
	if crc.Valid {
		v := uint32(crc.Int64)
		f.CRC32C = &v
	}
	return f, nil
}

const fileCols = "path, shard, offset, size, crc32c, mode, uid, gid, mtime_ns"
const dirCols = "path, num_subdirs, num_files, size_tree, num_files_tree, mode, uid, gid, mtime_ns"

// LookupFile returns the file row at p, or ErrFileNotFound.
func (ix *Index) LookupFile(ctx context.Context, p string) (FileInfo, error) {
	p = barepath.Normalize(p)
	row := ix.db.QueryRowContext(ctx, `SELECT `+fileCols+` FROM files WHERE path = ?`, p)
	return scanFile(row)
}

func scanDir(row *sql.Row) (DirInfo, error) {
	var d DirInfo
	if err := row.Scan(&d.Path, &d.NumSubdirs, &d.NumFiles, &d.SizeTree, &d.NumFilesTree, &d.Mode, &d.UID, &d.GID, &d.MtimeNs); err != nil {
		if err == sql.ErrNoRows {
			return DirInfo{}, barecaterr.ErrFileNotFound
		}
		return DirInfo{}, err
	}
	return d, nil
}

// LookupDir returns the directory row at p, or ErrFileNotFound.
func (ix *Index) LookupDir(ctx context.Context, p string) (DirInfo, error) {
	p = barepath.Normalize(p)
	row := ix.db.QueryRowContext(ctx, `SELECT `+dirCols+` FROM dirs WHERE path = ?`, p)
	return scanDir(row)
}

// Exists reports whether p names a file or directory.
func (ix *Index) Exists(ctx context.Context, p string) (bool, error) {
	if isDir, err := ix.IsDir(ctx, p); err != nil {
		return false, err
	} else if isDir {
		return true, nil
	}
	return ix.IsFile(ctx, p)
}

// IsFile reports whether p names a file.
func (ix *Index) IsFile(ctx context.Context, p string) (bool, error) {
	p = barepath.Normalize(p)
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE path = ?`, p).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// IsDir reports whether p names a directory.
func (ix *Index) IsDir(ctx context.Context, p string) (bool, error) {
	p = barepath.Normalize(p)
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT 1 FROM dirs WHERE path = ?`, p).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ReverseLookup finds the file row whose address is exactly (shard,
// offset), or ErrFileNotFound.
func (ix *Index) ReverseLookup(ctx context.Context, shardIdx uint32, offset int64) (FileInfo, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT `+fileCols+` FROM files WHERE shard = ? AND offset = ?`, shardIdx, offset)
	return scanFile(row)
}

// LogicalShardEnd returns max(offset+size) over files in shardIdx, or 0 if
// the shard has no files.
func (ix *Index) LogicalShardEnd(ctx context.Context, shardIdx uint32) (int64, error) {
	var end sql.NullInt64
	err := ix.db.QueryRowContext(ctx, `SELECT MAX(offset + size) FROM files WHERE shard = ?`, shardIdx).Scan(&end)
	if err != nil {
		return 0, err
	}
	return end.Int64, nil
}

// LogicalShardEnds returns LogicalShardEnd for every shard number that has
// at least one file, used by shard.Open's crash-recovery truncation.
func (ix *Index) LogicalShardEnds(ctx context.Context) (map[uint32]int64, error) {
	rows, err := ix.db.QueryContext(ctx, `SELECT shard, MAX(offset + size) FROM files GROUP BY shard`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[uint32]int64{}
	for rows.Next() {
		var s uint32
		var end int64
		if err := rows.Scan(&s, &end); err != nil {
			return nil, err
		}
		out[s] = end
	}
	return out, rows.Err()
}

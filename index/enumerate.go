package index

import (
	"context"
	"database/sql"

	"github.com/barecat-go/barecat/barepath"
)

// IterFiles streams every file row in the requested order.
func (ix *Index) IterFiles(ctx context.Context, order Order) (*FileIter, error) {
	q := `SELECT ` + fileCols + ` FROM files ` + order.sql("shard, offset", "path")
	rows, err := ix.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	return &FileIter{rows: rows}, nil
}

// FileIter is a cursor over file rows; call Next then Err/Close.
type FileIter struct {
	rows *sql.Rows
}

func (it *FileIter) Next() bool { return it.rows.Next() }

func (it *FileIter) File() (FileInfo, error) {
	var f FileInfo
	var crc sql.NullInt64
	if err := it.rows.Scan(&f.Path, &f.Shard, &f.Offset, &f.Size, &crc, &f.Mode, &f.UID, &f.GID, &f.MtimeNs); err != nil {
		return FileInfo{}, err
	}
	if crc.Valid {
		v := uint32(crc.Int64)
		f.CRC32C = &v
	}
	return f, nil
}

func (it *FileIter) Err() error   { return it.rows.Err() }
func (it *FileIter) Close() error { return it.rows.Close() }

// IterDirs streams every directory row in the requested order.
func (ix *Index) IterDirs(ctx context.Context, order Order) (*DirIter, error) {
	q := `SELECT ` + dirCols + ` FROM dirs ` + order.sql("path", "path")
	rows, err := ix.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	return &DirIter{rows: rows}, nil
}

// DirIter is a cursor over directory rows.
type DirIter struct {
	rows *sql.Rows
}

func (it *DirIter) Next() bool { return it.rows.Next() }

func (it *DirIter) Dir() (DirInfo, error) {
	var d DirInfo
	if err := it.rows.Scan(&d.Path, &d.NumSubdirs, &d.NumFiles, &d.SizeTree, &d.NumFilesTree, &d.Mode, &d.UID, &d.GID, &d.MtimeNs); err != nil {
		return DirInfo{}, err
	}
	return d, nil
}

func (it *DirIter) Err() error   { return it.rows.Err() }
func (it *DirIter) Close() error { return it.rows.Close() }

// Entry is either a file or a directory, as yielded by IterAll/Walk.
type Entry struct {
	File *FileInfo
	Dir  *DirInfo
}

func (e Entry) Path() string {
	if e.File != nil {
		return e.File.Path
	}
	return e.Dir.Path
}

// IterAll yields the union of files and dirs ordered by path (the only
// ordering that makes sense across both tables); OrderPathDesc and
// OrderAddressDesc reverse it. Any other Order falls back to OrderPath.
func (ix *Index) IterAll(ctx context.Context, order Order) ([]Entry, error) {
	files, err := ix.collectFiles(ctx, `SELECT `+fileCols+` FROM files`)
	if err != nil {
		return nil, err
	}
	dirs, err := ix.collectDirs(ctx, `SELECT `+dirCols+` FROM dirs`)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files)+len(dirs))
	for i := range files {
		out = append(out, Entry{File: &files[i]})
	}
	for i := range dirs {
		out = append(out, Entry{Dir: &dirs[i]})
	}
	sortEntries(out, order)
	return out, nil
}

func sortEntries(out []Entry, order Order) {
	less := func(i, j int) bool { return out[i].Path() < out[j].Path() }
	if order == OrderPathDesc || order == OrderAddressDesc {
		lessAsc := less
		less = func(i, j int) bool { return !lessAsc(i, j) && out[i].Path() != out[j].Path() }
	}
	insertionSortEntries(out, less)
}

// insertionSortEntries avoids pulling in sort.Slice's reflection for a
// small, already-mostly-sorted union merge.
func insertionSortEntries(out []Entry, less func(i, j int) bool) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}

func (ix *Index) collectFiles(ctx context.Context, q string, args ...any) ([]FileInfo, error) {
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileInfo
	for rows.Next() {
		var f FileInfo
		var crc sql.NullInt64
		if err := rows.Scan(&f.Path, &f.Shard, &f.Offset, &f.Size, &crc, &f.Mode, &f.UID, &f.GID, &f.MtimeNs); err != nil {
			return nil, err
		}
		if crc.Valid {
			v := uint32(crc.Int64)
			f.CRC32C = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (ix *Index) collectDirs(ctx context.Context, q string, args ...any) ([]DirInfo, error) {
	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DirInfo
	for rows.Next() {
		var d DirInfo
		if err := rows.Scan(&d.Path, &d.NumSubdirs, &d.NumFiles, &d.SizeTree, &d.NumFilesTree, &d.Mode, &d.UID, &d.GID, &d.MtimeNs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDirectFiles returns the files directly inside dir.
func (ix *Index) ListDirectFiles(ctx context.Context, dir string, order Order) ([]FileInfo, error) {
	dir = barepath.Normalize(dir)
	return ix.collectFiles(ctx, `SELECT `+fileCols+` FROM files WHERE parent = ? `+order.sql("shard, offset", "path"), dir)
}

// ListSubdirs returns the directories directly inside dir.
func (ix *Index) ListSubdirs(ctx context.Context, dir string, order Order) ([]DirInfo, error) {
	dir = barepath.Normalize(dir)
	return ix.collectDirs(ctx, `SELECT `+dirCols+` FROM dirs WHERE parent = ? `+order.sql("path", "path"), dir)
}

// ListdirNames returns the direct child names (not full paths) of dir,
// files and subdirectories combined.
func (ix *Index) ListdirNames(ctx context.Context, dir string) ([]string, error) {
	files, err := ix.ListDirectFiles(ctx, dir, OrderPath)
	if err != nil {
		return nil, err
	}
	subdirs, err := ix.ListSubdirs(ctx, dir, OrderPath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files)+len(subdirs))
	for _, f := range files {
		_, base := barepath.Split(f.Path)
		out = append(out, base)
	}
	for _, d := range subdirs {
		_, base := barepath.Split(d.Path)
		out = append(out, base)
	}
	return out, nil
}

// IterdirInfos returns the direct children of dir as a mixed Entry slice.
func (ix *Index) IterdirInfos(ctx context.Context, dir string, order Order) ([]Entry, error) {
	files, err := ix.ListDirectFiles(ctx, dir, order)
	if err != nil {
		return nil, err
	}
	subdirs, err := ix.ListSubdirs(ctx, dir, order)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files)+len(subdirs))
	for i := range files {
		out = append(out, Entry{File: &files[i]})
	}
	for i := range subdirs {
		out = append(out, Entry{Dir: &subdirs[i]})
	}
	return out, nil
}

// Walk visits dir and every descendant in pre-order: the directory itself,
// then its direct file children, then each subdirectory recursively.
func (ix *Index) Walk(ctx context.Context, dir string, order Order) ([]Entry, error) {
	dir = barepath.Normalize(dir)
	d, err := ix.LookupDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := []Entry{{Dir: &d}}
	return ix.walkInto(ctx, dir, order, out)
}

func (ix *Index) walkInto(ctx context.Context, dir string, order Order, out []Entry) ([]Entry, error) {
	files, err := ix.ListDirectFiles(ctx, dir, order)
	if err != nil {
		return nil, err
	}
	for i := range files {
		out = append(out, Entry{File: &files[i]})
	}
	subdirs, err := ix.ListSubdirs(ctx, dir, order)
	if err != nil {
		return nil, err
	}
	for i := range subdirs {
		sub := subdirs[i]
		out = append(out, Entry{Dir: &sub})
		out, err = ix.walkInto(ctx, sub.Path, order, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

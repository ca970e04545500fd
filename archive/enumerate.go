package archive

import (
	"context"

	"github.com/barecat-go/barecat/index"
)

// Glob returns every path matching pattern (shell-glob semantics).
// recursive enables "**" recursive-descent matching; includeHidden
// controls whether dotfile/dotdir path components are matched at all;
// onlyFiles restricts the result to files, otherwise matching
// directories are included too.
func (a *Archive) Glob(ctx context.Context, pattern string, recursive, includeHidden, onlyFiles bool) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.GlobPaths(ctx, pattern, recursive, includeHidden, onlyFiles)
}

// Walk visits dir and every descendant file/directory in pre-order.
func (a *Archive) Walk(ctx context.Context, dir string, order index.Order) ([]index.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.Walk(ctx, normPath(dir), order)
}

// Listdir returns the direct children of dir.
func (a *Archive) Listdir(ctx context.Context, dir string, order index.Order) ([]index.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.IterdirInfos(ctx, normPath(dir), order)
}

// Iter yields every file in the archive in the requested order. Callers
// must Close the returned iterator.
func (a *Archive) Iter(ctx context.Context, order index.Order) (*index.FileIter, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.IterFiles(ctx, order)
}

// Stat returns the FileInfo for path, or ErrFileNotFound.
func (a *Archive) Stat(ctx context.Context, path string) (index.FileInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.LookupFile(ctx, normPath(path))
}

// StatDir returns the DirInfo for path, or ErrFileNotFound.
func (a *Archive) StatDir(ctx context.Context, path string) (index.DirInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.idx.LookupDir(ctx, normPath(path))
}

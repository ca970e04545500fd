// Package ingest implements barecat's parallel bulk-loading pipeline.
//
// A producer goroutine enumerates (filesystem path, archive path) pairs,
// stats each one, and reserves the destination shard extent for every
// regular file up front. A bounded pool of workers then writes file bodies
// into their reserved extents concurrently, computing CRC32C as they go;
// since reservations never overlap, the workers need no locking against
// each other. A single consumer goroutine owns all index mutations and
// records a file's row only after its bytes are fully written, so a crash
// mid-pipeline leaves at worst an unreferenced zero-filled hole, never an
// indexed file with unwritten bytes.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/barecat-go/barecat/archive"
	"github.com/barecat-go/barecat/barepath"
	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

var log = logging.Logger("barecat/ingest")

// Entry is one item to ingest: a filesystem path and the logical archive
// path to store it under.
type Entry struct {
	FsPath      string
	ArchivePath string
}

// Source yields the entries to ingest. Next returns ok=false when the
// source is exhausted.
type Source interface {
	Next() (Entry, bool, error)
}

// Options configures Run.
type Options struct {
	// Workers bounds how many file bodies are written concurrently.
	// Defaults to runtime.NumCPU().
	Workers int

	// QueueSize bounds how many tasks may be in flight between the
	// producer, the workers, and the consumer. Defaults to 2*Workers.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 2 * o.Workers
	}
	return o
}

// task is one unit of producer-to-worker work. Directory tasks carry only
// metadata and pass through the workers untouched.
type task struct {
	fsPath string
	dir    bool
	info   index.FileInfo // path, size, mode, mtime (uid/gid are not read and stay 0); addr filled from the reservation
	addr   shard.Address
}

// completion is what the consumer records: a fully written file (crc set)
// or a directory's metadata.
type completion struct {
	dir  bool
	info index.FileInfo
}

// Run drains src into dst. The producer goroutine performs the only
// shared-state mutation of the fan-out phase (reserving shard extents,
// serialized inside the shard manager); workers fill the reserved extents
// concurrently; the consumer goroutine is the only one touching the index.
// Run returns the first error any stage hits, after draining the queue and
// joining every goroutine.
func Run(ctx context.Context, dst *archive.Archive, src Source, opts Options) error {
	opts = opts.withDefaults()

	g, ctx := errgroup.WithContext(ctx)
	tasks := make(chan task, opts.QueueSize)
	results := make(chan completion, opts.QueueSize)

	g.Go(func() error {
		defer close(tasks)
		return produce(ctx, dst, src, tasks)
	})

	var workers sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return work(ctx, dst, tasks, results)
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		return consume(ctx, dst, results)
	})

	return g.Wait()
}

func produce(ctx context.Context, dst *archive.Archive, src Source, tasks chan<- task) error {
	for {
		e, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		if !ok {
			return nil
		}

		fi, err := os.Stat(e.FsPath)
		if err != nil {
			return fmt.Errorf("stat %s: %w", e.FsPath, err)
		}

		t := task{
			fsPath: e.FsPath,
			dir:    fi.IsDir(),
			info: index.FileInfo{
				Path:    barepath.Normalize(e.ArchivePath),
				Size:    fi.Size(),
				Mode:    uint32(fi.Mode().Perm()),
				MtimeNs: fi.ModTime().UnixNano(),
			},
		}
		if !t.dir {
			// The only fan-out-phase mutation: claim the extent now so the
			// workers can write without coordinating with each other.
			addr, err := dst.Reserve(fi.Size())
			if err != nil {
				return fmt.Errorf("reserving %d bytes for %s: %w", fi.Size(), e.ArchivePath, err)
			}
			t.addr = addr
			t.info.Shard = addr.Shard
			t.info.Offset = addr.Offset
		}

		select {
		case tasks <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func work(ctx context.Context, dst *archive.Archive, tasks <-chan task, results chan<- completion) error {
	for t := range tasks {
		c := completion{dir: t.dir, info: t.info}
		if !t.dir {
			crc, err := writeBody(dst, t)
			if err != nil {
				return err
			}
			c.info.CRC32C = &crc
		}
		select {
		case results <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func writeBody(dst *archive.Archive, t task) (uint32, error) {
	f, err := os.Open(t.fsPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	crc, err := dst.WriteReserved(f, t.addr)
	if err != nil {
		return 0, fmt.Errorf("writing %s into reserved slot: %w", t.info.Path, err)
	}
	return crc, nil
}

func consume(ctx context.Context, dst *archive.Archive, results <-chan completion) error {
	var files, dirs int
	for {
		select {
		case c, ok := <-results:
			if !ok {
				log.Infow("ingest finished", "files", files, "dirs", dirs)
				return nil
			}
			if c.dir {
				d := index.DirInfo{Path: c.info.Path, Mode: c.info.Mode, UID: c.info.UID, GID: c.info.GID, MtimeNs: c.info.MtimeNs}
				if err := dst.AddDirInfo(ctx, d, true); err != nil {
					return fmt.Errorf("adding directory %s: %w", c.info.Path, err)
				}
				dirs++
				continue
			}
			if err := dst.CommitReserved(ctx, c.info); err != nil {
				return fmt.Errorf("adding %s: %w", c.info.Path, err)
			}
			files++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DirWalkSource walks one or more roots on the filesystem, yielding every
// directory and regular file beneath them. With stripRoot, archive paths
// are relative to each root; otherwise they are prefixed with the root's
// base name, mirroring what tar does with a directory argument.
type DirWalkSource struct {
	entries []Entry
	idx     int
}

// NewDirWalkSource enumerates roots up front so ingest progress is
// deterministic even while the walked tree is being mutated.
func NewDirWalkSource(roots []string, stripRoot bool) (*DirWalkSource, error) {
	var entries []Entry
	for _, root := range roots {
		root := filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			ap := filepath.ToSlash(rel)
			if !stripRoot {
				ap = barepath.Join(filepath.Base(root), ap)
			}
			ap = barepath.Normalize(ap)
			if ap == "" {
				return nil // the root directory itself
			}
			entries = append(entries, Entry{FsPath: path, ArchivePath: ap})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	return &DirWalkSource{entries: entries}, nil
}

func (s *DirWalkSource) Next() (Entry, bool, error) {
	if s.idx >= len(s.entries) {
		return Entry{}, false, nil
	}
	e := s.entries[s.idx]
	s.idx++
	return e, true, nil
}

// ListSource serves a pre-built list of paths, each interpreted relative
// to base on the filesystem and as its own (normalized) archive path. Used
// for the CLI's newline/NUL-delimited stdin ingest mode.
type ListSource struct {
	base  string
	paths []string
	idx   int
}

// NewListSource builds a Source over paths rooted at base.
func NewListSource(base string, paths []string) *ListSource {
	return &ListSource{base: base, paths: paths}
}

func (s *ListSource) Next() (Entry, bool, error) {
	if s.idx >= len(s.paths) {
		return Entry{}, false, nil
	}
	p := s.paths[s.idx]
	s.idx++
	return Entry{FsPath: filepath.Join(s.base, p), ArchivePath: barepath.Normalize(p)}, true, nil
}

// Package archive implements the barecat archive façade: a single handle
// composing a shard.Manager (physical bytes) and an index.Index (logical
// metadata), exposing path-keyed file operations and a map-like API.
package archive

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/barecat-go/barecat/barecaterr"
	"github.com/barecat-go/barecat/barepath"
	"github.com/barecat-go/barecat/codec"
	"github.com/barecat-go/barecat/index"
	"github.com/barecat-go/barecat/shard"
)

var log = logging.Logger("barecat/archive")

const (
	defaultShardSizeLimit = shard.Unlimited
)

type config struct {
	shardSizeLimit     int64
	limitSet           bool
	allowSymlinkShards bool
	mode               shard.Mode
	codecs             *codec.Registry
}

// Option configures Open.
type Option func(*config)

// WithShardSizeLimit caps how large any one shard file is allowed to grow,
// triggering automatic rollover to a new shard once reached. Without this
// option an existing archive keeps the limit persisted in its index.
// Shrinking the limit below data already written fails with
// ErrInvalidArgument.
func WithShardSizeLimit(n int64) Option {
	return func(c *config) { c.shardSizeLimit = n; c.limitSet = true }
}

// WithAllowSymlinkedShards permits shard files that are themselves
// symlinks, used when shards are distributed across mounts.
func WithAllowSymlinkedShards() Option {
	return func(c *config) { c.allowSymlinkShards = true }
}

// WithReadOnly opens the archive for reading only: the index is opened in
// SQLite URI read-only mode (safe for many concurrent readers) and the
// shard manager refuses writes.
func WithReadOnly() Option {
	return func(c *config) { c.mode = shard.ReadOnly }
}

// WithAppendOnly opens the archive so that new files may be added but
// nothing already stored can be removed, renamed, or moved.
func WithAppendOnly() Option {
	return func(c *config) { c.mode = shard.AppendOnly }
}

// WithCodecs substitutes the codec registry consulted by GetDecoded/
// AddEncoded. The default is codec.Default().
func WithCodecs(r *codec.Registry) Option {
	return func(c *config) { c.codecs = r }
}

func (c *config) apply(opts []Option) {
	for _, o := range opts {
		o(c)
	}
}

// Archive is a single barecat archive: a sequence of shard files holding
// raw bytes, and an index database describing which logical path occupies
// which byte range of which shard.
type Archive struct {
	basePath string
	idx      *index.Index
	shards   *shard.Manager
	codecs   *codec.Registry
	mode     shard.Mode

	mu sync.RWMutex
}

// Open opens (creating if necessary, unless WithReadOnly is given) the
// archive rooted at basePath. The index lives at basePath+"-sqlite-index"
// and shard files at basePath+"-shard-NNNNN".
func Open(basePath string, opts ...Option) (*Archive, error) {
	c := config{shardSizeLimit: defaultShardSizeLimit, mode: shard.ReadWrite}
	c.apply(opts)
	if c.codecs == nil {
		c.codecs = codec.Default()
	}

	readOnly := c.mode == shard.ReadOnly
	idx, err := index.Open(indexPath(basePath), readOnly, c.shardSizeLimit)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	ctx := context.Background()
	limit := c.shardSizeLimit
	if !readOnly && c.limitSet {
		// An explicitly requested limit must beat whatever the index has
		// persisted; SetShardSizeLimit refuses to shrink below data already
		// written.
		if err := idx.SetShardSizeLimit(ctx, limit); err != nil {
			idx.Close()
			return nil, err
		}
	} else {
		persisted, err := idx.ShardSizeLimit(ctx)
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("reading shard size limit: %w", err)
		}
		limit = persisted
	}

	shardOpts := []shard.Option{shard.WithSizeLimit(limit)}
	if c.allowSymlinkShards {
		shardOpts = append(shardOpts, shard.WithAllowSymlinkedShards())
	}
	if !readOnly {
		ends, err := idx.LogicalShardEnds(ctx)
		if err != nil {
			idx.Close()
			return nil, fmt.Errorf("reading shard ends for crash recovery: %w", err)
		}
		shardOpts = append(shardOpts, shard.WithRecoveryEnds(ends))
	}

	sm, err := shard.Open(basePath, c.mode, shardOpts...)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("opening shards: %w", err)
	}

	return &Archive{basePath: basePath, idx: idx, shards: sm, codecs: c.codecs, mode: c.mode}, nil
}

func indexPath(basePath string) string { return basePath + "-sqlite-index" }

// Close flushes and closes both the index and the shard manager.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	serr := a.shards.Close()
	ierr := a.idx.Close()
	if serr != nil {
		return serr
	}
	return ierr
}

// ReadOnly reports whether this handle was opened with WithReadOnly.
func (a *Archive) ReadOnly() bool { return a.idx.ReadOnly() }

// AppendOnly reports whether this handle was opened with WithAppendOnly.
func (a *Archive) AppendOnly() bool { return a.mode == shard.AppendOnly }

// requireMutable guards operations that remove, rename, or relocate
// existing data, which append-only handles must refuse. Plain additions
// only need the index's own writability check.
func (a *Archive) requireMutable() error {
	if a.mode != shard.ReadWrite {
		return barecaterr.ErrPermission
	}
	return nil
}

// Index exposes the underlying metadata index for callers (CLI verify/
// glob/walk commands) that need read-only structural queries without a
// full path-keyed API wrapper.
func (a *Archive) Index() *index.Index { return a.idx }

// Clone opens an independent read-only handle sharing the same on-disk
// files, for handing to another goroutine. Only valid on a read-only
// Archive.
func (a *Archive) Clone() (*Archive, error) {
	if !a.idx.ReadOnly() {
		return nil, barecaterr.ErrReadOnlyShare
	}
	idx, err := a.idx.Clone()
	if err != nil {
		return nil, err
	}
	sm, err := shard.Open(a.basePath, shard.ReadOnly)
	if err != nil {
		idx.Close()
		return nil, err
	}
	return &Archive{basePath: a.basePath, idx: idx, shards: sm, codecs: a.codecs, mode: shard.ReadOnly}, nil
}

func normPath(p string) string { return barepath.Normalize(p) }

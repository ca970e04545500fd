// Package shard implements barecat's shard manager: placement of file
// bodies into a small number of append-oriented blob files ("shards"),
// CRC32C integrity, reserve/commit slots for the parallel ingest pipeline,
// and crash-recovery truncation of a writable archive's tail.
//
// Each open shard pairs one *os.File with a tracked logical length. The
// index is the authority on which bytes are valid; the shards just hold
// them, flushed eagerly since there is no separate WAL to replay on crash.
package shard

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/barecat-go/barecat/barecaterr"
)

var log = logging.Logger("barecat/shard")

// crcTable is the Castagnoli polynomial, i.e. CRC32C.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumEmpty is the CRC32C of the empty byte string. Zero-size files are
// checksummed as this deterministic value rather than being left null.
var ChecksumEmpty = crc32.Checksum(nil, crcTable)

// Mode controls how a Manager opens its shard files.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	AppendOnly
)

// Address is the on-disk location of one stored file.
type Address struct {
	Shard  uint32
	Offset int64
	Size   int64
}

func shardFileName(basePath string, idx uint32) string {
	return fmt.Sprintf("%s-shard-%05d", basePath, idx)
}

// shardHandle is one open shard blob.
type shardHandle struct {
	idx    uint32
	f      *os.File
	length int64 // tail position: end of the last write or reservation; lowered only by truncation
}

// Manager owns the open shard descriptors for one archive.
type Manager struct {
	basePath     string
	mode         Mode
	allowSymlink bool

	mu        sync.Mutex
	sizeLimit int64
	shards    []*shardHandle // index i holds shard number i; always contiguous
}

// Option configures Open.
type Option func(*config)

type config struct {
	sizeLimit          int64
	allowSymlinkShards bool
	logicalEnds        map[uint32]int64
}

// Unlimited is the shard_size_limit sentinel meaning "no limit".
const Unlimited = int64(1<<63 - 1)

// WithSizeLimit sets the shard size limit enforced on writes.
func WithSizeLimit(n int64) Option { return func(c *config) { c.sizeLimit = n } }

// WithAllowSymlinkedShards permits opening writable shards that are
// symbolic links (normally an error).
func WithAllowSymlinkedShards() Option { return func(c *config) { c.allowSymlinkShards = true } }

// WithRecoveryEnds supplies, per shard number, the logical end recorded by
// the index. In writable modes, any shard whose physical size exceeds its
// supplied end is truncated to that end at Open (crash recovery). Shards
// not present in the map are assumed fully valid at their physical size.
func WithRecoveryEnds(ends map[uint32]int64) Option {
	return func(c *config) { c.logicalEnds = ends }
}

// Open opens every pre-existing shard blob for basePath (files named
// "<basePath>-shard-NNNNN"). In writable modes, truncates any shard whose
// on-disk size exceeds its recovery end, and refuses to open a symlinked
// shard unless WithAllowSymlinkedShards was given.
func Open(basePath string, mode Mode, opts ...Option) (*Manager, error) {
	c := config{sizeLimit: Unlimited}
	for _, o := range opts {
		o(&c)
	}

	existing, err := discoverShards(basePath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		basePath:     basePath,
		mode:         mode,
		allowSymlink: c.allowSymlinkShards,
		sizeLimit:    c.sizeLimit,
	}

	flag := os.O_RDONLY
	if mode != ReadOnly {
		flag = os.O_RDWR
	}

	for _, idx := range existing {
		name := shardFileName(basePath, idx)
		if mode != ReadOnly {
			fi, lerr := os.Lstat(name)
			if lerr != nil {
				return nil, lerr
			}
			if fi.Mode()&os.ModeSymlink != 0 && !c.allowSymlinkShards {
				return nil, fmt.Errorf("shard %d (%s) is a symlink; refusing to open writable without WithAllowSymlinkedShards", idx, name)
			}
		}

		f, err := os.OpenFile(name, flag, 0o644)
		if err != nil {
			m.closeAll()
			return nil, fmt.Errorf("opening shard %d: %w", idx, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			m.closeAll()
			return nil, err
		}
		length := fi.Size()

		if mode != ReadOnly {
			if end, ok := c.logicalEnds[idx]; ok && length > end {
				log.Infow("truncating shard tail on open (crash recovery)", "shard", idx, "from", length, "to", end)
				if err := f.Truncate(end); err != nil {
					f.Close()
					m.closeAll()
					return nil, fmt.Errorf("truncating shard %d for recovery: %w", idx, err)
				}
				length = end
			}
		}

		m.shards = append(m.shards, &shardHandle{idx: idx, f: f, length: length})
	}

	return m, nil
}

func discoverShards(basePath string) ([]uint32, error) {
	dir := filepath.Dir(basePath)
	prefix := filepath.Base(basePath) + "-shard-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []uint32
	for _, e := range entries {
		name := e.Name()
		if len(name) != len(prefix)+5 || name[:len(prefix)] != prefix {
			continue
		}
		var idx uint32
		if _, err := fmt.Sscanf(name[len(prefix):], "%05d", &idx); err != nil {
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Manager) closeAll() {
	for _, s := range m.shards {
		s.f.Close()
	}
	m.shards = nil
}

// Close releases all open shard file descriptors.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, s := range m.shards {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.shards = nil
	return firstErr
}

// SizeLimit returns the currently enforced shard size limit.
func (m *Manager) SizeLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeLimit
}

// SetSizeLimit updates the enforced shard size limit. The index is the
// authority on this value; the façade propagates changes here.
func (m *Manager) SetSizeLimit(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeLimit = n
}

// CurrentShard returns the index of the current (highest-numbered) shard,
// creating shard 0 first if no shard exists yet.
func (m *Manager) CurrentShard() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentShardLocked()
}

func (m *Manager) currentShardLocked() (uint32, error) {
	if len(m.shards) == 0 {
		if err := m.openNewShardLocked(); err != nil {
			return 0, err
		}
	}
	return m.shards[len(m.shards)-1].idx, nil
}

func (m *Manager) openNewShardLocked() error {
	idx := uint32(len(m.shards))
	name := shardFileName(m.basePath, idx)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("creating shard %d: %w", idx, err)
	}
	m.shards = append(m.shards, &shardHandle{idx: idx, f: f})
	log.Infow("started new shard", "shard", idx)
	return nil
}

// StartNewShard rolls over explicitly, returning the new shard's index.
func (m *Manager) StartNewShard() (uint32, error) {
	if err := m.requireWritable(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openNewShardLocked(); err != nil {
		return 0, err
	}
	return m.shards[len(m.shards)-1].idx, nil
}

func (m *Manager) handle(idx uint32) (*shardHandle, error) {
	for _, s := range m.shards {
		if s.idx == idx {
			return s, nil
		}
	}
	return nil, fmt.Errorf("shard %d not open", idx)
}

// PhysicalSize returns the on-disk size of shard idx.
func (m *Manager) PhysicalSize(idx uint32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.handle(idx)
	if err != nil {
		return 0, err
	}
	fi, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// LogicalEnd returns the tracked logical end (tail position) of shard idx.
func (m *Manager) LogicalEnd(idx uint32) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.handle(idx)
	if err != nil {
		return 0, err
	}
	return h.length, nil
}

// ShardCount returns the number of currently open shards.
func (m *Manager) ShardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shards)
}

// ReadFromAddress reads addr.Size bytes at addr, optionally verifying a
// CRC32C checksum.
func (m *Manager) ReadFromAddress(addr Address, expectedCRC *uint32) ([]byte, error) {
	buf := make([]byte, addr.Size)
	n, err := m.ReadIntoFromAddress(addr, buf, expectedCRC)
	return buf[:n], err
}

// ReadIntoFromAddress reads into buf (which must have length >= addr.Size)
// at addr, optionally verifying a CRC32C checksum.
func (m *Manager) ReadIntoFromAddress(addr Address, buf []byte, expectedCRC *uint32) (int, error) {
	m.mu.Lock()
	h, err := m.handle(addr.Shard)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := h.f.ReadAt(buf[:addr.Size], addr.Offset)
	if err != nil && err != io.EOF {
		return n, err
	}
	if expectedCRC != nil {
		got := crc32.Checksum(buf[:n], crcTable)
		if got != *expectedCRC {
			return n, fmt.Errorf("shard %d offset %d: %w", addr.Shard, addr.Offset,
				barecaterr.ErrCrcMismatch{Want: *expectedCRC, Got: got})
		}
	}
	return n, nil
}

// IsCrcMismatch reports whether err is (or wraps) a CRC32C mismatch.
func IsCrcMismatch(err error) bool {
	var e barecaterr.ErrCrcMismatch
	return errors.As(err, &e)
}

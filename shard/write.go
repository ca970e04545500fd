package shard

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/barecat-go/barecat/barecaterr"
)

const copyBufSize = 64 * 1024

func (m *Manager) requireWritable() error {
	if m.mode == ReadOnly {
		return barecaterr.ErrPermission
	}
	return nil
}

// Add writes data at the tail of the current shard, unless reserved is
// non-nil, in which case it writes at that exact (shard, offset) slot
// (used by the parallel ingest pipeline). Returns the final address and
// the CRC32C of data.
func (m *Manager) Add(data []byte, reserved *Address) (Address, uint32, error) {
	if err := m.requireWritable(); err != nil {
		return Address{}, 0, err
	}
	crc := crc32.Checksum(data, crcTable)
	if reserved != nil {
		if int64(len(data)) != reserved.Size {
			return Address{}, 0, fmt.Errorf("data length %d does not match reserved slot size %d", len(data), reserved.Size)
		}
		// Workers call this concurrently with the producer's Reserve, which
		// appends to m.shards; the lookup must hold the lock.
		m.mu.Lock()
		h, err := m.handle(reserved.Shard)
		m.mu.Unlock()
		if err != nil {
			return Address{}, 0, err
		}
		if _, err := h.f.WriteAt(data, reserved.Offset); err != nil {
			return Address{}, 0, err
		}
		return *reserved, crc, nil
	}

	m.mu.Lock()
	addr, err := m.reserveSpaceLocked(int64(len(data)))
	if err != nil {
		m.mu.Unlock()
		return Address{}, 0, err
	}
	h, _ := m.handle(addr.Shard)
	m.mu.Unlock()

	if _, err := h.f.WriteAt(data, addr.Offset); err != nil {
		return Address{}, 0, err
	}
	return addr, crc, nil
}

// AddStream writes r at the tail of the current shard (or at reserved, if
// given) without requiring the caller to know its length up front. If the
// final length overflows the shard size limit, the bytes just written are
// moved to a new shard and the returned address points there.
func (m *Manager) AddStream(r io.Reader, reserved *Address) (Address, uint32, error) {
	if err := m.requireWritable(); err != nil {
		return Address{}, 0, err
	}
	if reserved != nil {
		return m.addStreamReserved(r, *reserved)
	}

	m.mu.Lock()
	idx, err := m.currentShardLocked()
	if err != nil {
		m.mu.Unlock()
		return Address{}, 0, err
	}
	h, _ := m.handle(idx)
	start := h.length
	limit := m.sizeLimit
	m.mu.Unlock()

	hasher := crc32.New(crcTable)
	buf := make([]byte, copyBufSize)
	pos := start
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := h.f.WriteAt(buf[:n], pos); werr != nil {
				return Address{}, 0, werr
			}
			hasher.Write(buf[:n])
			pos += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Address{}, 0, rerr
		}
	}
	written := pos - start

	m.mu.Lock()
	h.length = pos
	m.mu.Unlock()

	if limit != Unlimited && start+written > limit {
		addr, err := m.relocateTail(idx, start, written)
		if err != nil {
			return Address{}, 0, err
		}
		return addr, hasher.Sum32(), nil
	}
	return Address{Shard: idx, Offset: start, Size: written}, hasher.Sum32(), nil
}

func (m *Manager) addStreamReserved(r io.Reader, addr Address) (Address, uint32, error) {
	m.mu.Lock()
	h, err := m.handle(addr.Shard)
	m.mu.Unlock()
	if err != nil {
		return Address{}, 0, err
	}
	hasher := crc32.New(crcTable)
	buf := make([]byte, copyBufSize)
	var written int64
	pos := addr.Offset
	for written < addr.Size {
		toRead := addr.Size - written
		if toRead > int64(len(buf)) {
			toRead = int64(len(buf))
		}
		n, rerr := r.Read(buf[:toRead])
		if n > 0 {
			if _, werr := h.f.WriteAt(buf[:n], pos); werr != nil {
				return Address{}, 0, werr
			}
			hasher.Write(buf[:n])
			pos += int64(n)
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Address{}, 0, rerr
		}
	}
	if written != addr.Size {
		return Address{}, 0, fmt.Errorf("stream wrote %d bytes into a %d-byte reservation", written, addr.Size)
	}
	return addr, hasher.Sum32(), nil
}

// Reserve atomically advances the tail of the current shard (rolling over
// if required), zero-fills the slot, and returns it. The caller is
// expected to later write the real bytes there; if it never does, the
// slot remains a zero-filled hole that full verification will flag.
func (m *Manager) Reserve(size int64) (Address, error) {
	if err := m.requireWritable(); err != nil {
		return Address{}, err
	}
	m.mu.Lock()
	addr, err := m.reserveSpaceLocked(size)
	if err != nil {
		m.mu.Unlock()
		return Address{}, err
	}
	h, _ := m.handle(addr.Shard)
	m.mu.Unlock()

	if err := writeZeroes(h, addr.Offset, size); err != nil {
		return Address{}, err
	}
	if err := h.f.Sync(); err != nil {
		return Address{}, err
	}
	return addr, nil
}

func (m *Manager) reserveSpaceLocked(size int64) (Address, error) {
	if m.sizeLimit != Unlimited && size > m.sizeLimit {
		return Address{}, barecaterr.ErrFileTooLarge{Size: size, Limit: m.sizeLimit}
	}
	idx, err := m.currentShardLocked()
	if err != nil {
		return Address{}, err
	}
	h, _ := m.handle(idx)
	if m.sizeLimit != Unlimited && h.length+size > m.sizeLimit {
		if err := m.openNewShardLocked(); err != nil {
			return Address{}, err
		}
		h = m.shards[len(m.shards)-1]
		idx = h.idx
	}
	offset := h.length
	h.length += size
	return Address{Shard: idx, Offset: offset, Size: size}, nil
}

// IsFileTooLarge reports whether err is (or wraps) a shard-size-limit
// overflow reported synchronously (i.e. not the streamed after-the-fact
// relocation case, which never fails this way).
func IsFileTooLarge(err error) bool {
	var e barecaterr.ErrFileTooLarge
	return errors.As(err, &e)
}

func writeZeroes(h *shardHandle, offset, size int64) error {
	zeros := make([]byte, copyBufSize)
	remaining := size
	pos := offset
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := h.f.WriteAt(zeros[:n], pos); err != nil {
			return err
		}
		pos += n
		remaining -= n
	}
	return nil
}

// relocateTail copies the last `size` bytes of shard oldIdx (starting at
// start) into a freshly opened shard, then truncates the old shard back to
// start. Used when a streamed write of unknown length overflows the
// current shard only once it completes.
func (m *Manager) relocateTail(oldIdx uint32, start, size int64) (Address, error) {
	m.mu.Lock()
	oldH, err := m.handle(oldIdx)
	if err != nil {
		m.mu.Unlock()
		return Address{}, err
	}
	if err := m.openNewShardLocked(); err != nil {
		m.mu.Unlock()
		return Address{}, err
	}
	newH := m.shards[len(m.shards)-1]
	m.mu.Unlock()

	buf := make([]byte, copyBufSize)
	var copied int64
	for copied < size {
		n := int64(len(buf))
		if size-copied < n {
			n = size - copied
		}
		read, err := oldH.f.ReadAt(buf[:n], start+copied)
		if read > 0 {
			if _, werr := newH.f.WriteAt(buf[:read], copied); werr != nil {
				return Address{}, werr
			}
			copied += int64(read)
		}
		if err != nil && err != io.EOF {
			return Address{}, err
		}
		if err == io.EOF && read == 0 {
			break
		}
	}

	if err := oldH.f.Truncate(start); err != nil {
		return Address{}, err
	}

	m.mu.Lock()
	oldH.length = start
	newH.length = copied
	m.mu.Unlock()

	log.Infow("relocated streamed tail to new shard on overflow", "from_shard", oldIdx, "to_shard", newH.idx, "size", copied)
	return Address{Shard: newH.idx, Offset: 0, Size: copied}, nil
}

// TruncateAllToLogical truncates each shard named in ends to the given
// length. If a trailing (highest-index) shard's logical length is 0 after
// truncation, its file is deleted and shard numbering contracts.
func (m *Manager) TruncateAllToLogical(ends map[uint32]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, end := range ends {
		h, err := m.handle(idx)
		if err != nil {
			continue
		}
		if err := h.f.Truncate(end); err != nil {
			return fmt.Errorf("truncating shard %d: %w", idx, err)
		}
		h.length = end
	}

	for len(m.shards) > 0 {
		last := m.shards[len(m.shards)-1]
		if last.length != 0 {
			break
		}
		name := shardFileName(m.basePath, last.idx)
		last.f.Close()
		if err := removeIfExists(name); err != nil {
			return err
		}
		m.shards = m.shards[:len(m.shards)-1]
	}
	return nil
}

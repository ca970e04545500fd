package shard

import (
	"errors"
	"io"
	"os"
)

// Section is a seekable, bounded view over one shard, restricted to
// [addr.Offset, addr.Offset+addr.Size). Writes and seeks outside that range
// fail.
type Section struct {
	f    *os.File
	base int64
	size int64
	pos  int64
}

// OpenSection returns a bounded view over addr. When mode is ReadOnly the
// returned Section still exposes Write (the underlying handle's open mode
// governs whether it actually succeeds).
func (m *Manager) OpenSection(addr Address, _ Mode) (*Section, error) {
	m.mu.Lock()
	h, err := m.handle(addr.Shard)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Section{f: h.f, base: addr.Offset, size: addr.Size}, nil
}

func (s *Section) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if int64(len(p)) > s.size-s.pos {
		p = p[:s.size-s.pos]
	}
	n, err := s.f.ReadAt(p, s.base+s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *Section) Write(p []byte) (int, error) {
	if int64(len(p)) > s.size-s.pos {
		return 0, errors.New("shard: write exceeds section bounds")
	}
	n, err := s.f.WriteAt(p, s.base+s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *Section) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = s.size + offset
	default:
		return 0, errors.New("shard: invalid whence")
	}
	if newPos < 0 || newPos > s.size {
		return 0, errors.New("shard: seek out of bounds")
	}
	s.pos = newPos
	return s.pos, nil
}

func removeIfExists(name string) error {
	err := os.Remove(name)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

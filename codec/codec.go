// Package codec implements barecat's pluggable compression layer: a
// suffix-keyed registry of (encoder, decoder) pairs, chainable so a file
// stored as "name.txt.zst.gz" is decoded gzip-then-zstd.
package codec

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Codec describes one reversible byte transform, keyed by the file-name
// suffix it owns (e.g. ".zst").
type Codec struct {
	Suffix string

	// Encode wraps w so that bytes written to the result are compressed
	// into w.
	Encode func(w io.Writer) (io.WriteCloser, error)

	// Decode wraps r so that bytes read from the result are decompressed
	// from r.
	Decode func(r io.Reader) (io.ReadCloser, error)

	// NonFinal marks a codec that is expected to be chained with another
	// (e.g. a checksum-only wrapper); Registry.ChainForPath still treats it
	// like any other suffix, but callers building new chains may use this
	// to warn when NonFinal is the outermost (first-applied) codec.
	NonFinal bool
}

// Registry holds the set of known codecs, keyed by suffix.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry returns an empty registry. Use Default for one pre-populated
// with barecat's built-in codecs.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Codec)}
}

// Register adds or replaces the codec for c.Suffix.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Suffix] = c
}

// Lookup returns the codec registered for suffix, if any.
func (r *Registry) Lookup(suffix string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[suffix]
	return c, ok
}

// ChainForPath splits path's trailing, registered-codec suffixes off and
// returns them innermost-last (i.e. in application order for Decode: the
// first element was applied last when encoding, so it's decoded first),
// along with the base path with all of them stripped.
func (r *Registry) ChainForPath(path string) (base string, chain []Codec) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		ext := suffixOf(path)
		c, ok := r.byName[ext]
		if !ok {
			return path, chain
		}
		chain = append(chain, c)
		path = strings.TrimSuffix(path, ext)
	}
}

func suffixOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return path[i:]
}

// EncodeChain wraps w with each codec in chain, innermost (chain[len-1])
// applied first so the data actually written to w has been through every
// codec in order — chain should be given outermost-first, matching the
// suffix order in the stored file name (".txt.zst.gz" -> [".gz", ".zst"]).
func EncodeChain(w io.Writer, chain []Codec) (io.WriteCloser, []io.Closer, error) {
	var closers []io.Closer
	cur := w
	// Build outward from w: chain[0] (the last suffix in the file name)
	// wraps w directly, so it is the last transform the data goes through
	// and the first one DecodeChain undoes.
	for i := 0; i < len(chain); i++ {
		wc, err := chain[i].Encode(cur)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("building encoder for %s: %w", chain[i].Suffix, err)
		}
		closers = append(closers, wc)
		cur = wc
	}
	top, _ := cur.(io.WriteCloser)
	if top == nil {
		top = nopWriteCloser{cur}
	}
	return top, closers, nil
}

// DecodeChain wraps r with each codec in chain, in the order given by
// ChainForPath (outermost suffix first).
func DecodeChain(r io.Reader, chain []Codec) (io.ReadCloser, []io.Closer, error) {
	var closers []io.Closer
	cur := r
	for _, c := range chain {
		rc, err := c.Decode(cur)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("building decoder for %s: %w", c.Suffix, err)
		}
		closers = append(closers, rc)
		cur = rc
	}
	top, _ := cur.(io.ReadCloser)
	if top == nil {
		top = io.NopCloser(cur)
	}
	return top, closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

package archive

import (
	"bytes"
	"context"
	"io"

	"github.com/barecat-go/barecat/codec"
)

// Codecs exposes the registry consulted by GetDecoded and AddEncoded, so
// callers can register additional suffixes (e.g. application-specific
// serialization formats) on an open archive.
func (a *Archive) Codecs() *codec.Registry { return a.codecs }

// GetDecoded reads the file at path and runs its bytes through the decoder
// chain derived from the path's trailing registered suffixes, outermost
// first ("m.msgpack.zst" is decompressed before any inner codec runs). A
// path with no registered suffix is returned verbatim, same as Get.
func (a *Archive) GetDecoded(ctx context.Context, path string) ([]byte, error) {
	raw, err := a.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	_, chain := a.codecs.ChainForPath(normPath(path))
	if len(chain) == 0 {
		return raw, nil
	}
	rc, closers, err := codec.DecodeChain(bytes.NewReader(raw), chain)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(rc)
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddEncoded encodes data through the codec chain implied by path's
// trailing registered suffixes and stores the result at path, so a later
// GetDecoded round-trips to the original bytes. A path with no registered
// suffix is stored verbatim, same as Add.
func (a *Archive) AddEncoded(ctx context.Context, path string, data []byte, mode uint32) error {
	_, chain := a.codecs.ChainForPath(normPath(path))
	if len(chain) == 0 {
		return a.Add(ctx, path, data, mode)
	}
	var buf bytes.Buffer
	wc, closers, err := codec.EncodeChain(&buf, chain)
	if err != nil {
		return err
	}
	if _, err := wc.Write(data); err != nil {
		return err
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i].Close(); cerr != nil {
			return cerr
		}
	}
	return a.Add(ctx, path, buf.Bytes(), mode)
}

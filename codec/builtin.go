package codec

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Default returns a Registry pre-populated with barecat's built-in
// codecs: zstd (".zst") and gzip (".gz").
func Default() *Registry {
	r := NewRegistry()
	r.Register(zstdCodec())
	r.Register(gzipCodec())
	return r
}

func zstdCodec() Codec {
	return Codec{
		Suffix: ".zst",
		Encode: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		Decode: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zstdReadCloser{d}, nil
		},
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func gzipCodec() Codec {
	return Codec{
		Suffix: ".gz",
		Encode: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
		Decode: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	}
}

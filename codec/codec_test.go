package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainForPathStripsKnownSuffixes(t *testing.T) {
	r := Default()
	base, chain := r.ChainForPath("data/blob.bin.zst.gz")
	require.Equal(t, "data/blob.bin", base)
	require.Len(t, chain, 2)
	require.Equal(t, ".gz", chain[0].Suffix)
	require.Equal(t, ".zst", chain[1].Suffix)
}

func TestChainForPathNoSuffix(t *testing.T) {
	r := Default()
	base, chain := r.ChainForPath("data/blob.bin")
	require.Equal(t, "data/blob.bin", base)
	require.Empty(t, chain)
}

func TestZstdRoundTrip(t *testing.T) {
	r := Default()
	_, chain := r.ChainForPath("x.zst")

	var buf bytes.Buffer
	w, closers, err := EncodeChain(&buf, chain)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello barecat"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	for _, c := range closers {
		c.Close()
	}

	rc, closers2, err := DecodeChain(&buf, chain)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello barecat", string(got))
	for _, c := range closers2 {
		c.Close()
	}
}

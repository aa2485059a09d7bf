package clusterfs

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFooterEncodeDecode(t *testing.T) {
	ft := footer{
		magic:            footerMagic,
		clusterSize:      DefaultClusterSize,
		compType:         Zstd,
		originalFileSize: 123456789,
		footerSize:       footerFixedSize + 7*descriptorSize,
	}
	var b [footerFixedSize]byte
	ft.encode(b[:])

	got, err := decodeFooter(b[:])
	require.NoError(t, err)
	require.Equal(t, ft, got)
}

func TestFooterBadMagic(t *testing.T) {
	var b [footerFixedSize]byte
	footer{magic: 0x12345678}.encode(b[:])

	_, err := decodeFooter(b[:])
	require.ErrorIs(t, err, ErrCorruptFooter)
}

func TestReopenCorruptMagic(t *testing.T) {
	lower := NewMemFS()
	engine, err := New(lower, nil)
	require.NoError(t, err)

	f, err := engine.Create("data")
	require.NoError(t, err)
	_, err = f.Write(compressiblePayload(1000))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Flip one magic byte in the trailer.
	h, err := lower.OpenFile("data", os.O_RDWR, 0)
	require.NoError(t, err)
	info, err := h.Stat()
	require.NoError(t, err)
	_, err = h.WriteAt([]byte{0xff}, info.Size()-footerFixedSize)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	f, err = engine.Open("data")
	require.NoError(t, err)
	defer f.Close()
	_, err = io.ReadAll(f)
	require.ErrorIs(t, err, ErrCorruptFooter)
}

func TestLowerFileSmallerThanFooter(t *testing.T) {
	lower := NewMemFS()
	h, err := lower.OpenFile("stub", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = h.Write([]byte("too short"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	engine, err := New(lower, nil)
	require.NoError(t, err)

	f, err := engine.Open("stub")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 16)
	_, err = f.Read(buf)
	require.ErrorIs(t, err, ErrCorruptFooter)
}

func TestFooterImplausibleFields(t *testing.T) {
	lower := NewMemFS()
	engine, err := New(lower, nil)
	require.NoError(t, err)

	write := func(name string, ft footer) {
		h, err := lower.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o600)
		require.NoError(t, err)
		pad := make([]byte, 64)
		_, err = h.Write(pad)
		require.NoError(t, err)
		var b [footerFixedSize]byte
		ft.encode(b[:])
		_, err = h.Write(b[:])
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	cases := map[string]footer{
		"badcs": {magic: footerMagic, clusterSize: 1000, compType: LZ4,
			footerSize: footerFixedSize},
		"badtype": {magic: footerMagic, clusterSize: DefaultClusterSize,
			compType: totalCompressionTypes, footerSize: footerFixedSize},
		"badfsize": {magic: footerMagic, clusterSize: DefaultClusterSize,
			compType: LZ4, footerSize: 1 << 30},
	}
	for name, ft := range cases {
		write(name, ft)
		f, err := engine.Open(name)
		require.NoError(t, err, name)
		buf := make([]byte, 8)
		_, err = f.Read(buf)
		require.ErrorIs(t, err, ErrCorruptFooter, name)
		require.NoError(t, f.Close())
	}
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(0), alignUp(0))
	require.Equal(t, uint64(8), alignUp(1))
	require.Equal(t, uint64(8), alignUp(8))
	require.Equal(t, uint64(16), alignUp(9))
}

package clusterfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexResolveCommittedAndPending(t *testing.T) {
	ci := &clusterIndex{
		committed: []ClusterDescriptor{
			{Offset: 0, Size: 100},
			{Offset: 104, Size: 4096},
		},
	}
	ci.append(2, ClusterDescriptor{Offset: 8200, Size: 250})
	ci.append(3, ClusterDescriptor{Offset: 8456, Size: 4096})

	require.Equal(t, 4, ci.count())

	d, err := ci.resolve(0)
	require.NoError(t, err)
	require.Equal(t, ClusterDescriptor{Offset: 0, Size: 100}, d)

	d, err = ci.resolve(3)
	require.NoError(t, err)
	require.Equal(t, ClusterDescriptor{Offset: 8456, Size: 4096}, d)
}

func TestIndexResolveMisses(t *testing.T) {
	ci := &clusterIndex{
		committed: []ClusterDescriptor{{Offset: 0, Size: 100}},
	}

	// Beyond the committed array with nothing pending.
	_, err := ci.resolve(1)
	require.ErrorIs(t, err, ErrIndexCorrupt)

	// Pending list that skipped an index.
	ci.append(2, ClusterDescriptor{Offset: 200, Size: 50})
	_, err = ci.resolve(1)
	require.ErrorIs(t, err, ErrIndexCorrupt)

	// Past the end of a well-formed pending list.
	ci.pending = nil
	ci.append(1, ClusterDescriptor{Offset: 200, Size: 50})
	_, err = ci.resolve(5)
	require.ErrorIs(t, err, ErrClusterInfoMissing)
}

func TestIndexRetireTail(t *testing.T) {
	ci := &clusterIndex{
		committed: []ClusterDescriptor{{Offset: 0, Size: 4096}},
	}
	ci.append(1, ClusterDescriptor{Offset: 4096, Size: 777})

	d, fromPending, err := ci.retireTail()
	require.NoError(t, err)
	require.True(t, fromPending)
	require.Equal(t, uint32(777), d.Size)

	d, fromPending, err = ci.retireTail()
	require.NoError(t, err)
	require.False(t, fromPending)
	require.Equal(t, uint64(0), d.Offset)

	_, _, err = ci.retireTail()
	require.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestIndexFlushPending(t *testing.T) {
	mfs := NewMemFS()
	f, err := mfs.OpenFile("idx", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer f.Close()

	ci := &clusterIndex{
		committed: []ClusterDescriptor{
			{Offset: 0, Size: 4096},
			{Offset: 4096, Size: 1300},
		},
	}
	ci.append(2, ClusterDescriptor{Offset: 5400, Size: 4096})

	// A batch buffer holding a single record forces multiple writes.
	pos := int64(64)
	n, err := ci.flushPending(f, &pos, make([]byte, descriptorSize))
	require.NoError(t, err)
	require.Equal(t, 3*descriptorSize, n)
	require.Equal(t, int64(64+n), pos)
	require.Empty(t, ci.pending)
	require.Nil(t, ci.committed)

	raw := make([]byte, n)
	require.NoError(t, lowerRead(f, raw, 64))
	descs := parseDescriptors(raw)
	require.Equal(t, []ClusterDescriptor{
		{Offset: 0, Size: 4096},
		{Offset: 4096, Size: 1300},
		{Offset: 5400, Size: 4096},
	}, descs)
}

func TestDescriptorCodec(t *testing.T) {
	d := ClusterDescriptor{Offset: 0xdeadbeef, Size: 0x1234}
	var b [descriptorSize]byte
	putDescriptor(b[:], d)
	require.Equal(t, d, getDescriptor(b[:]))
}

package clusterfs

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, config *Config) (*FS, *MemFS) {
	t.Helper()
	lower := NewMemFS()
	engine, err := New(lower, config)
	require.NoError(t, err)
	return engine, lower
}

func smallClusterConfig() *Config {
	return &Config{ClusterSize: ClusterSizeMin, Algorithm: LZ4}
}

func TestWriteReadRoundTrip(t *testing.T) {
	engine, lower := newTestEngine(t, smallClusterConfig())
	data := compressiblePayload(10000) // 2 full clusters + 1808-byte tail

	f, err := engine.Create("notes.txt")
	require.NoError(t, err)
	n, err := f.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Finalized clusters and the staged tail are readable before commit.
	got := make([]byte, len(data))
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, f.Close())

	// Repetitive text compresses, so the lower file must be smaller than
	// the logical bytes even with the footer on top.
	info, err := lower.Stat("notes.txt")
	require.NoError(t, err)
	require.Less(t, info.Size(), int64(len(data)))

	f, err = engine.Open("notes.txt")
	require.NoError(t, err)
	got, err = io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, f.Close())
}

func TestRandomDataStoredRaw(t *testing.T) {
	engine, lower := newTestEngine(t, smallClusterConfig())
	data := randomPayload(t, 10000)

	f, err := engine.Create("noise.bin")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats := engine.Stats()
	require.Zero(t, stats.ClustersCompressed)
	require.Equal(t, int64(3), stats.ClustersRaw)

	// With no cluster beating the threshold the index is dropped and the
	// data sits at natural offsets: logical bytes plus the footer.
	info, err := lower.Stat("noise.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)+footerFixedSize), info.Size())

	f, err = engine.Open("noise.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, f.Close())
}

func TestCrossSessionAppend(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())
	first := compressiblePayload(6000) // partial tail of 1904 bytes
	second := compressiblePayload(6000)

	f, err := engine.Create("log")
	require.NoError(t, err)
	_, err = f.Write(first)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The append re-stages the committed partial tail and continues it.
	f, err = engine.OpenFile("log", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.Write(second)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = engine.Open("log")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, first...), second...), got)
	require.NoError(t, f.Close())
}

func TestStagedTailVisibleBeforeClose(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())
	data := compressiblePayload(100)

	f, err := engine.Create("tiny")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got, err = io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, f.Close())
}

func TestTruncateToZeroAndRewrite(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())
	before := compressiblePayload(9000)
	after := compressiblePayload(300)

	f, err := engine.Create("doc")
	require.NoError(t, err)
	_, err = f.Write(before)
	require.NoError(t, err)

	require.ErrorIs(t, f.Truncate(10), ErrInvalidArgument)

	require.NoError(t, f.Truncate(0))
	info, err := f.Stat()
	require.NoError(t, err)
	require.Zero(t, info.Size())

	_, err = f.Write(after)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = engine.Open("doc")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, after, got)
	require.NoError(t, f.Close())
}

func TestOpenTruncReplacesContent(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())

	f, err := engine.Create("cfg")
	require.NoError(t, err)
	_, err = f.Write(compressiblePayload(5000))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = engine.OpenFile("cfg", os.O_RDWR|os.O_TRUNC, 0)
	require.NoError(t, err)
	replacement := compressiblePayload(42)
	_, err = f.Write(replacement)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = engine.Open("cfg")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, replacement, got)
	require.NoError(t, f.Close())
}

func TestWriteAtAppendOnly(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())

	f, err := engine.Create("seq")
	require.NoError(t, err)
	head := compressiblePayload(128)
	_, err = f.WriteAt(head, 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("x"), 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.WriteAt([]byte("tail"), 128)
	require.NoError(t, err)

	got := make([]byte, 132)
	_, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, head...), "tail"...), got)
	require.NoError(t, f.Close())
}

func TestWriteAtReopenedFile(t *testing.T) {
	lower := NewMemFS()
	engine, err := New(lower, smallClusterConfig())
	require.NoError(t, err)
	data := compressiblePayload(6000)

	f, err := engine.Create("ledger")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A fresh engine has not read the footer yet; the stale in-memory size
	// must not let a mid-file write slip through as an append.
	engine2, err := New(lower, smallClusterConfig())
	require.NoError(t, err)
	f, err = engine2.OpenFile("ledger", os.O_RDWR, 0)
	require.NoError(t, err)
	n, err := f.WriteAt([]byte("XXXX"), 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Zero(t, n)

	// And the true end must still be accepted.
	_, err = f.WriteAt([]byte("tail"), int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = engine2.Open("ledger")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte{}, data...), "tail"...), got)
	require.NoError(t, f.Close())
}

func TestFailedWriteCommitsPrefixOnClose(t *testing.T) {
	engine, lower := newTestEngine(t, smallClusterConfig())
	data := compressiblePayload(10000)

	f, err := engine.Create("wal")
	require.NoError(t, err)

	// The second cluster write fails mid-session; the first cluster and
	// the re-staged second must still reach the footer at close.
	lower.FailWritesAfter(1)
	n, err := f.Write(data)
	require.ErrorIs(t, err, ErrLowerIO)
	require.Equal(t, 2*ClusterSizeMin, n)

	lower.FailWritesAfter(-1)
	require.NoError(t, f.Close())

	f, err = engine.Open("wal")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data[:2*ClusterSizeMin], got)
	require.NoError(t, f.Close())
}

func TestAppendHandleStartsAtTrueEnd(t *testing.T) {
	lower := NewMemFS()
	engine, err := New(lower, smallClusterConfig())
	require.NoError(t, err)
	data := compressiblePayload(6000)

	f, err := engine.Create("journal")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// An append handle on a fresh engine must position at the footer's
	// size, not at the unloaded in-memory zero.
	engine2, err := New(lower, smallClusterConfig())
	require.NoError(t, err)
	f, err = engine2.OpenFile("journal", os.O_RDWR|os.O_APPEND, 0)
	require.NoError(t, err)
	pos, err := f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), pos)

	_, err = f.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, f.Close())
}

func TestKeepCompressedEqualityStoresRaw(t *testing.T) {
	// Exactly threshold percent of the staged bytes is not a win.
	require.False(t, keepCompressed(2048, 4096, 50))
	require.True(t, keepCompressed(2047, 4096, 50))
	require.False(t, keepCompressed(2049, 4096, 50))

	// Threshold 100: equal to the original still stores raw.
	require.False(t, keepCompressed(4096, 4096, 100))
	require.True(t, keepCompressed(4095, 4096, 100))
}

func TestStatReportsLogicalSize(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())
	data := compressiblePayload(7000)

	f, err := engine.Create("sized")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)

	// While open the staged tail counts toward the logical size.
	info, err := engine.Stat("sized")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size())

	require.NoError(t, f.Close())

	// Closed: the size comes straight from the footer.
	info, err = engine.Stat("sized")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size())
}

func TestPassthroughLayout(t *testing.T) {
	lower := NewMemFS()
	engine, err := New(lower, &Config{NoCompress: true})
	require.NoError(t, err)
	data := compressiblePayload(5000)

	f, err := engine.Create("raw")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := lower.Stat("raw")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)+footerFixedSize), info.Size())

	// A fresh engine over the same lower filesystem reads it back from
	// the footer alone.
	engine2, err := New(lower, nil)
	require.NoError(t, err)
	f, err = engine2.Open("raw")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, f.Close())
}

func TestReadRanges(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())
	data := compressiblePayload(3*ClusterSizeMin + 500)

	f, err := engine.Create("ranged")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = engine.Open("ranged")
	require.NoError(t, err)
	defer f.Close()

	// Spanning a cluster boundary.
	got := make([]byte, 1000)
	_, err = f.ReadAt(got, int64(ClusterSizeMin)-500)
	require.NoError(t, err)
	require.Equal(t, data[ClusterSizeMin-500:ClusterSizeMin+500], got)

	// Overlapping the logical end.
	got = make([]byte, 1000)
	n, err := f.ReadAt(got, int64(len(data))-100)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 100, n)
	require.Equal(t, data[len(data)-100:], got[:100])

	// Entirely past the end.
	_, err = f.ReadAt(got, int64(len(data)))
	require.ErrorIs(t, err, io.EOF)

	_, err = f.ReadAt(got, -1)
	require.ErrorIs(t, err, ErrOutOfRange)

	// Seek from the end.
	pos, err := f.Seek(-500, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(len(data))-500, pos)
	tail, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data[len(data)-500:], tail)
}

func TestStatsCounters(t *testing.T) {
	engine, _ := newTestEngine(t, smallClusterConfig())
	data := compressiblePayload(10000)

	f, err := engine.Create("counted")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats := engine.Stats()
	require.Equal(t, int64(len(data)), stats.BytesWritten)
	require.Equal(t, int64(3), stats.ClustersCompressed)
	require.Equal(t, int64(1), stats.FootersWritten)
	require.Equal(t, 1.0, stats.CompressedShare())
}

func TestRemove(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	f, err := engine.Create("victim")
	require.NoError(t, err)
	_, err = f.Write(compressiblePayload(100))
	require.NoError(t, err)

	// Removing a file with an open session is refused.
	require.ErrorIs(t, engine.Remove("victim"), ErrInvalidArgument)

	require.NoError(t, f.Close())
	require.NoError(t, engine.Remove("victim"))

	_, err = engine.Open("victim")
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Error(t, engine.Remove("victim"))
}

func TestDoubleClose(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	f, err := engine.Create("once")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.ErrorIs(t, f.Close(), os.ErrClosed)
}

func TestConfigValidation(t *testing.T) {
	lower := NewMemFS()

	_, err := New(nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(lower, &Config{ClusterSize: 1000})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(lower, &Config{ClusterSize: ClusterSizeMax * 2})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(lower, &Config{Threshold: 101})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(lower, &Config{Algorithm: totalCompressionTypes})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Zero values pick up defaults.
	engine, err := New(lower, &Config{})
	require.NoError(t, err)
	require.Equal(t, DefaultClusterSize, engine.config.ClusterSize)
	require.Equal(t, DefaultThreshold, engine.config.Threshold)

	for _, preset := range []*Config{
		DefaultConfig(), FastestConfig(), RecommendedConfig(),
		BestCompressionConfig(), LowCPUConfig(), PassthroughConfig(),
	} {
		_, err := New(lower, preset)
		require.NoError(t, err)
	}
}

func TestTailClusterDescriptor(t *testing.T) {
	// 10000 bytes at cluster size 4096: two full clusters and a
	// 1808-byte tail. With the threshold wide open the compressible tail
	// stores smaller than its logical length; the raw tail stores at
	// exactly it.
	lower := NewMemFS()
	engine, err := New(lower, &Config{
		ClusterSize: ClusterSizeMin,
		Threshold:   100,
		Algorithm:   LZ4,
	})
	require.NoError(t, err)

	writeAndResolveTail := func(name string, data []byte) ClusterDescriptor {
		f, err := engine.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		f, err = engine.OpenFile(name, os.O_RDWR, 0)
		require.NoError(t, err)
		defer f.Close()
		_, err = f.ReadAt(make([]byte, 1), 0)
		require.NoError(t, err)

		st := engine.state(name)
		st.indexMu.Lock()
		defer st.indexMu.Unlock()
		require.Equal(t, 3, clusterCountFor(st.upperSize, st.clusterSize))
		d, err := st.index.resolve(2)
		require.NoError(t, err)
		return d
	}

	d := writeAndResolveTail("text", compressiblePayload(10000))
	require.Less(t, d.Size, uint32(1808))

	// The raw file drops its index at commit, so the tail descriptor is
	// checked before close instead.
	f, err := engine.Create("noise")
	require.NoError(t, err)
	_, err = f.Write(randomPayload(t, 10000))
	require.NoError(t, err)
	st := engine.state("noise")
	st.indexMu.Lock()
	require.False(t, st.compressed)
	d, err = st.index.resolve(1)
	require.NoError(t, err)
	require.Equal(t, uint32(ClusterSizeMin), d.Size)
	st.indexMu.Unlock()
	require.NoError(t, f.Close())
}

func TestThresholdDecidesStorageForm(t *testing.T) {
	// Half random, half zeros: snappy lands between 50% and 90% of the
	// cluster, so the threshold alone decides the storage form.
	data := randomPayload(t, ClusterSizeMin)
	for i := ClusterSizeMin / 2; i < ClusterSizeMin; i++ {
		data[i] = 0
	}

	write := func(threshold int) Stats {
		lower := NewMemFS()
		engine, err := New(lower, &Config{
			ClusterSize: ClusterSizeMin,
			Threshold:   threshold,
			Algorithm:   Snappy,
		})
		require.NoError(t, err)
		f, err := engine.Create("half")
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		return engine.Stats()
	}

	tight := write(50)
	require.Zero(t, tight.ClustersCompressed)
	require.Equal(t, int64(1), tight.ClustersRaw)

	loose := write(90)
	require.Equal(t, int64(1), loose.ClustersCompressed)
	require.Zero(t, loose.ClustersRaw)
}

func TestDescriptorsDoNotOverlap(t *testing.T) {
	lower := NewMemFS()
	engine, err := New(lower, smallClusterConfig())
	require.NoError(t, err)

	// Two sessions so the second one re-stages and rewrites the tail.
	for range [2]struct{}{} {
		f, err := engine.OpenFile("layout", os.O_RDWR|os.O_CREATE, 0)
		require.NoError(t, err)
		_, err = f.Write(compressiblePayload(3*ClusterSizeMin + 700))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	// A fresh engine loads the committed array straight from disk.
	engine2, err := New(lower, smallClusterConfig())
	require.NoError(t, err)
	f, err := engine2.Open("layout")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadAt(make([]byte, 1), 0)
	require.NoError(t, err)

	st := engine2.state("layout")
	descs := st.index.committed
	require.Len(t, descs, 7)
	for i, d := range descs {
		require.Zero(t, d.Offset%clusterAlign, "cluster %d start unaligned", i)
		if i > 0 {
			prev := descs[i-1]
			require.GreaterOrEqual(t, d.Offset, prev.Offset+alignUp(uint64(prev.Size)),
				"cluster %d overlaps its predecessor", i)
		}
	}
}

func TestOpenMissingFile(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	_, err := engine.Open("nope")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenExclusive(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	f, err := engine.OpenFile("one", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = engine.OpenFile("one", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	require.ErrorIs(t, err, os.ErrExist)
}

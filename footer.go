package clusterfs

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// On-disk layout of a lower file, low to high offset:
//
//	[cluster 0][cluster 1]...[cluster N-1][index records][fixed footer]
//
// Cluster starts are padded to clusterAlign. The fixed footer is anchored
// at the tail of the lower file; its footerSize field counts the footer
// itself plus the index-record region immediately before it, so both can
// be located from the file length alone.
const (
	footerMagic     = 0x53464c43 // "CLFS"
	footerFixedSize = 21
	clusterAlign    = 8
)

func alignUp(n uint64) uint64 {
	return (n + clusterAlign - 1) &^ (clusterAlign - 1)
}

type footer struct {
	magic            uint32
	clusterSize      uint32
	compType         CompressionType
	originalFileSize uint64
	footerSize       uint32
}

func (ft footer) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], ft.magic)
	binary.LittleEndian.PutUint32(b[4:8], ft.clusterSize)
	b[8] = uint8(ft.compType)
	binary.LittleEndian.PutUint64(b[9:17], ft.originalFileSize)
	binary.LittleEndian.PutUint32(b[17:21], ft.footerSize)
}

func decodeFooter(b []byte) (footer, error) {
	ft := footer{
		magic:            binary.LittleEndian.Uint32(b[0:4]),
		clusterSize:      binary.LittleEndian.Uint32(b[4:8]),
		compType:         CompressionType(b[8]),
		originalFileSize: binary.LittleEndian.Uint64(b[9:17]),
		footerSize:       binary.LittleEndian.Uint32(b[17:21]),
	}
	if ft.magic != footerMagic {
		return footer{}, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptFooter, ft.magic)
	}
	return ft, nil
}

// reloadMeta re-reads the footer and committed index array from the lower
// file, replacing whatever in-memory state is marked stale. Requires the
// index mutex and an open session. Pending descriptors that were never
// persisted are dropped: their cluster bytes are an inert, unreachable
// suffix in the lower file.
func (st *fileState) reloadMeta() error {
	info, err := st.lower.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrLowerIO, st.name, err)
	}
	size := info.Size()

	st.discardPending()

	if size == 0 {
		// Freshly created (or truncated) file: empty metadata.
		st.index.reset()
		st.upperSize = 0
		st.dataEnd = 0
		st.compressed = false
		st.metaInvalid = false
		return nil
	}
	if size < footerFixedSize {
		return fmt.Errorf("%w: lower file %s is %d bytes, smaller than the footer",
			ErrCorruptFooter, st.name, size)
	}

	var fb [footerFixedSize]byte
	if err := lowerRead(st.lower, fb[:], size-footerFixedSize); err != nil {
		return err
	}
	ft, err := decodeFooter(fb[:])
	if err != nil {
		return fmt.Errorf("%s: %w", st.name, err)
	}

	cs := int64(ft.clusterSize)
	switch {
	case cs < ClusterSizeMin || cs > ClusterSizeMax || cs&(cs-1) != 0:
		return fmt.Errorf("%w: %s: implausible cluster size %d", ErrCorruptFooter, st.name, cs)
	case !ft.compType.IsValid():
		return fmt.Errorf("%w: %s: unknown compression type %d", ErrCorruptFooter, st.name, ft.compType)
	case ft.footerSize < footerFixedSize || int64(ft.footerSize) > size:
		return fmt.Errorf("%w: %s: implausible footer size %d", ErrCorruptFooter, st.name, ft.footerSize)
	}

	indexBytes := int(ft.footerSize) - footerFixedSize
	if indexBytes%descriptorSize != 0 {
		return fmt.Errorf("%w: %s: index region %d bytes is not a whole number of records",
			ErrCorruptFooter, st.name, indexBytes)
	}
	if indexBytes > 0 {
		want := clusterCountFor(int64(ft.originalFileSize), int(ft.clusterSize)) * descriptorSize
		if indexBytes != want {
			return fmt.Errorf("%w: %s: index region %d bytes, expected %d for %d logical bytes",
				ErrCorruptFooter, st.name, indexBytes, want, ft.originalFileSize)
		}
	}

	var committed []ClusterDescriptor
	if indexBytes > 0 {
		raw := make([]byte, indexBytes)
		if err := lowerRead(st.lower, raw, size-int64(ft.footerSize)); err != nil {
			return err
		}
		committed = parseDescriptors(raw)
	}

	st.index.committed = committed
	st.index.pending = nil
	st.clusterSize = int(ft.clusterSize)
	st.algo = ft.compType
	st.upperSize = int64(ft.originalFileSize)
	st.dataEnd = alignUp(uint64(size) - uint64(ft.footerSize))
	// A footer without index records marks a file whose clusters all sit
	// raw at natural offsets; it reads as a plain passthrough file.
	st.compressed = indexBytes > 0
	st.compressible = indexBytes > 0
	st.metaInvalid = false

	st.fs.log.Debug("reloaded metadata",
		zap.String("file", st.name),
		zap.Int("committed", len(committed)),
		zap.Int64("logical size", st.upperSize),
	)
	return nil
}

// commitMeta finalizes the staged tail cluster, persists the index and the
// fixed footer, and shrinks the lower file if the rewrite moved its end
// backwards. Invoked when the last concurrent user releases the file.
// Requires the session mutex; takes the index mutex itself. The buffer
// pool is released no matter how the commit fares.
func (st *fileState) commitMeta() error {
	st.indexMu.Lock()
	defer st.indexMu.Unlock()
	defer st.releaseBuffer()

	if !st.dirty {
		return nil
	}

	if st.buf != nil && st.buf.staged > 0 {
		if err := st.finalizeStaged(); err != nil {
			st.metaInvalid = true
			return err
		}
	}

	pos := int64(st.dataEnd)
	indexBytes := 0
	pendingCount := len(st.index.pending)

	if st.compressed {
		n, err := st.index.flushPending(st.lower, &pos, st.ensureBuffer().raw)
		if err != nil {
			st.metaInvalid = true
			return err
		}
		indexBytes = n
		st.fs.totalClusters.Add(-int64(pendingCount))
	} else {
		// No cluster beat the threshold, so every cluster sits raw at its
		// natural offset and the index is not worth keeping.
		st.fs.totalClusters.Add(-int64(pendingCount))
		st.index.pending = st.index.pending[:0]
		pos = st.upperSize
	}

	ft := footer{
		magic:            footerMagic,
		clusterSize:      uint32(st.clusterSize),
		compType:         st.algo,
		originalFileSize: uint64(st.upperSize),
		footerSize:       uint32(footerFixedSize + indexBytes),
	}
	var fb [footerFixedSize]byte
	ft.encode(fb[:])
	if err := lowerWrite(st.lower, fb[:], pos); err != nil {
		st.metaInvalid = true
		return err
	}
	pos += footerFixedSize

	// The file may have shrunk after an append that compressed well.
	if info, err := st.lower.Stat(); err == nil && info.Size() > pos {
		if err := st.lower.Truncate(pos); err != nil {
			st.metaInvalid = true
			return fmt.Errorf("%w: truncate %s: %w", ErrLowerIO, st.name, err)
		}
	}

	if indexBytes > 0 {
		// The committed array on disk has grown past the in-memory view;
		// force a reload before the next resolve.
		st.metaInvalid = true
	} else {
		st.compressible = false
	}
	st.dirty = false
	st.fs.stats.footersWritten.Add(1)

	st.fs.log.Debug("committed footer",
		zap.String("file", st.name),
		zap.Int64("logical size", st.upperSize),
		zap.Int("index bytes", indexBytes),
		zap.Int64("lower size", pos),
	)
	return nil
}

// discardPending drops unpersisted descriptors and their accounting.
func (st *fileState) discardPending() {
	if n := len(st.index.pending); n > 0 {
		st.fs.totalClusters.Add(-int64(n))
		st.index.pending = nil
	}
}

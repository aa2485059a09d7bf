package clusterfs

import (
	"encoding/binary"
	"fmt"

	"github.com/absfs/absfs"
)

// ClusterDescriptor locates one cluster's bytes in the lower file. Size is
// the stored byte length: equal to the cluster's logical length when the
// cluster is stored raw, smaller when it is compressed.
type ClusterDescriptor struct {
	Offset uint64
	Size   uint32
}

// descriptorSize is the on-disk record length of one ClusterDescriptor.
const descriptorSize = 12

func putDescriptor(b []byte, d ClusterDescriptor) {
	binary.LittleEndian.PutUint64(b[0:8], d.Offset)
	binary.LittleEndian.PutUint32(b[8:12], d.Size)
}

func getDescriptor(b []byte) ClusterDescriptor {
	return ClusterDescriptor{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Size:   binary.LittleEndian.Uint32(b[8:12]),
	}
}

// pendingDescriptor is a descriptor appended since the committed array was
// last written, tagged with its absolute cluster index.
type pendingDescriptor struct {
	index int
	desc  ClusterDescriptor
}

// clusterIndex answers "where is cluster N" for one file. The committed
// array is loaded verbatim from the lower file's footer region and stays
// immutable until the file is rewritten; pending holds descriptors for
// clusters appended since then, in strictly increasing, contiguous index
// order continuing from len(committed). All methods require the owning
// file's index mutex.
type clusterIndex struct {
	committed []ClusterDescriptor
	pending   []pendingDescriptor
}

func (ci *clusterIndex) reset() {
	ci.committed = nil
	ci.pending = nil
}

// count returns the number of clusters the index knows about.
func (ci *clusterIndex) count() int {
	return len(ci.committed) + len(ci.pending)
}

// resolve returns the descriptor for the given absolute cluster index.
// The caller has already bounds-checked the index against the file's
// logical cluster count, so a miss here is an internal-consistency
// failure, not a caller error.
func (ci *clusterIndex) resolve(idx int) (ClusterDescriptor, error) {
	if idx < len(ci.committed) {
		return ci.committed[idx], nil
	}

	if len(ci.pending) == 0 {
		return ClusterDescriptor{}, fmt.Errorf("%w: cluster %d beyond committed array (%d) with empty pending list",
			ErrIndexCorrupt, idx, len(ci.committed))
	}
	for _, p := range ci.pending {
		if p.index > idx {
			return ClusterDescriptor{}, fmt.Errorf("%w: pending list skipped cluster %d (saw %d)",
				ErrIndexCorrupt, idx, p.index)
		}
		if p.index == idx {
			return p.desc, nil
		}
	}

	return ClusterDescriptor{}, fmt.Errorf("%w: cluster %d", ErrClusterInfoMissing, idx)
}

// append records the descriptor of a newly finalized cluster. Used exactly
// once per cluster.
func (ci *clusterIndex) append(idx int, d ClusterDescriptor) {
	ci.pending = append(ci.pending, pendingDescriptor{index: idx, desc: d})
}

// retireTail removes the descriptor of the file's last cluster so the
// cluster can be re-staged and rewritten in place. Returns the removed
// descriptor and whether it came from the pending list.
func (ci *clusterIndex) retireTail() (ClusterDescriptor, bool, error) {
	if n := len(ci.pending); n > 0 {
		d := ci.pending[n-1].desc
		ci.pending = ci.pending[:n-1]
		return d, true, nil
	}
	if n := len(ci.committed); n > 0 {
		d := ci.committed[n-1]
		ci.committed = ci.committed[:n-1]
		return d, false, nil
	}
	return ClusterDescriptor{}, false, fmt.Errorf("%w: retire on empty index", ErrIndexCorrupt)
}

// flushPending serializes the index into fixed-size records at *pos in the
// lower file: the committed array first, then each pending descriptor, in
// batches staged through batch to bound peak memory. On success pending is
// emptied (those records are now part of the persisted array) and the
// total number of bytes written is returned. On failure the caller must
// mark the file's metadata invalid; nothing about partially written
// records can be trusted.
func (ci *clusterIndex) flushPending(f absfs.File, pos *int64, batch []byte) (int, error) {
	if len(batch) < descriptorSize {
		return 0, fmt.Errorf("%w: flush batch buffer too small", ErrInvalidArgument)
	}
	perBatch := len(batch) / descriptorSize

	written := 0
	flush := func(n int) error {
		if n == 0 {
			return nil
		}
		if err := lowerWrite(f, batch[:n], *pos); err != nil {
			return err
		}
		*pos += int64(n)
		written += n
		return nil
	}

	filled := 0
	for _, d := range ci.committed {
		putDescriptor(batch[filled*descriptorSize:], d)
		if filled++; filled == perBatch {
			if err := flush(filled * descriptorSize); err != nil {
				return written, err
			}
			filled = 0
		}
	}

	for _, p := range ci.pending {
		putDescriptor(batch[filled*descriptorSize:], p.desc)
		if filled++; filled == perBatch {
			if err := flush(filled * descriptorSize); err != nil {
				// Records in earlier batches are on disk but the region
				// is incomplete; keep pending intact and let the caller
				// invalidate the metadata.
				return written, err
			}
			filled = 0
		}
	}
	if err := flush(filled * descriptorSize); err != nil {
		return written, err
	}

	ci.committed = nil // superseded by the just-written region
	ci.pending = ci.pending[:0]

	return written, nil
}

// parseDescriptors decodes a serialized index region. The caller has
// validated that len(data) is a multiple of descriptorSize.
func parseDescriptors(data []byte) []ClusterDescriptor {
	out := make([]ClusterDescriptor, len(data)/descriptorSize)
	for i := range out {
		out[i] = getDescriptor(data[i*descriptorSize:])
	}
	return out
}

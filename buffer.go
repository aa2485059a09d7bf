package clusterfs

// clusterBuffer is the per-file pair of scratch regions staging the
// in-flight last cluster. raw holds the uncompressed bytes of the cluster
// being written (staged counts how many are valid); comp receives the
// encoded form during finalization and doubles as the padded write
// staging area. Ownership follows the index mutex: whichever operation
// holds it may touch the buffer.
type clusterBuffer struct {
	raw    []byte
	comp   []byte
	staged int
}

func newClusterBuffer(clusterSize int) *clusterBuffer {
	return &clusterBuffer{
		raw:  make([]byte, clusterSize),
		comp: make([]byte, compressBound(clusterSize)+clusterAlign),
	}
}

// ensureBuffer lazily allocates the file's buffer pool. The open-file
// counter feeding space admission tracks files holding live buffers.
func (st *fileState) ensureBuffer() *clusterBuffer {
	if st.buf == nil {
		st.buf = newClusterBuffer(st.clusterSize)
		st.fs.openFiles.Add(1)
	}
	return st.buf
}

// releaseBuffer drops the buffer pool after a commit. Any still-staged
// bytes have either been finalized or deliberately discarded by the
// caller before this point.
func (st *fileState) releaseBuffer() {
	if st.buf == nil {
		return
	}
	if st.buf.staged > 0 {
		st.fs.bufferedBytes.Add(-int64(st.buf.staged))
	}
	st.buf = nil
	st.fs.openFiles.Add(-1)
}

package clusterfs

import (
	"fmt"

	"go.uber.org/zap"
)

// truncateZero resets the file to zero length: the lower file is cut to
// nothing and the in-memory metadata becomes the empty-file state, ready
// for fresh appends. No other truncation size is supported; shrinking to
// an arbitrary offset would require rewriting every cluster after it.
func (st *fileState) truncateZero(size int64) error {
	if size != 0 {
		return fmt.Errorf("%w: truncate %s to %d: only truncation to zero is supported",
			ErrInvalidArgument, st.name, size)
	}

	st.indexMu.Lock()
	defer st.indexMu.Unlock()

	if err := st.lower.Truncate(0); err != nil {
		st.metaInvalid = true
		return fmt.Errorf("%w: truncate %s: %w", ErrLowerIO, st.name, err)
	}

	st.discardPending()
	st.index.reset()
	if st.buf != nil && st.buf.staged > 0 {
		st.fs.bufferedBytes.Add(-int64(st.buf.staged))
		st.buf.staged = 0
	}

	st.upperSize = 0
	st.dataEnd = 0
	st.compressed = false
	st.compressible = !st.fs.config.NoCompress
	st.metaInvalid = false
	// An empty lower file already means an empty logical file, so there
	// is no footer left to rewrite at close.
	st.dirty = false

	st.fs.log.Debug("truncated to zero", zap.String("file", st.name))
	return nil
}

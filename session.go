package clusterfs

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// acquire takes one reference on the file's lower-file session, opening the
// lower file when the count rises from zero. Every successful acquire must
// be paired with exactly one release.
func (st *fileState) acquire() error {
	st.sessionMu.Lock()
	defer st.sessionMu.Unlock()

	st.refs++
	if st.refs > 1 {
		return nil
	}

	f, err := st.fs.lower.OpenFile(st.name, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		st.refs = 0
		return fmt.Errorf("%w: open %s: %w", ErrLowerIO, st.name, err)
	}
	st.lower = f
	return nil
}

// release drops one session reference. When the count reaches zero the
// staged tail and footer are committed and the lower file is closed; the
// handle is closed even if the commit fails, since a half-written footer
// is recovered by the metadata-invalid reload path, not by holding the
// file open.
func (st *fileState) release() error {
	st.sessionMu.Lock()
	defer st.sessionMu.Unlock()

	if st.refs == 0 {
		return fmt.Errorf("%w: release %s", ErrSessionNotHeld, st.name)
	}
	st.refs--
	if st.refs > 0 {
		return nil
	}

	commitErr := st.commitMeta()
	if commitErr != nil {
		st.fs.log.Error("commit on session close failed",
			zap.String("file", st.name), zap.Error(commitErr))
	}
	closeErr := st.lower.Close()
	st.lower = nil

	if commitErr != nil {
		return commitErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close %s: %w", ErrLowerIO, st.name, closeErr)
	}
	return nil
}

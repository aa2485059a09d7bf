package clusterfs

import "fmt"

// FSStat is the free-space answer a lower filesystem gives the admission
// check.
type FSStat struct {
	FreeBlocks uint64
	BlockSize  uint64
}

// StatFSer is implemented by lower filesystems that can report free space.
// Lower filesystems without it are admitted unconditionally.
type StatFSer interface {
	StatFS(name string) (FSStat, error)
}

// spaceSlack pads the admission estimate so a write admitted at the edge
// still leaves room for the lower filesystem's own bookkeeping.
const spaceSlack = 4096

// checkSpace estimates the lower-file bytes the engine is already
// committed to writing — unpersisted index records, footers for every file
// holding a buffer, and the staged bytes themselves — and rejects new
// writes when the lower filesystem cannot absorb that much plus slack.
func (fs *FS) checkSpace() error {
	sf, ok := fs.lower.(StatFSer)
	if !ok {
		return nil
	}
	st, err := sf.StatFS("/")
	if err != nil {
		// Can't tell; let the lower write fail on its own if space is
		// really gone.
		return nil
	}

	clamp := func(v int64) uint64 {
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	free := st.FreeBlocks * st.BlockSize
	need := clamp(fs.totalClusters.Load())*descriptorSize +
		clamp(fs.openFiles.Load())*footerFixedSize +
		clamp(fs.bufferedBytes.Load()) +
		spaceSlack

	if free < need {
		fs.stats.spaceRejections.Add(1)
		return fmt.Errorf("%w: %d bytes free, %d reserved", ErrInsufficientSpace, free, need)
	}
	return nil
}

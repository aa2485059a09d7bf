package clusterfs

import "errors"

var (
	// ErrOutOfRange is returned when a cluster index lies beyond the
	// file's current extent.
	ErrOutOfRange = errors.New("clusterfs: cluster index out of range")

	// ErrIndexCorrupt reports a violated cluster-index invariant. It
	// indicates an internal-consistency bug, not a recoverable condition.
	ErrIndexCorrupt = errors.New("clusterfs: cluster index corrupt")

	// ErrClusterInfoMissing is returned when a cluster within the file's
	// extent has no descriptor in either the committed array or the
	// pending list.
	ErrClusterInfoMissing = errors.New("clusterfs: cluster descriptor missing")

	// ErrCorruptFooter is returned when the lower file's trailer fails
	// magic or size validation. The file is unreadable until rewritten;
	// it is never auto-repaired.
	ErrCorruptFooter = errors.New("clusterfs: corrupt footer")

	// ErrCodec reports a compression or decompression failure.
	// Decompression failures are surfaced to the caller; compression
	// failures degrade to raw storage and are never wrapped in ErrCodec
	// on the write path.
	ErrCodec = errors.New("clusterfs: codec failure")

	// ErrInsufficientSpace is returned by the admission check before any
	// lower-file mutation when the lower filesystem cannot hold the
	// worst-case metadata and buffered growth.
	ErrInsufficientSpace = errors.New("clusterfs: insufficient space on lower filesystem")

	// ErrLowerIO reports a terminal lower-filesystem I/O failure,
	// including bounded-retry exhaustion.
	ErrLowerIO = errors.New("clusterfs: lower filesystem i/o failure")

	// ErrInvalidArgument is returned for unsupported requests such as a
	// truncate to a nonzero length or a non-append write.
	ErrInvalidArgument = errors.New("clusterfs: invalid argument")

	// ErrSessionNotHeld is returned when a session is released more times
	// than it was acquired.
	ErrSessionNotHeld = errors.New("clusterfs: session release without acquire")
)

// errIncompressible signals that a codec produced no output because the
// input would not shrink. The write path treats it as "store raw", never
// as a failure.
var errIncompressible = errors.New("clusterfs: cluster is incompressible")

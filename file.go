package clusterfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
)

// fileState is the engine's per-name state, shared by every open File for
// that name. The session mutex guards the lower-file handle and reference
// count; the index mutex guards everything derived from the footer: the
// cluster index, the staged tail buffer, and the size bookkeeping. When
// both are needed the session mutex is taken first.
type fileState struct {
	fs   *FS
	name string

	sessionMu sync.Mutex
	refs      int
	lower     absfs.File

	indexMu sync.Mutex
	index   clusterIndex
	buf     *clusterBuffer

	// metaInvalid forces a footer reload before the next index access.
	// Set when the on-disk array has moved past the in-memory view.
	metaInvalid bool
	// compressible marks a file whose new clusters go through the codec.
	// Cleared permanently once a commit finds no cluster beat the
	// threshold: from then on the file is plain passthrough data.
	compressible bool
	// compressed marks that at least one indexed cluster exists on disk.
	compressed bool
	dirty      bool

	upperSize   int64  // logical byte length visible to readers
	dataEnd     uint64 // lower-file offset where the next cluster lands
	clusterSize int
	algo        CompressionType
	threshold   int
}

func clusterCountFor(size int64, clusterSize int) int {
	return int((size + int64(clusterSize) - 1) / int64(clusterSize))
}

func (st *fileState) logicalSize() int64 {
	st.indexMu.Lock()
	defer st.indexMu.Unlock()
	return st.upperSize
}

// currentSize is logicalSize with a footer reload when the in-memory
// metadata is stale, so callers positioning against the end of a freshly
// reopened file see the on-disk length. Requires a held session.
func (st *fileState) currentSize() (int64, error) {
	st.indexMu.Lock()
	defer st.indexMu.Unlock()
	if st.metaInvalid {
		if err := st.reloadMeta(); err != nil {
			return 0, err
		}
	}
	return st.upperSize, nil
}

// keepCompressed decides the storage form of a finalized cluster: the
// encoded form wins only when strictly smaller than threshold percent of
// the staged bytes. Exact equality stores raw.
func keepCompressed(encLen, stagedLen, threshold int) bool {
	return encLen*100 < stagedLen*threshold
}

// writeBytes appends p at the logical end of the file, staging through the
// tail cluster buffer and finalizing every cluster that fills. A
// non-negative off demands that the write land exactly at the logical end;
// the check runs after any metadata reload so a stale in-memory size can
// neither admit a mid-file write nor reject a legitimate append. Space
// admission runs before any state changes. The dirty flag is raised before
// the first lower-file mutation so a failed write still gets its
// successfully written prefix committed at session close.
func (st *fileState) writeBytes(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := st.fs.checkSpace(); err != nil {
		return 0, err
	}

	st.indexMu.Lock()
	defer st.indexMu.Unlock()

	if st.metaInvalid {
		if err := st.reloadMeta(); err != nil {
			return 0, err
		}
	}
	if off >= 0 && off != st.upperSize {
		return 0, fmt.Errorf("%w: write at %d is not an append (size %d)",
			ErrInvalidArgument, off, st.upperSize)
	}

	if !st.compressible {
		// Passthrough layout: clusters sit raw at natural offsets and
		// only the trailing footer records the length. The write may
		// clobber the current footer, so even a failed one must leave
		// the file dirty for the close-time rewrite.
		st.dirty = true
		if err := lowerWrite(st.lower, p, st.upperSize); err != nil {
			return 0, err
		}
		st.upperSize += int64(len(p))
		st.dataEnd = uint64(st.upperSize)
		st.fs.stats.bytesWritten.Add(int64(len(p)))
		return len(p), nil
	}

	buf := st.ensureBuffer()
	if st.upperSize%int64(st.clusterSize) != 0 && buf.staged == 0 {
		// A previous session left a partial tail cluster on disk. Pull it
		// back into the buffer so the append continues it in place.
		if err := st.loadTail(); err != nil {
			return 0, err
		}
	}

	st.dirty = true
	written := 0
	for len(p) > 0 {
		n := copy(buf.raw[buf.staged:st.clusterSize], p)
		buf.staged += n
		st.upperSize += int64(n)
		st.fs.bufferedBytes.Add(int64(n))
		p = p[n:]
		written += n

		if buf.staged == st.clusterSize {
			if err := st.finalizeStaged(); err != nil {
				return written, err
			}
		}
	}

	st.fs.stats.bytesWritten.Add(int64(written))
	return written, nil
}

// finalizeStaged encodes the staged tail cluster, decides raw-vs-compressed
// against the threshold, and writes the winner at dataEnd with an index
// record. Requires the index mutex and a non-empty stage. On a lower-file
// write failure the stage is left intact.
func (st *fileState) finalizeStaged() error {
	buf := st.buf
	data := buf.raw[:buf.staged]

	stored := buf.comp[:0]
	compressedCluster := false
	enc, err := compressCluster(st.algo, buf.comp, data)
	switch {
	case err == nil && keepCompressed(len(enc), buf.staged, st.threshold):
		stored = enc
		compressedCluster = true
	case err == nil, errors.Is(err, errIncompressible):
		stored = append(stored, data...)
	default:
		// Codec trouble is not data loss: fall back to storing raw.
		st.fs.stats.codecFailures.Add(1)
		st.fs.log.Warn("cluster compression failed, storing raw",
			zap.String("file", st.name), zap.Error(err))
		stored = append(stored, data...)
	}

	size := len(stored)
	for len(stored)%clusterAlign != 0 {
		stored = append(stored, 0)
	}

	if err := lowerWrite(st.lower, stored, int64(st.dataEnd)); err != nil {
		return err
	}

	st.index.append(st.index.count(), ClusterDescriptor{
		Offset: st.dataEnd,
		Size:   uint32(size),
	})
	st.fs.totalClusters.Add(1)
	st.dataEnd += uint64(len(stored))

	st.fs.bufferedBytes.Add(-int64(buf.staged))
	buf.staged = 0

	if compressedCluster {
		st.compressed = true
		st.fs.stats.clustersCompressed.Add(1)
	} else {
		st.fs.stats.clustersRaw.Add(1)
	}
	return nil
}

// loadTail re-stages the file's partial tail cluster from disk so an append
// can extend it, retiring its index record and rewinding dataEnd to its
// slot. Requires the index mutex, fresh metadata, and an empty stage.
func (st *fileState) loadTail() error {
	tailLen := int(st.upperSize % int64(st.clusterSize))
	if tailLen == 0 {
		return nil
	}
	buf := st.ensureBuffer()

	idx := st.index.count() - 1
	d, err := st.index.resolve(idx)
	if err != nil {
		return err
	}

	if int(d.Size) == tailLen {
		// Stored raw.
		if err := lowerRead(st.lower, buf.raw[:tailLen], int64(d.Offset)); err != nil {
			return err
		}
	} else {
		if int(d.Size) > cap(buf.comp) {
			return fmt.Errorf("%w: cluster %d of %s: stored size %d exceeds bound",
				ErrIndexCorrupt, idx, st.name, d.Size)
		}
		if err := lowerRead(st.lower, buf.comp[:d.Size], int64(d.Offset)); err != nil {
			return err
		}
		out, err := decompressCluster(st.algo, buf.raw[:tailLen], buf.comp[:d.Size])
		if err != nil {
			return fmt.Errorf("cluster %d of %s: %w", idx, st.name, err)
		}
		copy(buf.raw[:tailLen], out)
	}

	_, fromPending, err := st.index.retireTail()
	if err != nil {
		return err
	}
	if fromPending {
		st.fs.totalClusters.Add(-1)
	}
	st.dataEnd = d.Offset
	buf.staged = tailLen
	st.fs.bufferedBytes.Add(int64(tailLen))
	return nil
}

// readAt copies logical bytes starting at off into p, decoding clusters as
// needed. The staged tail is served straight from the buffer. Returns
// io.EOF only when off is at or past the logical end.
func (st *fileState) readAt(p []byte, off int64) (int, error) {
	st.indexMu.Lock()
	defer st.indexMu.Unlock()

	if st.metaInvalid {
		if err := st.reloadMeta(); err != nil {
			return 0, err
		}
	}

	if off >= st.upperSize {
		return 0, io.EOF
	}
	if max := st.upperSize - off; int64(len(p)) > max {
		p = p[:max]
	}

	cs := int64(st.clusterSize)
	total := 0
	for len(p) > 0 {
		idx := int(off / cs)
		inOff := int(off % cs)
		clen := cs
		if left := st.upperSize - int64(idx)*cs; left < cs {
			clen = left
		}
		n := int(clen) - inOff
		if n > len(p) {
			n = len(p)
		}

		var err error
		switch {
		case st.buf != nil && st.buf.staged > 0 && idx == st.index.count():
			copy(p[:n], st.buf.raw[inOff:inOff+n])
		case !st.compressible && !st.compressed:
			err = lowerRead(st.lower, p[:n], off)
		default:
			err = st.readCluster(p[:n], idx, inOff, int(clen))
		}
		if err != nil {
			return total, err
		}

		p = p[n:]
		off += int64(n)
		total += n
	}

	st.fs.stats.bytesRead.Add(int64(total))
	return total, nil
}

// readCluster fills p with bytes [inOff, inOff+len(p)) of cluster idx,
// whose logical length is clen. A record whose stored size equals the
// cluster's logical length marks a raw cluster: full clusters always, the
// tail cluster by position.
func (st *fileState) readCluster(p []byte, idx, inOff, clen int) error {
	d, err := st.index.resolve(idx)
	if err != nil {
		return err
	}

	raw := int(d.Size) == st.clusterSize ||
		(clen < st.clusterSize && int(d.Size) == clen && idx == st.index.count()-1)
	if raw {
		return lowerRead(st.lower, p, int64(d.Offset)+int64(inOff))
	}

	need := compressBound(st.clusterSize) + st.clusterSize
	sc := st.fs.scratch.Get().(*[]byte)
	defer st.fs.scratch.Put(sc)
	if cap(*sc) < need {
		*sc = make([]byte, need)
	}
	b := (*sc)[:need]
	src := b[:d.Size]
	dst := b[len(b)-clen:]

	if err := lowerRead(st.lower, src, int64(d.Offset)); err != nil {
		return err
	}
	out, err := decompressCluster(st.algo, dst, src)
	if err != nil {
		return fmt.Errorf("cluster %d of %s: %w", idx, st.name, err)
	}
	copy(p, out[inOff:inOff+len(p)])
	return nil
}

// File is one open handle on a cluster file. Concurrent use of a single
// File is serialized by its own mutex; distinct Files on the same name
// share the fileState underneath.
type File struct {
	st   *fileState
	flag int

	mu     sync.Mutex
	pos    int64
	closed bool
}

func (f *File) Name() string { return f.st.name }

func (f *File) readable() bool {
	return f.flag&os.O_WRONLY == 0
}

func (f *File) writable() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR) != 0
}

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.readable() {
		return 0, fmt.Errorf("%w: %s not open for reading", ErrInvalidArgument, f.st.name)
	}
	n, err := f.st.readAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.readable() {
		return 0, fmt.Errorf("%w: %s not open for reading", ErrInvalidArgument, f.st.name)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}
	n, err := f.st.readAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Write appends p at the logical end of the file. The engine stores
// clusters append-only, so every write lands at the current end regardless
// of the seek position; the position follows the new end afterwards.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.writable() {
		return 0, fmt.Errorf("%w: %s not open for writing", ErrInvalidArgument, f.st.name)
	}
	n, err := f.st.writeBytes(p, -1)
	f.pos = f.st.logicalSize()
	return n, err
}

// WriteAt accepts only writes at the current logical end. The offset is
// validated against reloaded metadata inside the write path, not against
// the possibly stale in-memory size.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if !f.writable() {
		return 0, fmt.Errorf("%w: %s not open for writing", ErrInvalidArgument, f.st.name)
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	return f.st.writeBytes(p, off)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		sz, err := f.st.currentSize()
		if err != nil {
			return 0, err
		}
		base = sz
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidArgument, whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: seek before start", ErrOutOfRange)
	}
	f.pos = pos
	return pos, nil
}

// Truncate supports only truncation to zero, which resets the file to an
// empty lower file with empty metadata.
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if !f.writable() {
		return fmt.Errorf("%w: %s not open for writing", ErrInvalidArgument, f.st.name)
	}
	if err := f.st.truncateZero(size); err != nil {
		return err
	}
	f.pos = 0
	return nil
}

func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	return f.st.lower.Sync()
}

func (f *File) Stat() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	info, err := f.st.lower.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrLowerIO, f.st.name, err)
	}
	sz, err := f.st.currentSize()
	if err != nil {
		return nil, err
	}
	return fileInfo{FileInfo: info, size: sz}, nil
}

// Close releases this handle's session reference; the last close commits
// the staged tail and footer. Closing twice is an error.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return f.st.release()
}

func (f *File) Readdir(int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, f.st.name)
}

func (f *File) Readdirnames(int) ([]string, error) {
	return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, f.st.name)
}

// fileInfo reports the lower file's attributes with the logical
// (uncompressed) size in place of the lower file's physical one.
type fileInfo struct {
	os.FileInfo
	size int64
}

func (fi fileInfo) Size() int64 { return fi.size }

package clusterfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absfs/absfs"
)

// normalizePath normalizes a path for consistent storage/lookup.
func normalizePath(name string) string {
	name = filepath.Clean(name)
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		name = "."
	}
	return name
}

// MemFS is a simple in-memory lower filesystem for testing. Every handle
// on a name shares the same node, so writes through one handle are visible
// through the others and through Stat, matching what the engine expects
// from a real filesystem.
//
// Fault injection: SetFreeSpace bounds StatFS answers, InjectInterrupts
// makes the next k data calls fail with EINTR, and FailWritesAfter makes
// every WriteAt past the nth fail with EIO.
type MemFS struct {
	mu    sync.Mutex
	nodes map[string]*memNode

	freeLimit  int64 // <0 means unlimited
	interrupts int
	writeCalls int
	failAfter  int // <0 disabled
}

// NewMemFS creates an empty in-memory filesystem with unlimited space and
// no fault injection.
func NewMemFS() *MemFS {
	return &MemFS{
		nodes:     make(map[string]*memNode),
		freeLimit: -1,
		failAfter: -1,
	}
}

// SetFreeSpace bounds the free space StatFS reports. Negative means
// unlimited.
func (mfs *MemFS) SetFreeSpace(limit int64) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.freeLimit = limit
}

// InjectInterrupts makes the next k ReadAt/WriteAt calls return EINTR with
// no bytes transferred.
func (mfs *MemFS) InjectInterrupts(k int) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.interrupts = k
}

// FailWritesAfter makes every WriteAt after the nth call fail with EIO.
// Negative disables.
func (mfs *MemFS) FailWritesAfter(n int) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	mfs.failAfter = n
	mfs.writeCalls = 0
}

// interrupt consumes one injected interrupt if any are pending.
func (mfs *MemFS) interrupt() bool {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	if mfs.interrupts > 0 {
		mfs.interrupts--
		return true
	}
	return false
}

// failWrite consumes one write-call budget slot.
func (mfs *MemFS) failWrite() bool {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()
	if mfs.failAfter < 0 {
		return false
	}
	mfs.writeCalls++
	return mfs.writeCalls > mfs.failAfter
}

type memNode struct {
	mu      sync.Mutex
	name    string
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

func (mfs *MemFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	name = normalizePath(name)
	node, exists := mfs.nodes[name]
	if !exists {
		if flag&os.O_CREATE == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		node = &memNode{name: name, mode: perm, modTime: time.Now()}
		mfs.nodes[name] = node
	}
	if flag&os.O_TRUNC != 0 {
		node.mu.Lock()
		node.data = nil
		node.modTime = time.Now()
		node.mu.Unlock()
	}
	return &memHandle{mfs: mfs, node: node}, nil
}

func (mfs *MemFS) Open(name string) (absfs.File, error) {
	return mfs.OpenFile(name, os.O_RDONLY, 0)
}

func (mfs *MemFS) Create(name string) (absfs.File, error) {
	return mfs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (mfs *MemFS) Remove(name string) error {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	name = normalizePath(name)
	if _, exists := mfs.nodes[name]; !exists {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(mfs.nodes, name)
	return nil
}

func (mfs *MemFS) Stat(name string) (os.FileInfo, error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	name = normalizePath(name)
	node, exists := mfs.nodes[name]
	if !exists {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return node.info(), nil
}

// StatFS reports the configured free space less what the filesystem
// already holds.
func (mfs *MemFS) StatFS(string) (FSStat, error) {
	mfs.mu.Lock()
	defer mfs.mu.Unlock()

	const blockSize = 512
	if mfs.freeLimit < 0 {
		return FSStat{FreeBlocks: 1 << 40, BlockSize: blockSize}, nil
	}
	var used int64
	for _, node := range mfs.nodes {
		node.mu.Lock()
		used += int64(len(node.data))
		node.mu.Unlock()
	}
	free := mfs.freeLimit - used
	if free < 0 {
		free = 0
	}
	return FSStat{FreeBlocks: uint64(free) / blockSize, BlockSize: blockSize}, nil
}

func (n *memNode) info() os.FileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{
		name:    filepath.Base(n.name),
		size:    int64(len(n.data)),
		mode:    n.mode,
		modTime: n.modTime,
	}
}

// memHandle is one open handle on a node. All handles on the same name
// share the node's byte slice.
type memHandle struct {
	mfs  *MemFS
	node *memNode

	mu     sync.Mutex
	pos    int64
	closed bool
}

func (h *memHandle) Name() string { return h.node.name }

func (h *memHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	n, err := h.node.readAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	if h.mfs.interrupt() {
		return 0, syscall.EINTR
	}
	return h.node.readAt(p, off)
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	n, err := h.node.writeAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	if h.mfs.interrupt() {
		return 0, syscall.EINTR
	}
	if h.mfs.failWrite() {
		return 0, syscall.EIO
	}
	return h.node.writeAt(p, off)
}

func (h *memHandle) WriteString(s string) (int, error) {
	return h.Write([]byte(s))
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		h.node.mu.Lock()
		base = int64(len(h.node.data))
		h.node.mu.Unlock()
	default:
		return 0, errors.New("invalid whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.New("negative position")
	}
	h.pos = pos
	return pos, nil
}

func (h *memHandle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fs.ErrClosed
	}
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	switch {
	case size < int64(len(h.node.data)):
		h.node.data = h.node.data[:size]
	case size > int64(len(h.node.data)):
		grown := make([]byte, size)
		copy(grown, h.node.data)
		h.node.data = grown
	}
	h.node.modTime = time.Now()
	return nil
}

func (h *memHandle) Stat() (os.FileInfo, error) {
	return h.node.info(), nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *memHandle) Readdir(int) ([]os.FileInfo, error) {
	return nil, os.ErrInvalid
}

func (h *memHandle) Readdirnames(int) ([]string, error) {
	return nil, os.ErrInvalid
}

func (n *memNode) readAt(p []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	c := copy(p, n.data[off:])
	if c < len(p) {
		return c, io.EOF
	}
	return c, nil
}

func (n *memNode) writeAt(p []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if need := int(off) + len(p); need > len(n.data) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	c := copy(n.data[off:], p)
	n.modTime = time.Now()
	return c, nil
}

type memFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (fi *memFileInfo) Name() string       { return fi.name }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *memFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *memFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *memFileInfo) Sys() interface{}   { return nil }

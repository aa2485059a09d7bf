package clusterfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies one member of the closed codec set. The
// ordinal is written to the lower file's footer, so values are part of the
// on-disk format and must never be reordered.
type CompressionType uint8

const (
	// LZ4 is the block codec used for general-purpose clusters. It
	// compresses through a dedicated hash-table work buffer.
	LZ4 CompressionType = iota
	// Snappy is the low-CPU block codec.
	Snappy
	// Deflate is raw DEFLATE via a cached transform handle.
	Deflate
	// Zlib is zlib-framed DEFLATE via a cached transform handle.
	Zlib
	// Zstd is Zstandard via a shared encoder/decoder pair.
	Zstd
	// Brotli is the high-ratio codec via a cached transform handle.
	Brotli

	totalCompressionTypes
)

var compressionTypeNames = [totalCompressionTypes]string{
	"lz4",
	"snappy",
	"deflate",
	"zlib",
	"zstd",
	"brotli",
}

// IsValid returns true if the compression type is a member of the codec set.
func (t CompressionType) IsValid() bool {
	return t < totalCompressionTypes
}

// String returns the mount-option name of the compression type.
func (t CompressionType) String() string {
	if !t.IsValid() {
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
	return compressionTypeNames[t]
}

// ParseCompressionType resolves a mount-option name such as "lz4" or
// "zstd" into a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	for i, name := range compressionTypeNames {
		if name == s {
			return CompressionType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown compression type %q", ErrInvalidArgument, s)
}

// compressBound returns the scratch size needed to hold the worst-case
// encoded form of a cluster for any member of the codec set. Snappy has
// the largest bound of the block codecs and exceeds the lz4 bound.
func compressBound(clusterSize int) int {
	n := snappy.MaxEncodedLen(clusterSize)
	if b := lz4.CompressBlockBound(clusterSize); b > n {
		n = b
	}
	return n
}

// expectEOF verifies a decompression stream ends exactly where the cluster
// length says it should. A stream that keeps producing bytes belongs to a
// different (longer) cluster and must not be silently truncated.
func expectEOF(r io.Reader) error {
	var trail [1]byte
	if _, err := io.ReadFull(r, trail[:]); err != io.EOF {
		return errors.New("stream does not end at cluster length")
	}
	return nil
}

// lz4Table is the dedicated single-threaded work buffer for LZ4 block
// compression, allocated lazily and zeroed before each compression so no
// state leaks between clusters.
var (
	lz4Mu    sync.Mutex
	lz4Table []int
)

// compressCluster encodes src into dst's backing storage and returns the
// encoded bytes. Block codecs (LZ4, Snappy) run inline; the remaining
// algorithms route through a cached transform handle. errIncompressible
// means the codec declined because the data would not shrink; callers
// store the cluster raw in that case.
func compressCluster(t CompressionType, dst, src []byte) ([]byte, error) {
	switch t {
	case LZ4:
		lz4Mu.Lock()
		defer lz4Mu.Unlock()
		if lz4Table == nil {
			lz4Table = make([]int, 1<<16)
		}
		clear(lz4Table)
		n, err := lz4.CompressBlock(src, dst, lz4Table)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrCodec, err)
		}
		if n == 0 {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case Snappy:
		return snappy.Encode(dst, src), nil
	default:
		h, err := handleFor(t)
		if err != nil {
			return nil, err
		}
		return h.compress(dst, src)
	}
}

// decompressCluster decodes src into dst, which must be sized to the
// cluster's exact logical length. A short or failed decode is a distinct
// codec error; the caller invalidates the affected cluster and surfaces
// an I/O error rather than returning truncated data.
func decompressCluster(t CompressionType, dst, src []byte) ([]byte, error) {
	switch t {
	case LZ4:
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %w", ErrCodec, err)
		}
		if n != len(dst) {
			return nil, fmt.Errorf("%w: lz4: got %d bytes, expected %d", ErrCodec, n, len(dst))
		}
		return dst, nil
	case Snappy:
		out, err := snappy.Decode(dst, src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %w", ErrCodec, err)
		}
		if len(out) != len(dst) {
			return nil, fmt.Errorf("%w: snappy: got %d bytes, expected %d", ErrCodec, len(out), len(dst))
		}
		return out, nil
	default:
		h, err := handleFor(t)
		if err != nil {
			return nil, err
		}
		return h.decompress(dst, src)
	}
}

// transformHandle is a reusable compress/decompress context for one
// algorithm. Handles are stateful and internally synchronized.
type transformHandle interface {
	compress(dst, src []byte) ([]byte, error)
	decompress(dst, src []byte) ([]byte, error)
}

// Transform handles are created lazily on first use and cached
// process-wide, one slot per algorithm. They are never freed in steady
// state; a failed constructor leaves the slot empty so the next call
// retries.
var (
	handleMu sync.Mutex
	handles  [totalCompressionTypes]transformHandle
)

func handleFor(t CompressionType) (transformHandle, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: compression type %d", ErrInvalidArgument, uint8(t))
	}

	handleMu.Lock()
	defer handleMu.Unlock()

	if handles[t] != nil {
		return handles[t], nil
	}

	var (
		h   transformHandle
		err error
	)
	switch t {
	case Deflate:
		h = &flateHandle{level: flate.DefaultCompression}
	case Zlib:
		h = &zlibHandle{level: zlib.DefaultCompression}
	case Zstd:
		h, err = newZstdHandle()
	case Brotli:
		h = &brotliHandle{level: brotli.DefaultCompression}
	default:
		return nil, fmt.Errorf("%w: no transform handle for %s", ErrInvalidArgument, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCodec, t, err)
	}

	handles[t] = h
	return h, nil
}

// flateHandle streams through a single flate writer/reader pair, reset per
// call under the handle mutex.
type flateHandle struct {
	mu    sync.Mutex
	level int
	w     *flate.Writer
	r     io.ReadCloser
}

func (h *flateHandle) compress(dst, src []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := bytes.NewBuffer(dst[:0])
	if h.w == nil {
		w, err := flate.NewWriter(buf, h.level)
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
		}
		h.w = w
	} else {
		h.w.Reset(buf)
	}
	if _, err := h.w.Write(src); err != nil {
		return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
	}
	if err := h.w.Close(); err != nil {
		return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
	}
	return buf.Bytes(), nil
}

func (h *flateHandle) decompress(dst, src []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	br := bytes.NewReader(src)
	if h.r == nil {
		h.r = flate.NewReader(br)
	} else if err := h.r.(flate.Resetter).Reset(br, nil); err != nil {
		return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
	}
	if _, err := io.ReadFull(h.r, dst); err != nil {
		return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
	}
	if err := expectEOF(h.r); err != nil {
		return nil, fmt.Errorf("%w: deflate: %w", ErrCodec, err)
	}
	return dst, nil
}

// zlibHandle mirrors flateHandle with the zlib framing.
type zlibHandle struct {
	mu    sync.Mutex
	level int
	w     *zlib.Writer
	r     io.ReadCloser
}

func (h *zlibHandle) compress(dst, src []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := bytes.NewBuffer(dst[:0])
	if h.w == nil {
		w, err := zlib.NewWriterLevel(buf, h.level)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
		}
		h.w = w
	} else {
		h.w.Reset(buf)
	}
	if _, err := h.w.Write(src); err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
	}
	if err := h.w.Close(); err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
	}
	return buf.Bytes(), nil
}

func (h *zlibHandle) decompress(dst, src []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	br := bytes.NewReader(src)
	if h.r == nil {
		// zlib readers validate the stream header eagerly, so the
		// reader cannot be constructed ahead of the first payload.
		r, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
		}
		h.r = r
	} else if err := h.r.(zlib.Resetter).Reset(br, nil); err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
	}
	if _, err := io.ReadFull(h.r, dst); err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
	}
	if err := expectEOF(h.r); err != nil {
		return nil, fmt.Errorf("%w: zlib: %w", ErrCodec, err)
	}
	return dst, nil
}

// zstdHandle shares one encoder/decoder pair; both are safe for
// concurrent use, so no handle mutex is needed.
type zstdHandle struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdHandle() (*zstdHandle, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdHandle{enc: enc, dec: dec}, nil
}

func (h *zstdHandle) compress(dst, src []byte) ([]byte, error) {
	return h.enc.EncodeAll(src, dst[:0]), nil
}

func (h *zstdHandle) decompress(dst, src []byte) ([]byte, error) {
	out, err := h.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrCodec, err)
	}
	if len(out) != len(dst) {
		return nil, fmt.Errorf("%w: zstd: got %d bytes, expected %d", ErrCodec, len(out), len(dst))
	}
	return out, nil
}

// brotliHandle streams through a single brotli writer/reader pair.
type brotliHandle struct {
	mu    sync.Mutex
	level int
	w     *brotli.Writer
	r     *brotli.Reader
}

func (h *brotliHandle) compress(dst, src []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := bytes.NewBuffer(dst[:0])
	if h.w == nil {
		h.w = brotli.NewWriterLevel(buf, h.level)
	} else {
		h.w.Reset(buf)
	}
	if _, err := h.w.Write(src); err != nil {
		return nil, fmt.Errorf("%w: brotli: %w", ErrCodec, err)
	}
	if err := h.w.Close(); err != nil {
		return nil, fmt.Errorf("%w: brotli: %w", ErrCodec, err)
	}
	return buf.Bytes(), nil
}

func (h *brotliHandle) decompress(dst, src []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	br := bytes.NewReader(src)
	if h.r == nil {
		h.r = brotli.NewReader(br)
	} else if err := h.r.Reset(br); err != nil {
		return nil, fmt.Errorf("%w: brotli: %w", ErrCodec, err)
	}
	if _, err := io.ReadFull(h.r, dst); err != nil {
		return nil, fmt.Errorf("%w: brotli: %w", ErrCodec, err)
	}
	if err := expectEOF(h.r); err != nil {
		return nil, fmt.Errorf("%w: brotli: %w", ErrCodec, err)
	}
	return dst, nil
}

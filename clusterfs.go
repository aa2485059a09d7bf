package clusterfs

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Cluster size limits. Sizes must be a power of two so cluster arithmetic
// stays shift-and-mask and cluster boundaries stay aligned.
const (
	ClusterSizeMin = 4 * 1024
	ClusterSizeMax = 1024 * 1024

	DefaultClusterSize = 16 * 1024
	DefaultThreshold   = 90
)

// Config holds cluster storage engine configuration.
type Config struct {
	// ClusterSize is the logical bytes per cluster. Must be a power of
	// two between ClusterSizeMin and ClusterSizeMax (default: 16KB).
	ClusterSize int

	// Threshold is the percentage a cluster's encoded form must stay
	// strictly under for the compressed copy to be kept; at or above it
	// the cluster is stored raw. Range 1-100 (default: 90).
	Threshold int

	// Algorithm encodes every compressed cluster of every file created
	// under this engine (default: LZ4).
	Algorithm CompressionType

	// NoCompress lays files out as raw passthrough data with only the
	// trailing footer, skipping the codec and the cluster index.
	NoCompress bool

	// Logger receives engine diagnostics (default: no-op).
	Logger *zap.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ClusterSize: DefaultClusterSize,
		Threshold:   DefaultThreshold,
		Algorithm:   LZ4,
	}
}

func (c *Config) validate() error {
	if c.ClusterSize == 0 {
		c.ClusterSize = DefaultClusterSize
	}
	if c.ClusterSize < ClusterSizeMin || c.ClusterSize > ClusterSizeMax ||
		c.ClusterSize&(c.ClusterSize-1) != 0 {
		return fmt.Errorf("%w: cluster size %d must be a power of two in [%d, %d]",
			ErrInvalidArgument, c.ClusterSize, ClusterSizeMin, ClusterSizeMax)
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Threshold < 1 || c.Threshold > 100 {
		return fmt.Errorf("%w: threshold %d must be in [1, 100]", ErrInvalidArgument, c.Threshold)
	}
	if !c.Algorithm.IsValid() {
		return fmt.Errorf("%w: compression type %d", ErrInvalidArgument, uint8(c.Algorithm))
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// statCounters are the engine's running counters, bumped lock-free from
// the hot paths.
type statCounters struct {
	bytesRead          atomic.Int64
	bytesWritten       atomic.Int64
	clustersCompressed atomic.Int64
	clustersRaw        atomic.Int64
	codecFailures      atomic.Int64
	footersWritten     atomic.Int64
	spaceRejections    atomic.Int64
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	BytesRead          int64
	BytesWritten       int64
	ClustersCompressed int64
	ClustersRaw        int64
	CodecFailures      int64
	FootersWritten     int64
	SpaceRejections    int64
}

// CompressedShare returns the fraction of finalized clusters that beat the
// threshold.
func (s Stats) CompressedShare() float64 {
	total := s.ClustersCompressed + s.ClustersRaw
	if total == 0 {
		return 0
	}
	return float64(s.ClustersCompressed) / float64(total)
}

// FS is the transparent-compression cluster storage engine. Every file it
// opens is backed by one lower file holding fixed-size clusters, an index
// of cluster descriptors and a trailing footer; readers and writers see
// only the logical bytes.
type FS struct {
	lower  Filer
	config Config
	log    *zap.Logger

	mu    sync.Mutex
	files map[string]*fileState

	// Space admission inputs, updated lock-free across files.
	totalClusters atomic.Int64 // index records not yet persisted
	openFiles     atomic.Int64 // files holding a live stage buffer
	bufferedBytes atomic.Int64 // staged bytes across all files

	stats   statCounters
	scratch sync.Pool
}

// New creates an engine storing cluster files on lower. A nil config gets
// DefaultConfig.
func New(lower Filer, config *Config) (*FS, error) {
	if lower == nil {
		return nil, fmt.Errorf("%w: nil lower filesystem", ErrInvalidArgument)
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fs := &FS{
		lower:  lower,
		config: cfg,
		log:    cfg.Logger,
		files:  make(map[string]*fileState),
	}
	bound := compressBound(cfg.ClusterSize) + cfg.ClusterSize
	fs.scratch.New = func() any {
		b := make([]byte, bound)
		return &b
	}

	fs.log.Info("cluster engine ready",
		zap.Int("cluster size", cfg.ClusterSize),
		zap.Int("threshold", cfg.Threshold),
		zap.Stringer("algorithm", cfg.Algorithm),
		zap.Bool("no compress", cfg.NoCompress),
	)
	return fs, nil
}

// state returns the shared per-name state, creating it on first open. A
// pre-existing non-empty lower file starts metadata-invalid so the first
// access loads its footer.
func (fs *FS) state(name string) *fileState {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if st, ok := fs.files[name]; ok {
		return st
	}
	st := &fileState{
		fs:           fs,
		name:         name,
		clusterSize:  fs.config.ClusterSize,
		algo:         fs.config.Algorithm,
		threshold:    fs.config.Threshold,
		compressible: !fs.config.NoCompress,
	}
	if info, err := fs.lower.Stat(name); err == nil && info.Size() > 0 {
		st.metaInvalid = true
	}
	fs.files[name] = st
	return st
}

// OpenFile opens name under the usual os flag semantics, restricted to the
// engine's append-only model.
func (fs *FS) OpenFile(name string, flag int, perm os.FileMode) (*File, error) {
	if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
		if _, err := fs.lower.Stat(name); err == nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
		}
	}
	if flag&os.O_CREATE == 0 {
		if _, err := fs.lower.Stat(name); err != nil {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
	}

	st := fs.state(name)
	if err := st.acquire(); err != nil {
		return nil, err
	}

	if flag&os.O_TRUNC != 0 {
		if err := st.truncateZero(0); err != nil {
			_ = st.release()
			return nil, err
		}
	}

	f := &File{st: st, flag: flag}
	if flag&os.O_APPEND != 0 {
		// Seed the position from reloaded metadata; a reopened file's
		// in-memory size is stale until the footer is read back.
		sz, err := st.currentSize()
		if err != nil {
			_ = st.release()
			return nil, err
		}
		f.pos = sz
	}
	return f, nil
}

// Open opens name read-only.
func (fs *FS) Open(name string) (*File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or replaces name for reading and writing.
func (fs *FS) Create(name string) (*File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// Remove deletes name's lower file. Files with open sessions cannot be
// removed.
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	st := fs.files[name]
	if st != nil {
		st.sessionMu.Lock()
		busy := st.refs > 0
		st.sessionMu.Unlock()
		if busy {
			fs.mu.Unlock()
			return fmt.Errorf("%w: remove %s: file is open", ErrInvalidArgument, name)
		}
		delete(fs.files, name)
	}
	fs.mu.Unlock()

	if err := fs.lower.Remove(name); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrLowerIO, name, err)
	}
	return nil
}

// Stat reports name's attributes with the logical size from the footer in
// place of the lower file's physical size.
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	info, err := fs.lower.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return fileInfo{FileInfo: info, size: 0}, nil
	}

	fs.mu.Lock()
	st, open := fs.files[name]
	fs.mu.Unlock()
	if open {
		st.sessionMu.Lock()
		held := st.refs > 0
		st.sessionMu.Unlock()
		if held {
			sz, err := st.currentSize()
			if err != nil {
				return nil, err
			}
			return fileInfo{FileInfo: info, size: sz}, nil
		}
	}

	// No open session: read the footer directly.
	f, err := fs.lower.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrLowerIO, name, err)
	}
	defer f.Close()

	if info.Size() < footerFixedSize {
		return nil, fmt.Errorf("%w: lower file %s is %d bytes, smaller than the footer",
			ErrCorruptFooter, name, info.Size())
	}
	var fb [footerFixedSize]byte
	if err := lowerRead(f, fb[:], info.Size()-footerFixedSize); err != nil {
		return nil, err
	}
	ft, err := decodeFooter(fb[:])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return fileInfo{FileInfo: info, size: int64(ft.originalFileSize)}, nil
}

// Stats returns a snapshot of the engine's counters.
func (fs *FS) Stats() Stats {
	return Stats{
		BytesRead:          fs.stats.bytesRead.Load(),
		BytesWritten:       fs.stats.bytesWritten.Load(),
		ClustersCompressed: fs.stats.clustersCompressed.Load(),
		ClustersRaw:        fs.stats.clustersRaw.Load(),
		CodecFailures:      fs.stats.codecFailures.Load(),
		FootersWritten:     fs.stats.footersWritten.Load(),
		SpaceRejections:    fs.stats.spaceRejections.Load(),
	}
}

package clusterfs

// Preset configurations for common use cases

// FastestConfig returns a configuration optimized for write speed.
func FastestConfig() *Config {
	return &Config{
		ClusterSize: DefaultClusterSize,
		Threshold:   DefaultThreshold,
		Algorithm:   LZ4,
	}
}

// RecommendedConfig returns the recommended configuration for general use.
// Zstd gives a good ratio at reasonable speed; the larger cluster gives the
// codec more context to work with.
func RecommendedConfig() *Config {
	return &Config{
		ClusterSize: 64 * 1024,
		Threshold:   DefaultThreshold,
		Algorithm:   Zstd,
	}
}

// BestCompressionConfig returns a configuration optimized for ratio. Use
// for write-once/read-many data.
func BestCompressionConfig() *Config {
	return &Config{
		ClusterSize: 128 * 1024,
		Threshold:   95,
		Algorithm:   Brotli,
	}
}

// LowCPUConfig returns a configuration optimized for low CPU usage. The
// tighter threshold stores marginal clusters raw rather than paying
// decompression cost for little gain.
func LowCPUConfig() *Config {
	return &Config{
		ClusterSize: DefaultClusterSize,
		Threshold:   75,
		Algorithm:   Snappy,
	}
}

// PassthroughConfig returns a configuration that stores data raw with only
// the trailing footer, for lower filesystems holding already-compressed
// content.
func PassthroughConfig() *Config {
	return &Config{
		ClusterSize: DefaultClusterSize,
		Threshold:   DefaultThreshold,
		Algorithm:   LZ4,
		NoCompress:  true,
	}
}

// NewWithRecommendedConfig creates an engine with recommended settings.
func NewWithRecommendedConfig(lower Filer) (*FS, error) {
	return New(lower, RecommendedConfig())
}

// NewWithFastestConfig creates an engine optimized for speed.
func NewWithFastestConfig(lower Filer) (*FS, error) {
	return New(lower, FastestConfig())
}

// NewWithBestCompression creates an engine optimized for compression ratio.
func NewWithBestCompression(lower Filer) (*FS, error) {
	return New(lower, BestCompressionConfig())
}

// CompressionRatio returns compressedSize relative to originalSize, where
// lower is better: 0.5 means the stored form is half the logical bytes.
func CompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}

// Package clusterfs is a transparent-compression cluster storage engine
// layered over any absfs-style lower filesystem.
//
// Each file it serves is backed by one lower file holding fixed-size
// logical clusters. A cluster is compressed when the encoded form beats
// the configured threshold and stored raw otherwise, so incompressible
// data costs almost nothing. A descriptor index and a fixed trailing
// footer locate every cluster; readers and writers only ever see the
// logical bytes.
//
// # Features
//
//   - Transparent per-cluster compression and decompression
//   - 6 codecs: lz4, snappy, deflate, zlib, zstd, brotli
//   - Raw fallback for clusters that do not compress
//   - Append-only writes with an in-memory staged tail cluster
//   - Metadata committed once, when the last handle closes
//   - Space admission against the lower filesystem's free space
//   - Statistics tracking
//
// # Quick Start
//
//	import "github.com/absfs/clusterfs"
//
//	engine, _ := clusterfs.New(lower, &clusterfs.Config{
//	    ClusterSize: 16 * 1024,
//	    Algorithm:   clusterfs.Zstd,
//	})
//
//	// Writes are staged into clusters and compressed as they fill.
//	f, _ := engine.Create("data.bin")
//	f.Write(payload)
//	f.Close() // commits the index and footer
//
//	// Reads decode only the clusters they touch.
//	f, _ = engine.Open("data.bin")
//	data, _ := io.ReadAll(f)
//	f.Close()
//
// # Codec Selection Guide
//
//   - General purpose: lz4 - fast both ways, decent ratio
//   - Best ratio/speed balance: zstd
//   - Maximum compression: brotli - for write-once/read-many data
//   - CPU-constrained: snappy
//
// # On-Disk Layout
//
// A lower file is the concatenation of its stored clusters, each padded to
// an 8-byte boundary, followed by one 12-byte descriptor per cluster and a
// 21-byte footer recording the magic, cluster size, codec, logical file
// length, and the combined footer region size. Files whose clusters all
// stored raw omit the descriptors and keep data at natural offsets, so a
// passthrough file costs only the footer.
package clusterfs

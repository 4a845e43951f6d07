// Package storage implements the pipeline's three S3 surfaces.
//
// # Overview
//
//   - BlobStore: versioned staging of oversized event payloads between
//     publish and consolidation
//   - LongTerm: streaming upload of columnar files into date-partitioned
//     long-term storage, plus the listing and deletion primitives used by
//     the retention sweeper
//
// Long-term uploads stream through an io.Pipe into a multipart uploader,
// so a columnar file never has to fit in memory. The object only becomes
// visible once the writer is closed successfully; a failed upload leaves
// nothing behind that a query could see.
//
// # Related Packages
//
//   - pkg/consumer: Writes columnar files through LongTerm
//   - pkg/events: Uses BlobStore via the codec
//   - pkg/retention: Sweeps expired date partitions
package storage

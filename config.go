package blobfile

import (
	"github.com/Azure/go-autorest/autorest/to"
)

// ChunkSizes overrides the per-cloud upload chunk size a Client uses,
// mirroring ops.py's configure(gcs_write_chunk_size=..., azure_write_chunk_
// size=...) overrides exercised by its concurrent-write tests. A zero
// pointer (or omitting WithChunkSizes entirely) keeps each backend's own
// default.
type ChunkSizes struct {
	GCS   *int64
	Azure *int64
}

// defaultedInt64 returns *p if p is non-nil and nonzero, else def.
// to.Int64 dereferences p or returns 0 for a nil pointer, so the nil and
// "explicitly zero" cases collapse into the same default-chunk-size path
// effectiveChunkSize expects, without a caller-side nil guard.
func defaultedInt64(p *int64, def int64) int64 {
	if v := to.Int64(p); v != 0 {
		return v
	}
	return def
}

// WithChunkSizes overrides the GCS/Azure upload chunk sizes a Client's
// backends use. Nil fields in sizes keep that backend's default.
func WithChunkSizes(sizes ChunkSizes) Option {
	return func(c *Client) { c.chunkSizes = sizes }
}

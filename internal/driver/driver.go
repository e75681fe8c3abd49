// Package driver defines the small interface each cloud backend implements.
// It follows the shape of gocloud.dev/blob/driver's Bucket interface (as
// seen through azureblob.go's implementation of it) but is trimmed to what
// this spec's components actually need: directory emulation (C5), the
// streaming reader/writer skeleton (C6/C7), the copy coordinator (C8), and
// the hash subsystem (C10) are all expressed as callers of a single Backend
// implementation per cloud, rather than duplicating retry/escaping logic in
// each backend.
package driver

import (
	"context"
	"io"
	"time"

	"github.com/8enmann/blobfile/internal/gcerr"
)

// Attributes describes an object's metadata, the remote analogue of the
// public Stat type plus fields backends need internally (ETag/generation,
// content-MD5 when present).
type Attributes struct {
	Size       int64
	ModTime    time.Time
	MD5        []byte // nil if unknown
	Version    string // ETag / generation, opaque
}

// ListObject is one entry in a ListPage: either a real object or a common
// prefix ("pseudo-directory").
type ListObject struct {
	Key     string
	Size    int64
	ModTime time.Time
	MD5     []byte
	IsDir   bool
}

// ListPage is one page of a delimited listing (component C4).
type ListPage struct {
	Objects       []*ListObject
	NextPageToken string
}

// ListOptions configures one ListPage call.
type ListOptions struct {
	Prefix    string
	Delimiter string
	PageToken string
	PageSize  int
}

// Reader is a single ranged-GET response body, the unit component C6 is
// built on top of.
type Reader interface {
	io.ReadCloser
	// Size is the full object size (not the length of this particular
	// range), needed to compute the reader's initial boundary.
	Size() int64
}

// ChunkWriter is the per-cloud upload state machine hook that C7's shared
// skeleton drives: start a session/blob, then push whole chunks to it.
type ChunkWriter interface {
	// Upload pushes chunk, which is either a full chunk-sized piece or (when
	// finalize is true) the final, possibly short or empty, piece.
	Upload(ctx context.Context, chunk []byte, finalize bool) error
}

// CopyResult carries the MD5 of a just-completed same-cloud copy, if asked
// for.
type CopyResult struct {
	MD5 []byte
}

// Backend is the per-cloud driver that C5 (directory emulation), C6/C7
// (streaming I/O), C8 (copy), C9 (sharded listing) and C10 (hashing) all
// build on.
type Backend interface {
	// Scheme is the path scheme this backend answers for ("gs", "as").
	Scheme() string

	// HeadObject returns attributes for an exact key, or an error with
	// ErrorCode(err) == gcerr.NotFound if absent.
	HeadObject(ctx context.Context, key string) (*Attributes, error)

	// ListPage performs one page of a delimited listing.
	ListPage(ctx context.Context, opts ListOptions) (*ListPage, error)

	// DeleteObject removes an exact key. A missing key is reported with
	// ErrorCode(err) == gcerr.NotFound.
	DeleteObject(ctx context.Context, key string) error

	// PutEmptyObject creates a zero-byte object at key (used for directory
	// markers by MakeDirs).
	PutEmptyObject(ctx context.Context, key string) error

	// OpenRange opens a ranged GET starting at offset, running to the end
	// of the object. A 416 response is reported as (nil, gcerr.Error{Code:
	// gcerr.FailedPrecondition}) so C6 can translate it to clean EOF.
	OpenRange(ctx context.Context, key string, offset int64) (Reader, error)

	// NewWriter begins a new upload session/blob at key and returns the
	// per-cloud chunk driver plus the chunk size it requires.
	NewWriter(ctx context.Context, key string) (ChunkWriter, int, error)

	// SameCloudDestination identifies the bucket/account+container this
	// backend instance talks to, in the same string form CopySameCloud's
	// dst parameter expects. The copy coordinator (C8) calls this on the
	// destination backend to learn what to pass as dst; a backend for
	// which no native same-cloud copy exists (e.g. local) returns "".
	SameCloudDestination() string

	// CopySameCloud performs a server-side copy within this backend's
	// cloud (GCS rewrite loop / Azure StartCopy+poll) into dst, the
	// destination's SameCloudDestination() identity -- which may name a
	// different bucket (GCS) or a different container within the same
	// account (Azure). wantMD5 requests that the MD5 of the result be
	// returned. A destination this backend's credentials cannot reach
	// natively (e.g. a different Azure storage account, whose SharedKey is
	// scoped to the account that signs it) is reported as an error with
	// ErrorCode(err) == gcerr.Unimplemented, letting the caller fall back
	// to a streamed copy.
	CopySameCloud(ctx context.Context, dst, dstKey, srcKey string, wantMD5 bool) (*CopyResult, error)

	// GetOrComputeMD5 returns the object's MD5 if the backend already has
	// it (e.g. in metadata), reporting ok=false when it must be computed by
	// the caller (who should then call StoreMD5 best-effort).
	GetOrComputeMD5(ctx context.Context, key string) (sum []byte, ok bool, err error)

	// StoreMD5 best-effort persists a computed digest back to the object's
	// metadata, conditioned on version (ETag/generation) still matching. A
	// conflict is swallowed, not returned.
	StoreMD5(ctx context.Context, key, version string, sum []byte) error

	// SignURL produces a pre-signed URL for method against key, valid for
	// expiry.
	SignURL(ctx context.Context, key, method string, expiry time.Duration) (string, error)

	// ErrorCode classifies an error returned by any of the above.
	ErrorCode(err error) gcerr.Code
}

// PrefixPruner is implemented by backends whose "directories" are real
// filesystem entries rather than an artifact of a flat key namespace.
// RmTree calls PrunePrefix once every object it found under a prefix is
// deleted, so emptied real directories don't linger after the objects
// inside them are gone; an error from PrunePrefix is returned by RmTree.
type PrefixPruner interface {
	PrunePrefix(ctx context.Context, prefix string) error
}

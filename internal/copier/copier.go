// Package copier implements the copy coordinator (component C8): a
// same-cloud copy delegates to the backend's native server-side copy
// (GCS rewrite loop / Azure StartCopy+poll); a cross-cloud or local/remote
// copy streams through a Reader/Writer pair instead, matching ops.py's
// copy() dispatch.
package copier

import (
	"context"
	"fmt"
	"io"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/streamio"
)

// Target names one (backend, key) endpoint of a copy.
type Target struct {
	Backend driver.Backend
	Key     string
}

// Copy copies src to dst. If src and dst answer to the same scheme ("gs",
// "as"), the source backend's native server-side copy is attempted against
// dst's SameCloudDestination() identity -- which may name a different
// bucket (GCS) or a different container/account (Azure) than src's own.
// If the source backend reports gcerr.Unimplemented (the destination is
// outside what its credentials can reach natively, e.g. a different Azure
// storage account), Copy falls back to streaming bytes through this
// process instead of failing. overwrite=false fails fast if dst already
// exists.
func Copy(ctx context.Context, src, dst Target, overwrite bool, wantMD5 bool) (md5 []byte, err error) {
	if !overwrite {
		if _, err := dst.Backend.HeadObject(ctx, dst.Key); err == nil {
			return nil, fmt.Errorf("copier: destination %q already exists", dst.Key)
		} else if dst.Backend.ErrorCode(err) != gcerr.NotFound {
			return nil, err
		}
	}

	if src.Backend.Scheme() == dst.Backend.Scheme() {
		result, err := src.Backend.CopySameCloud(ctx, dst.Backend.SameCloudDestination(), dst.Key, src.Key, wantMD5)
		if err == nil {
			return result.MD5, nil
		}
		if src.Backend.ErrorCode(err) != gcerr.Unimplemented {
			return nil, err
		}
		// Fall through to streamCopy: this destination isn't reachable
		// through src's native copy path (e.g. a different Azure storage
		// account), but is still the same cloud.
	}
	return streamCopy(ctx, src, dst)
}

// streamCopy performs a generic read-then-write copy through this process,
// used for local<->remote and cross-cloud copies, and for same-cloud copies
// whose native path reports Unimplemented, mirroring ops.py's
// BlobFile-based fallback loop.
func streamCopy(ctx context.Context, src, dst Target) ([]byte, error) {
	reader := streamio.NewReader(ctx, src.Backend, src.Key)
	defer reader.Close()

	writer, err := streamio.NewWriter(ctx, dst.Backend, dst.Key)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(writer, reader); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return nil, nil
}

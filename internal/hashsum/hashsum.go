// Package hashsum implements component C10: read an object's MD5 from
// backend metadata when the cloud already computed and stored one, else
// stream the object and compute it, best-effort writing the result back so
// a future call is metadata-only. Matches ops.py's md5().
package hashsum

import (
	"context"
	"crypto/md5"
	"io"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/streamio"
)

// MD5 returns the hex-ready MD5 digest of the object at key, reading it
// from backend metadata if present, else computing it by streaming the
// object and best-effort storing the result back.
func MD5(ctx context.Context, backend driver.Backend, key string) ([]byte, error) {
	if sum, ok, err := backend.GetOrComputeMD5(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return sum, nil
	}

	attrs, err := backend.HeadObject(ctx, key)
	if err != nil {
		return nil, err
	}

	reader := streamio.NewReader(ctx, backend, key)
	defer reader.Close()
	h := md5.New()
	if _, err := io.Copy(h, reader); err != nil {
		return nil, err
	}
	sum := h.Sum(nil)

	// Best-effort: a conflicting concurrent write means another writer's
	// content landed first, so the store is simply dropped rather than
	// surfaced as an error.
	_ = backend.StoreMD5(ctx, key, attrs.Version, sum)
	return sum, nil
}

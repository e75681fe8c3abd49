// Package gcsbackend implements driver.Backend against the GCS JSON and
// XML APIs via raw REST calls through the shared retry executor, rather
// than the Cloud Storage client library -- this keeps request signing,
// retries, and resumable-upload chunking under this module's direct
// control.
package gcsbackend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/gcssign"
	"github.com/8enmann/blobfile/internal/retry"
	"github.com/8enmann/blobfile/internal/token"
)

const (
	storageAPIRoot  = "https://storage.googleapis.com/storage/v1"
	uploadAPIRoot   = "https://storage.googleapis.com/upload/storage/v1"
	resumableChunk  = 8 * 1024 * 1024
)

// Backend implements driver.Backend for a single GCS bucket.
type Backend struct {
	bucket    string
	exec      *retry.Executor
	tokens    *token.Manager // Value is a string access token
	chunkSize int            // 0 means use resumableChunk

	// storageRoot/uploadRoot override the GCS API endpoints; left empty in
	// production, pointed at an httptest.Server in tests.
	storageRoot string
	uploadRoot  string
}

// New returns a Backend for bucket, authenticating with tokens.
func New(bucket string, exec *retry.Executor, tokens *token.Manager) *Backend {
	return &Backend{bucket: bucket, exec: exec, tokens: tokens}
}

// NewWithChunkSize is New with an explicit resumable-upload chunk size
// override.
func NewWithChunkSize(bucket string, exec *retry.Executor, tokens *token.Manager, chunkSize int64) *Backend {
	return &Backend{bucket: bucket, exec: exec, tokens: tokens, chunkSize: int(chunkSize)}
}

func (b *Backend) effectiveChunkSize() int {
	if b.chunkSize > 0 {
		return b.chunkSize
	}
	return resumableChunk
}

func (b *Backend) apiRoot() string {
	if b.storageRoot != "" {
		return b.storageRoot
	}
	return storageAPIRoot
}

func (b *Backend) apiUploadRoot() string {
	if b.uploadRoot != "" {
		return b.uploadRoot
	}
	return uploadAPIRoot
}

func (b *Backend) Scheme() string { return "gs" }

func (b *Backend) authHeader(ctx context.Context) (string, error) {
	tok, err := b.tokens.Get(ctx, b.bucket)
	if err != nil {
		return "", err
	}
	return gcssign.BearerHeader(tok.(string)), nil
}

type objectMetadata struct {
	Name        string            `json:"name"`
	Size        string            `json:"size"`
	Updated     time.Time         `json:"updated"`
	MD5Hash     string            `json:"md5Hash"`
	Generation  string            `json:"generation"`
	Metadata    map[string]string `json:"metadata"`
}

func (b *Backend) HeadObject(ctx context.Context, key string) (*driver.Attributes, error) {
	u := fmt.Sprintf("%s/b/%s/o/%s", b.apiRoot(), b.bucket, url.PathEscape(key))
	resp, err := b.doJSON(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, gcerr.New(gcerr.NotFound, fmt.Errorf("gcsbackend: object %q not found", key), "HeadObject")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "HeadObject")
	}
	var m objectMetadata
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, err
	}
	return attributesFromMetadata(m), nil
}

func attributesFromMetadata(m objectMetadata) *driver.Attributes {
	size, _ := strconv.ParseInt(m.Size, 10, 64)
	var md5 []byte
	if m.MD5Hash != "" {
		md5, _ = base64Decode(m.MD5Hash)
	}
	return &driver.Attributes{
		Size:    size,
		ModTime: m.Updated,
		MD5:     md5,
		Version: m.Generation,
	}
}

func (b *Backend) ListPage(ctx context.Context, opts driver.ListOptions) (*driver.ListPage, error) {
	u := fmt.Sprintf("%s/b/%s/o", b.apiRoot(), b.bucket)
	params := url.Values{}
	if opts.Prefix != "" {
		params.Set("prefix", opts.Prefix)
	}
	if opts.Delimiter != "" {
		params.Set("delimiter", opts.Delimiter)
	}
	if opts.PageToken != "" {
		params.Set("pageToken", opts.PageToken)
	}
	if opts.PageSize > 0 {
		params.Set("maxResults", strconv.Itoa(opts.PageSize))
	}
	resp, err := b.doJSONQuery(ctx, http.MethodGet, u, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "ListPage")
	}
	var result struct {
		Items         []objectMetadata `json:"items"`
		Prefixes      []string         `json:"prefixes"`
		NextPageToken string           `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	page := &driver.ListPage{NextPageToken: result.NextPageToken}
	for _, p := range result.Prefixes {
		page.Objects = append(page.Objects, &driver.ListObject{Key: p, IsDir: true})
	}
	for _, it := range result.Items {
		attrs := attributesFromMetadata(it)
		page.Objects = append(page.Objects, &driver.ListObject{
			Key: it.Name, Size: attrs.Size, ModTime: attrs.ModTime, MD5: attrs.MD5,
		})
	}
	return page, nil
}

func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	u := fmt.Sprintf("%s/b/%s/o/%s", b.apiRoot(), b.bucket, url.PathEscape(key))
	resp, err := b.doJSON(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return gcerr.New(gcerr.NotFound, fmt.Errorf("gcsbackend: object %q not found", key), "DeleteObject")
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp, "DeleteObject")
	}
	return nil
}

func (b *Backend) PutEmptyObject(ctx context.Context, key string) error {
	u := fmt.Sprintf("%s/b/%s/o", b.apiUploadRoot(), b.bucket)
	auth, err := b.authHeader(ctx)
	if err != nil {
		return err
	}
	resp, err := b.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", auth)
		h.Set("Content-Type", "application/octet-stream")
		return &retry.Request{
			Method: http.MethodPost,
			URL:    u,
			Params: url.Values{"uploadType": {"media"}, "name": {key}},
			Header: h,
			Body:   []byte{},
		}, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "PutEmptyObject")
	}
	return nil
}

// rangeReader reads a single ranged GET response body and knows the full
// object size from the Content-Range header.
type rangeReader struct {
	io.ReadCloser
	size int64
}

func (r *rangeReader) Size() int64 { return r.size }

func (b *Backend) OpenRange(ctx context.Context, key string, offset int64) (driver.Reader, error) {
	u := fmt.Sprintf("%s/b/%s/o/%s", b.apiRoot(), b.bucket, url.PathEscape(key))
	auth, err := b.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := b.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", auth)
		if offset > 0 {
			h.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		return &retry.Request{
			Method: http.MethodGet,
			URL:    u,
			Params: url.Values{"alt": {"media"}},
			Header: h,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		return nil, gcerr.New(gcerr.FailedPrecondition, fmt.Errorf("gcsbackend: range not satisfiable"), "OpenRange")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		return nil, statusError(resp, "OpenRange")
	}
	size := parseSizeFromContentRange(resp.Header.Get("Content-Range"), resp.ContentLength, offset)
	return &rangeReader{ReadCloser: resp.Body, size: size}, nil
}

func parseSizeFromContentRange(cr string, contentLength, offset int64) int64 {
	if cr != "" {
		if idx := lastIndexByte(cr, '/'); idx >= 0 && idx+1 < len(cr) {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	return offset + contentLength
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// chunkWriter drives a GCS resumable upload session: each Upload call sends
// one Content-Range-delimited chunk, with a 308 response meaning "continue"
// and 200/201 meaning "done".
type chunkWriter struct {
	b         *Backend
	sessionURL string
	sent      int64
}

func (b *Backend) NewWriter(ctx context.Context, key string) (driver.ChunkWriter, int, error) {
	u := fmt.Sprintf("%s/b/%s/o", b.apiUploadRoot(), b.bucket)
	auth, err := b.authHeader(ctx)
	if err != nil {
		return nil, 0, err
	}
	resp, err := b.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", auth)
		h.Set("Content-Type", "application/json; charset=UTF-8")
		body, _ := json.Marshal(map[string]string{"name": key})
		return &retry.Request{
			Method: http.MethodPost,
			URL:    u,
			Params: url.Values{"uploadType": {"resumable"}},
			Header: h,
			Body:   body,
		}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, statusError(resp, "NewWriter")
	}
	sessionURL := resp.Header.Get("Location")
	if sessionURL == "" {
		return nil, 0, errors.Errorf("gcsbackend: resumable session missing Location header")
	}
	return &chunkWriter{b: b, sessionURL: sessionURL}, b.effectiveChunkSize(), nil
}

func (w *chunkWriter) Upload(ctx context.Context, chunk []byte, finalize bool) error {
	start := w.sent
	end := start + int64(len(chunk)) - 1
	total := "*"
	if finalize {
		total = strconv.FormatInt(start+int64(len(chunk)), 10)
	}
	var contentRange string
	if len(chunk) == 0 {
		if !finalize {
			return nil
		}
		contentRange = fmt.Sprintf("bytes */%d", start)
	} else {
		contentRange = fmt.Sprintf("bytes %d-%d/%s", start, end, total)
	}
	resp, err := w.b.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Content-Range", contentRange)
		return &retry.Request{Method: http.MethodPut, URL: w.sessionURL, Header: h, Body: chunk}, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	w.sent += int64(len(chunk))
	if resp.StatusCode == 308 {
		return nil
	}
	if finalize && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated) {
		return nil
	}
	return statusError(resp, "Upload")
}

// SameCloudDestination returns the bucket this Backend talks to, the
// identity CopySameCloud's dst parameter expects.
func (b *Backend) SameCloudDestination() string { return b.bucket }

// CopySameCloud drives the rewrite loop from srcKey in this Backend's
// bucket to dstKey in dst, which may name a different bucket than this
// Backend's own -- GCS OAuth access tokens aren't bucket-scoped, so one
// backend's cached token signs a rewrite into any destination bucket the
// caller is authorized for. An empty dst defaults to this Backend's own
// bucket.
func (b *Backend) CopySameCloud(ctx context.Context, dst, dstKey, srcKey string, wantMD5 bool) (*driver.CopyResult, error) {
	dstBucket := dst
	if dstBucket == "" {
		dstBucket = b.bucket
	}
	rewriteToken := ""
	for {
		u := fmt.Sprintf("%s/b/%s/o/%s/rewriteTo/b/%s/o/%s",
			b.apiRoot(), b.bucket, url.PathEscape(srcKey), dstBucket, url.PathEscape(dstKey))
		params := url.Values{}
		if rewriteToken != "" {
			params.Set("rewriteToken", rewriteToken)
		}
		resp, err := b.doJSONQueryMethod(ctx, http.MethodPost, u, params)
		if err != nil {
			return nil, err
		}
		var result struct {
			Done           bool           `json:"done"`
			RewriteToken   string         `json:"rewriteToken"`
			Resource       objectMetadata `json:"resource"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		statusCode := resp.StatusCode
		resp.Body.Close()
		if statusCode != http.StatusOK {
			return nil, errors.Errorf("gcsbackend: rewrite failed with status %d", statusCode)
		}
		if decodeErr != nil {
			return nil, errors.Wrap(decodeErr, "gcsbackend: decoding rewrite response")
		}
		if result.Done {
			var md5 []byte
			if wantMD5 {
				md5 = attributesFromMetadata(result.Resource).MD5
			}
			return &driver.CopyResult{MD5: md5}, nil
		}
		rewriteToken = result.RewriteToken
	}
}

func (b *Backend) GetOrComputeMD5(ctx context.Context, key string) ([]byte, bool, error) {
	attrs, err := b.HeadObject(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if len(attrs.MD5) > 0 {
		return attrs.MD5, true, nil
	}
	return nil, false, nil
}

// StoreMD5 is a no-op for GCS: md5Hash is server-computed and immutable,
// there is nothing to best-effort write back.
func (b *Backend) StoreMD5(ctx context.Context, key, version string, sum []byte) error {
	return nil
}

func (b *Backend) SignURL(ctx context.Context, key, method string, expiry time.Duration) (string, error) {
	tok, err := b.tokens.Get(ctx, b.bucket)
	_ = tok
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("gcsbackend: SignURL requires a service-account key, not an OAuth token")
}

func (b *Backend) ErrorCode(err error) gcerr.Code {
	var ge *gcerr.Error
	if asGCErr(err, &ge) {
		return ge.Code
	}
	return gcerr.Unknown
}

func asGCErr(err error, target **gcerr.Error) bool {
	for err != nil {
		if ge, ok := err.(*gcerr.Error); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (b *Backend) doJSON(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	return b.doJSONQuery(ctx, method, u, nil)
}

func (b *Backend) doJSONQuery(ctx context.Context, method, u string, params url.Values) (*http.Response, error) {
	return b.doJSONQueryMethod(ctx, method, u, params)
}

func (b *Backend) doJSONQueryMethod(ctx context.Context, method, u string, params url.Values) (*http.Response, error) {
	auth, err := b.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	return b.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", auth)
		return &retry.Request{Method: method, URL: u, Params: params, Header: h}, nil
	})
}

func statusError(resp *http.Response, op string) error {
	return errors.Errorf("gcsbackend: %s failed with status %d", op, resp.StatusCode)
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

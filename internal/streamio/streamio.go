// Package streamio implements the streaming reader and writer skeletons
// (components C6 and C7): a seekable reader that transparently reopens its
// underlying ranged GET on a retryable failure, and a chunked writer that
// buffers up to one backend-sized chunk before flushing, parameterized by
// a driver.ChunkWriter so GCS's resumable-session chunking and Azure's
// append-block chunking share one code path. Modeled on ops.py's
// _StreamingReadFile/_StreamingWriteFile base classes.
package streamio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
)

// ReadStats counts bytes read, ranged requests opened, and transient read
// failures, matching ops.py's ReadStats NamedTuple.
type ReadStats struct {
	BytesRead int
	Requests  int
	Failures  int
}

// LogFunc receives a diagnostic message once a transient read failure has
// recurred past reportAfterAttempt, mirroring retry.Executor's LogFunc.
type LogFunc func(msg string)

const (
	readInitialBackoff     = 100 * time.Millisecond
	readMaxBackoff         = 60 * time.Second
	readBackoffFactor      = 2.0
	readMaxAttempts        = 10
	readReportAfterAttempt = 3
)

// Reader is a seekable stream over one backend object. Re-opening happens
// transparently inside Read when the underlying body errs, and a Seek
// always invalidates any open body so the next Read reopens at the new
// offset.
type Reader struct {
	ctx     context.Context
	backend driver.Backend
	key     string

	offset int64
	size   int64
	sized  bool

	body driver.Reader
	Stats ReadStats

	logFunc LogFunc
}

// SetLogFunc installs a callback invoked when a transient read failure
// persists past the report threshold.
func (r *Reader) SetLogFunc(f LogFunc) { r.logFunc = f }

func (r *Reader) log(msg string) {
	if r.logFunc != nil {
		r.logFunc(msg)
	}
}

// NewReader returns a Reader over key, starting at offset 0.
func NewReader(ctx context.Context, backend driver.Backend, key string) *Reader {
	return &Reader{ctx: ctx, backend: backend, key: key}
}

func (r *Reader) ensureOpen() error {
	if r.body != nil {
		return nil
	}
	body, err := r.backend.OpenRange(r.ctx, r.key, r.offset)
	if err != nil {
		if r.backend.ErrorCode(err) == gcerr.FailedPrecondition {
			// A 416 past end-of-file is a clean EOF, not an error.
			r.body = eofReader{}
			if !r.sized {
				r.size = r.offset
				r.sized = true
			}
			return nil
		}
		return err
	}
	r.Stats.Requests++
	if !r.sized {
		r.size = body.Size()
		r.sized = true
	}
	r.body = body
	return nil
}

// Read implements io.Reader, reopening the underlying range on a
// mid-stream failure and resuming from the last confirmed offset. Retries
// follow the same backoff ladder as the HTTP executor (C1): 100ms initial,
// doubling, capped at 60s, giving up after readMaxAttempts and logging once
// the failure has recurred past readReportAfterAttempt.
func (r *Reader) Read(p []byte) (int, error) {
	backoff := readInitialBackoff
	for attempt := 0; ; attempt++ {
		if err := r.ensureOpen(); err != nil {
			return 0, err
		}
		n, err := r.body.Read(p)
		r.offset += int64(n)
		r.Stats.BytesRead += n
		if err == nil || err == io.EOF {
			return n, err
		}
		// Transient body failure: drop it and retry, reopening at the
		// now-advanced offset.
		r.body.Close()
		r.body = nil
		r.Stats.Failures++
		if n > 0 {
			return n, nil
		}
		if attempt+1 >= readMaxAttempts {
			return 0, err
		}
		if attempt >= readReportAfterAttempt {
			r.log("error " + err.Error() + " reading, sleeping " + backoff.String())
		}
		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * readBackoffFactor)
		if backoff > readMaxBackoff {
			backoff = readMaxBackoff
		}
	}
}

// Seek implements io.Seeker. Any open body is closed; the next Read
// reopens a ranged GET at the new offset.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		if !r.sized {
			if err := r.ensureOpen(); err != nil {
				return 0, err
			}
		}
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("streamio: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("streamio: negative seek position")
	}
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.offset = abs
	return abs, nil
}

// Close releases the underlying body, if any.
func (r *Reader) Close() error {
	if r.body != nil {
		err := r.body.Close()
		r.body = nil
		return err
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
func (eofReader) Close() error              { return nil }
func (eofReader) Size() int64               { return 0 }

// Writer buffers writes up to one chunk (sized by the backend's
// driver.ChunkWriter) and flushes whole chunks as they fill, finalizing the
// last, possibly short or empty, chunk on Close.
type Writer struct {
	ctx       context.Context
	chunk     driver.ChunkWriter
	chunkSize int
	buf       []byte
	closed    bool
}

// NewWriter begins a new object at key and returns a Writer sized to the
// backend's chunk requirement.
func NewWriter(ctx context.Context, backend driver.Backend, key string) (*Writer, error) {
	cw, chunkSize, err := backend.NewWriter(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Writer{ctx: ctx, chunk: cw, chunkSize: chunkSize, buf: make([]byte, 0, chunkSize)}, nil
}

// Write implements io.Writer, flushing full chunks to the backend as the
// buffer fills.
func (w *Writer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := w.chunkSize - len(w.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		if len(w.buf) == w.chunkSize {
			if err := w.chunk.Upload(w.ctx, w.buf, false); err != nil {
				return total - len(p), err
			}
			w.buf = w.buf[:0]
		}
	}
	return total, nil
}

// Close flushes the final, possibly short or empty, chunk and finalizes
// the upload.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.chunk.Upload(w.ctx, w.buf, true)
}

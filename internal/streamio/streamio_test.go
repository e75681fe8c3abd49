package streamio

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
)

// flakyReader fails the first failCount reads with a transient error before
// serving the rest of data cleanly.
type flakyReader struct {
	data      []byte
	pos       int
	failCount int
	closed    bool
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.failCount > 0 {
		r.failCount--
		return 0, errors.New("transient read error")
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *flakyReader) Close() error { r.closed = true; return nil }
func (r *flakyReader) Size() int64  { return int64(len(r.data)) }

// fakeBackend opens a fresh flakyReader per OpenRange call, remembering how
// many transient failures to serve before the data becomes readable, and how
// many times OpenRange itself was called.
type fakeBackend struct {
	driver.Backend
	data       []byte
	failsEach  int
	opens      int
	alwaysFail bool
}

func (b *fakeBackend) OpenRange(ctx context.Context, key string, offset int64) (driver.Reader, error) {
	b.opens++
	if b.alwaysFail {
		return &flakyReader{data: b.data[offset:], failCount: 1 << 30}, nil
	}
	// The Reader discards a body after its first failed Read, so each opened
	// body serves at most one of the remaining failures.
	fail := 0
	if b.failsEach > 0 {
		b.failsEach--
		fail = 1
	}
	return &flakyReader{data: b.data[offset:], failCount: fail}, nil
}

func (b *fakeBackend) ErrorCode(err error) gcerr.Code {
	if ge, ok := err.(*gcerr.Error); ok {
		return ge.Code
	}
	return gcerr.Unknown
}

func TestReader_RecoversFromTransientFailureAndTracksFailures(t *testing.T) {
	b := &fakeBackend{data: []byte("hello world"), failsEach: 2}
	r := NewReader(context.Background(), b, "key.txt")

	buf := make([]byte, 32)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Fatalf("got %q, want %q", buf[:n], "hello world")
	}
	if r.Stats.Failures != 2 {
		t.Fatalf("Stats.Failures = %d, want 2", r.Stats.Failures)
	}
	if b.opens != 3 {
		t.Fatalf("OpenRange called %d times, want 3 (1 initial + 2 reopens)", b.opens)
	}
}

// TestReader_GivesUpWhenContextIsCancelledDuringBackoff drives the backoff
// loop against an always-failing body with a context that expires before the
// first wait elapses, exercising the give-up path without the test itself
// sleeping through the full ten-attempt ladder.
func TestReader_GivesUpWhenContextIsCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	b := &fakeBackend{data: []byte("hello world"), alwaysFail: true}
	r := NewReader(ctx, b, "key.txt")

	_, err := r.Read(make([]byte, 32))
	if err == nil {
		t.Fatal("expected an error once the context expired mid-backoff")
	}
	if r.Stats.Failures < 1 {
		t.Fatalf("Stats.Failures = %d, want at least 1", r.Stats.Failures)
	}
}

func TestReader_416TranslatesToCleanEOF(t *testing.T) {
	b := &eofBackend{}
	r := NewReader(context.Background(), b, "key.txt")
	n, err := r.Read(make([]byte, 8))
	if n != 0 || err != io.EOF {
		t.Fatalf("Read() = (%d, %v), want (0, io.EOF)", n, err)
	}
}

type eofBackend struct {
	driver.Backend
}

func (b *eofBackend) OpenRange(ctx context.Context, key string, offset int64) (driver.Reader, error) {
	return nil, gcerr.New(gcerr.FailedPrecondition, errors.New("range not satisfiable"), "OpenRange")
}

func (b *eofBackend) ErrorCode(err error) gcerr.Code {
	if ge, ok := err.(*gcerr.Error); ok {
		return ge.Code
	}
	return gcerr.Unknown
}

func TestReader_SeekReopensAtNewOffset(t *testing.T) {
	b := &fakeBackend{data: []byte("0123456789")}
	r := NewReader(context.Background(), b, "key.txt")

	if _, err := r.Read(make([]byte, 4)); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if _, err := r.Seek(8, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(buf[:n]) != "89" {
		t.Fatalf("got %q, want %q", buf[:n], "89")
	}
}

// fakeChunkWriter records every chunk it was handed, and whether the final
// call carried finalize=true.
type fakeChunkWriter struct {
	chunks   [][]byte
	finalize bool
}

func (w *fakeChunkWriter) Upload(ctx context.Context, chunk []byte, finalize bool) error {
	cp := append([]byte(nil), chunk...)
	w.chunks = append(w.chunks, cp)
	w.finalize = finalize
	return nil
}

type writerBackend struct {
	driver.Backend
	cw        *fakeChunkWriter
	chunkSize int
}

func (b *writerBackend) NewWriter(ctx context.Context, key string) (driver.ChunkWriter, int, error) {
	return b.cw, b.chunkSize, nil
}

func TestWriter_FlushesFullChunksAndFinalizesShortTail(t *testing.T) {
	cw := &fakeChunkWriter{}
	b := &writerBackend{cw: cw, chunkSize: 4}
	w, err := NewWriter(context.Background(), b, "key.txt")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.Write([]byte("abcdefg")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if len(cw.chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (one full, one short tail)", len(cw.chunks))
	}
	if string(cw.chunks[0]) != "abcd" {
		t.Fatalf("first chunk = %q, want %q", cw.chunks[0], "abcd")
	}
	if string(cw.chunks[1]) != "efg" {
		t.Fatalf("second chunk = %q, want %q", cw.chunks[1], "efg")
	}
	if !cw.finalize {
		t.Fatal("expected the last Upload call to finalize")
	}
}

func TestWriter_CloseOnEmptyWriteFinalizesEmptyChunk(t *testing.T) {
	cw := &fakeChunkWriter{}
	b := &writerBackend{cw: cw, chunkSize: 4}
	w, err := NewWriter(context.Background(), b, "key.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if len(cw.chunks) != 1 || len(cw.chunks[0]) != 0 || !cw.finalize {
		t.Fatalf("expected a single empty finalize chunk, got %v finalize=%v", cw.chunks, cw.finalize)
	}
}

func TestWriter_CloseIsIdempotent(t *testing.T) {
	cw := &fakeChunkWriter{}
	b := &writerBackend{cw: cw, chunkSize: 4}
	w, err := NewWriter(context.Background(), b, "key.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if len(cw.chunks) != 1 {
		t.Fatalf("expected Close to finalize only once, got %d chunks", len(cw.chunks))
	}
}

package azurebackend

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/8enmann/blobfile/internal/azureauth"
	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/retry"
	"github.com/8enmann/blobfile/internal/token"
)

func fakeAzureTokens() *token.Manager {
	return token.New(func(ctx context.Context, key string) (token.Record, error) {
		return token.Record{
			Value:      &azureauth.Credential{Kind: azureauth.SharedKey, Bytes: []byte("0123456789abcdef")},
			Expiration: time.Now().Add(time.Hour),
		}, nil
	})
}

// TestNewWriter_RetriesOnceAfter409Conflict exercises the create-append-blob
// retry path: a 409 from a stale blob occupying the key triggers a delete
// and exactly one retried create.
func TestNewWriter_RetriesOnceAfter409Conflict(t *testing.T) {
	var mu sync.Mutex
	var puts, deletes int
	mux := http.NewServeMux()
	mux.HandleFunc("/testcontainer/key.txt", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			puts++
			if puts == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			deletes++
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := New("testaccount", "testcontainer", retry.New(), fakeAzureTokens(), nil)
	b.host = srv.URL

	cw, _, err := b.NewWriter(context.Background(), "key.txt")
	if err != nil {
		t.Fatal(err)
	}
	if cw == nil {
		t.Fatal("expected a non-nil chunk writer")
	}
	if puts != 2 {
		t.Fatalf("puts = %d, want 2 (initial 409 + retry)", puts)
	}
	if deletes != 1 {
		t.Fatalf("deletes = %d, want 1", deletes)
	}
}

// TestChunkWriter_Upload_WritesBackRunningMD5 verifies that every successful
// append writes the MD5 of all bytes committed so far, not just the bytes
// at finalize.
func TestChunkWriter_Upload_WritesBackRunningMD5(t *testing.T) {
	var mu sync.Mutex
	var body []byte
	var lastContentMD5 string
	var propertyPuts int
	mux := http.NewServeMux()
	mux.HandleFunc("/testcontainer/key.txt", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "appendblock":
			chunk, _ := io.ReadAll(r.Body)
			body = append(body, chunk...)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "properties":
			propertyPuts++
			lastContentMD5 = r.Header.Get("x-ms-blob-content-md5")
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.String())
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := New("testaccount", "testcontainer", retry.New(), fakeAzureTokens(), nil)
	b.host = srv.URL
	w := &chunkWriter{b: b, key: "key.txt", md5: md5.New()}

	if err := w.Upload(context.Background(), []byte("abc"), false); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if err := w.Upload(context.Background(), []byte("def"), true); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if string(body) != "abcdef" {
		t.Fatalf("server received %q, want %q", body, "abcdef")
	}
	if propertyPuts != 2 {
		t.Fatalf("propertyPuts = %d, want 2", propertyPuts)
	}
	want := md5.Sum([]byte("abcdef"))
	wantB64 := base64.StdEncoding.EncodeToString(want[:])
	if lastContentMD5 != wantB64 {
		t.Fatalf("final Content-MD5 = %q, want %q (md5 of all bytes committed)", lastContentMD5, wantB64)
	}
}

// TestCopySameCloud_CrossAccountFallsBackToUnimplemented confirms a
// destination naming a different account than this Backend's credentials
// are scoped to is reported as gcerr.Unimplemented, not attempted.
func TestCopySameCloud_CrossAccountFallsBackToUnimplemented(t *testing.T) {
	b := New("srcaccount", "srccontainer", retry.New(), fakeAzureTokens(), nil)
	_, err := b.CopySameCloud(context.Background(), "otheraccount/othercontainer", "dst.txt", "src.txt", false)
	if err == nil {
		t.Fatal("expected an error for a cross-account destination")
	}
	if b.ErrorCode(err) != gcerr.Unimplemented {
		t.Fatalf("ErrorCode = %v, want Unimplemented", b.ErrorCode(err))
	}
}

// TestCopySameCloud_SameAccountSucceeds drives a same-account StartCopy
// against a sibling container through to a synchronous "success" status.
func TestCopySameCloud_SameAccountSucceeds(t *testing.T) {
	var copyStarted bool
	mux := http.NewServeMux()
	mux.HandleFunc("/othercontainer/dst.txt", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			if src := r.Header.Get("x-ms-copy-source"); !strings.Contains(src, "src.txt") {
				t.Fatalf("x-ms-copy-source = %q, missing source key", src)
			}
			copyStarted = true
			w.Header().Set("x-ms-copy-id", "copy-1")
			w.Header().Set("x-ms-copy-status", "success")
			w.WriteHeader(http.StatusAccepted)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := New("testaccount", "testcontainer", retry.New(), fakeAzureTokens(), nil)
	b.host = srv.URL

	result, err := b.CopySameCloud(context.Background(), "testaccount/othercontainer", "dst.txt", "src.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if !copyStarted {
		t.Fatal("expected the copy-start PUT to have been issued")
	}
	if result == nil {
		t.Fatal("expected a non-nil CopyResult")
	}
}

func TestAttributesFromHeader_ParsesSizeModTimeAndMD5(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "42")
	h.Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
	h.Set("Content-MD5", "MDEyMzQ1Njc4OWFiY2RlZg==") // base64("0123456789abcdef")
	h.Set("ETag", `"etag-value"`)

	attrs := attributesFromHeader(h)
	if attrs.Size != 42 {
		t.Errorf("Size = %d, want 42", attrs.Size)
	}
	if attrs.ModTime.IsZero() {
		t.Error("expected a parsed ModTime")
	}
	if string(attrs.MD5) != "0123456789abcdef" {
		t.Errorf("MD5 = %q, want %q", attrs.MD5, "0123456789abcdef")
	}
	if attrs.Version != `"etag-value"` {
		t.Errorf("Version = %q", attrs.Version)
	}
}

func TestConcurrentWriteErr_IsFailedPrecondition(t *testing.T) {
	b := &Backend{}
	err := concurrentWriteErr("some/key")
	if b.ErrorCode(err) != gcerr.FailedPrecondition {
		t.Fatalf("ErrorCode = %v, want FailedPrecondition", b.ErrorCode(err))
	}
}

func TestErrorCode_UnwrapsWrappedGCErr(t *testing.T) {
	b := &Backend{}
	wrapped := fmtWrap(gcerr.New(gcerr.NotFound, errBoom, "HeadObject"))
	if b.ErrorCode(wrapped) != gcerr.NotFound {
		t.Fatalf("ErrorCode = %v, want NotFound", b.ErrorCode(wrapped))
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }

type wrapErr struct{ err error }

func (w *wrapErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }

func fmtWrap(err error) error { return &wrapErr{err: err} }

package gcsbackend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/retry"
	"github.com/8enmann/blobfile/internal/token"
)

func fakeTokens() *token.Manager {
	return token.New(func(ctx context.Context, key string) (token.Record, error) {
		return token.Record{Value: "faketoken", Expiration: time.Now().Add(time.Hour)}, nil
	})
}

// TestNewWriter_ResumableUploadChunkingWith308Continue drives a full
// resumable-upload session against a fake GCS server: the session PUT
// loop's 308 ("keep sending") and terminal 200 ("done") responses.
func TestNewWriter_ResumableUploadChunkingWith308Continue(t *testing.T) {
	var sessionBody []byte
	var putCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/b/testbucket/o", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("uploadType"); got != "resumable" {
			t.Fatalf("uploadType = %q, want resumable", got)
		}
		w.Header().Set("Location", "http://"+r.Host+"/session/abc")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/abc", func(w http.ResponseWriter, r *http.Request) {
		putCount++
		body, _ := io.ReadAll(r.Body)
		sessionBody = append(sessionBody, body...)
		if putCount == 1 {
			w.WriteHeader(308)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := NewWithChunkSize("testbucket", retry.New(), fakeTokens(), 4)
	b.uploadRoot = srv.URL + "/upload"

	cw, chunkSize, err := b.NewWriter(context.Background(), "key.txt")
	if err != nil {
		t.Fatal(err)
	}
	if chunkSize != 4 {
		t.Fatalf("chunkSize = %d, want 4", chunkSize)
	}
	if err := cw.Upload(context.Background(), []byte("abcd"), false); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if err := cw.Upload(context.Background(), []byte("ef"), true); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if string(sessionBody) != "abcdef" {
		t.Fatalf("server received %q, want %q", sessionBody, "abcdef")
	}
	if putCount != 2 {
		t.Fatalf("putCount = %d, want 2", putCount)
	}
}

// TestOpenRange_Translates416ToFailedPrecondition exercises the ranged-GET
// EOF path: a 416 from the fake server must surface as
// gcerr.FailedPrecondition, the code streamio's Reader treats as clean EOF.
func TestOpenRange_Translates416ToFailedPrecondition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/storage/b/testbucket/o/key.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := New("testbucket", retry.New(), fakeTokens())
	b.storageRoot = srv.URL + "/storage"

	_, err := b.OpenRange(context.Background(), "key.txt", 100)
	if err == nil {
		t.Fatal("expected an error for a 416 response")
	}
	if code := b.ErrorCode(err); code != gcerr.FailedPrecondition {
		t.Fatalf("ErrorCode = %v, want FailedPrecondition", code)
	}
}

func TestAttributesFromMetadata_DecodesSizeAndMD5(t *testing.T) {
	m := objectMetadata{
		Name:       "dir/file.txt",
		Size:       "1024",
		MD5Hash:    "MDEyMzQ1Njc4OWFiY2RlZg==", // base64("0123456789abcdef")
		Generation: "7",
	}
	attrs := attributesFromMetadata(m)
	if attrs.Size != 1024 {
		t.Errorf("Size = %d, want 1024", attrs.Size)
	}
	if string(attrs.MD5) != "0123456789abcdef" {
		t.Errorf("MD5 = %q", attrs.MD5)
	}
	if attrs.Version != "7" {
		t.Errorf("Version = %q, want %q", attrs.Version, "7")
	}
}

func TestAttributesFromMetadata_EmptyHashLeavesMD5Nil(t *testing.T) {
	attrs := attributesFromMetadata(objectMetadata{Size: "0"})
	if attrs.MD5 != nil {
		t.Errorf("expected nil MD5 for an object with no md5Hash, got %x", attrs.MD5)
	}
}

func TestParseSizeFromContentRange_PrefersRangeTotalOverContentLength(t *testing.T) {
	got := parseSizeFromContentRange("bytes 10-19/100", 10, 10)
	if got != 100 {
		t.Errorf("got %d, want 100", got)
	}
}

func TestParseSizeFromContentRange_FallsBackToOffsetPlusContentLength(t *testing.T) {
	got := parseSizeFromContentRange("", 10, 5)
	if got != 15 {
		t.Errorf("got %d, want 15", got)
	}
}

func TestBase64Decode_RoundTrips(t *testing.T) {
	got, err := base64Decode("MDEyMzQ1Njc4OWFiY2RlZg==")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0123456789abcdef" {
		t.Errorf("got %q", got)
	}
}

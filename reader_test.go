package blobfile

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestClient_CreateThenOpenRoundtrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	c := NewClient()
	ctx := context.Background()

	w, err := c.Create(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := c.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("read back %q, want %q", got, "hello world")
	}
}

func TestClient_OpenSeeksWithinFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewClient()
	ctx := context.Background()

	f, err := c.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Seek(5, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	n, err := io.ReadFull(f, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "56789" {
		t.Fatalf("Seek(5)+Read = %q, want %q", buf[:n], "56789")
	}
}

func TestClient_OpenMissingFileIsNotFound(t *testing.T) {
	dir := t.TempDir()
	c := NewClient()
	ctx := context.Background()

	_, err := c.Open(ctx, filepath.Join(dir, "missing.txt"))
	var notFound *FileNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Open(missing) err = %v, want *FileNotFoundError", err)
	}
}

func TestClient_CreateTextAndOpenText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	c := NewClient()
	ctx := context.Background()

	w, closer, err := c.CreateText(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteString("line one\nline two\n"); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	r, closer2, err := c.OpenText(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer closer2.Close()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "line one\n" {
		t.Fatalf("ReadString = %q", line)
	}
}

package blobfile

import (
	"bufio"
	"context"
	"io"

	"github.com/8enmann/blobfile/internal/streamio"
)

// File is a readable or writable stream over a local file, GCS object, or
// Azure blob, supporting Seek when open for reading.
type File struct {
	reader *streamio.Reader
	writer *streamio.Writer
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) { return f.reader.Read(p) }

// Seek implements io.Seeker. Only valid on a File opened with Open.
func (f *File) Seek(offset int64, whence int) (int64, error) { return f.reader.Seek(offset, whence) }

// Write implements io.Writer. Only valid on a File opened with Create.
func (f *File) Write(p []byte) (int, error) { return f.writer.Write(p) }

// Close releases the underlying stream.
func (f *File) Close() error {
	if f.reader != nil {
		return f.reader.Close()
	}
	return f.writer.Close()
}

// ReadStats reports bytes actually read over the wire and how many ranged
// requests were issued, for a File opened with Open.
func (f *File) ReadStats() streamio.ReadStats {
	if f.reader == nil {
		return streamio.ReadStats{}
	}
	return f.reader.Stats
}

// Open returns a seekable read stream over path.
func (c *Client) Open(ctx context.Context, path string) (*File, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return nil, err
	}
	if _, err := backend.HeadObject(ctx, key); err != nil {
		return nil, &FileNotFoundError{Path: path}
	}
	r := streamio.NewReader(ctx, backend, key)
	if c.logFunc != nil {
		r.SetLogFunc(streamio.LogFunc(c.logFunc))
	}
	return &File{reader: r}, nil
}

// Create returns a write stream over path; the object is finalized when
// Close is called.
func (c *Client) Create(ctx context.Context, path string) (*File, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return nil, err
	}
	w, err := streamio.NewWriter(ctx, backend, key)
	if err != nil {
		return nil, err
	}
	return &File{writer: w}, nil
}

// OpenText returns a buffered, UTF-8 text-mode reader over path, mirroring
// ops.py's BlobFile(mode="r").
func (c *Client) OpenText(ctx context.Context, path string) (*bufio.Reader, io.Closer, error) {
	f, err := c.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return bufio.NewReader(f), f, nil
}

// CreateText returns a buffered text-mode writer over path; the caller
// must Flush before closing the returned io.Closer.
func (c *Client) CreateText(ctx context.Context, path string) (*bufio.Writer, io.Closer, error) {
	f, err := c.Create(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return bufio.NewWriter(f), f, nil
}

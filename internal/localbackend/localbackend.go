// Package localbackend implements driver.Backend over the local
// filesystem, giving the directory-emulation, streaming, and copy layers a
// single dispatch target regardless of scheme even though local paths are
// otherwise handled natively by the OS.
package localbackend

import (
	"context"
	"crypto/md5"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
)

// Backend implements driver.Backend by delegating to os/io calls rooted at
// "/" -- keys are absolute local paths.
type Backend struct{}

// New returns a local Backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Scheme() string { return "local" }

func (b *Backend) HeadObject(ctx context.Context, key string) (*driver.Attributes, error) {
	fi, err := os.Stat(key)
	if os.IsNotExist(err) {
		return nil, gcerr.New(gcerr.NotFound, err, "HeadObject")
	}
	if err != nil {
		return nil, err
	}
	return &driver.Attributes{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// ListPage lists under opts.Prefix, a directory path. With Delimiter == "/"
// it lists one level, same as os.ReadDir, reporting subdirectories as
// pseudo-directory entries. With no delimiter -- the mode RmTree, Glob, and
// the sharded lister all use -- it walks the whole subtree and reports every
// regular file it finds, flattened, matching how GCS/Azure report a
// delimiter-less listing over their flat key space.
func (b *Backend) ListPage(ctx context.Context, opts driver.ListOptions) (*driver.ListPage, error) {
	if opts.Delimiter == "" {
		return b.listRecursive(opts.Prefix)
	}
	return b.listOneLevel(opts.Prefix)
}

func (b *Backend) listOneLevel(dir string) (*driver.ListPage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// A missing path and a path that exists but isn't a directory both
		// mean "no children" here: IsDir/Exists dispatch on whether this
		// listing comes back empty, not on a distinct error.
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return &driver.ListPage{}, nil
		}
		return nil, err
	}
	page := &driver.ListPage{}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			page.Objects = append(page.Objects, &driver.ListObject{Key: full + "/", IsDir: true})
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		page.Objects = append(page.Objects, &driver.ListObject{Key: full, Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return page, nil
}

func (b *Backend) listRecursive(dir string) (*driver.ListPage, error) {
	root := strings.TrimSuffix(dir, "/")
	rootInfo, statErr := os.Stat(root)
	if statErr != nil || !rootInfo.IsDir() {
		// A missing root, or one that exists but is a plain file rather
		// than a directory, both mean "no children": prefix is not a
		// directory in either case.
		return &driver.ListPage{}, nil
	}
	page := &driver.ListPage{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		page.Objects = append(page.Objects, &driver.ListObject{Key: path, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return &driver.ListPage{}, nil
		}
		return nil, err
	}
	if len(page.Objects) == 0 {
		// An existing-but-empty directory (MakeDirs on a local path has
		// nothing else to mark its presence with) still needs one entry
		// keyed at the prefix itself, so IsDir/RmDir see it the same way
		// they'd see a cloud backend's empty-object directory marker.
		page.Objects = append(page.Objects, &driver.ListObject{Key: root + "/", ModTime: rootInfo.ModTime()})
	}
	return page, nil
}

// PrunePrefix removes prefix's real directory tree once RmTree has already
// deleted every file under it, so emptied directories don't linger the way
// they would if this were treated as a flat key namespace.
func (b *Backend) PrunePrefix(ctx context.Context, prefix string) error {
	root := strings.TrimSuffix(prefix, "/")
	err := os.RemoveAll(root)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	err := os.Remove(key)
	if os.IsNotExist(err) {
		return gcerr.New(gcerr.NotFound, err, "DeleteObject")
	}
	return err
}

// PutEmptyObject creates a zero-byte file at key, or, when key is
// directory-shaped (trailing "/"), the real directory MakeDirs asked for --
// a marker object would collide with the directory a local mkdir already
// creates.
func (b *Backend) PutEmptyObject(ctx context.Context, key string) error {
	if strings.HasSuffix(key, "/") {
		return os.MkdirAll(key, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
		return err
	}
	f, err := os.Create(key)
	if err != nil {
		return err
	}
	return f.Close()
}

type fileReader struct {
	*os.File
	size int64
}

func (r *fileReader) Size() int64 { return r.size }

func (b *Backend) OpenRange(ctx context.Context, key string, offset int64) (driver.Reader, error) {
	f, err := os.Open(key)
	if os.IsNotExist(err) {
		return nil, gcerr.New(gcerr.NotFound, err, "OpenRange")
	}
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &fileReader{File: f, size: fi.Size()}, nil
}

// localChunkWriter buffers nothing: every chunk is written directly, since
// local files support arbitrary sequential appends.
type localChunkWriter struct {
	f *os.File
}

func (b *Backend) NewWriter(ctx context.Context, key string) (driver.ChunkWriter, int, error) {
	if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
		return nil, 0, err
	}
	f, err := os.Create(key)
	if err != nil {
		return nil, 0, err
	}
	return &localChunkWriter{f: f}, 8 * 1024 * 1024, nil
}

func (w *localChunkWriter) Upload(ctx context.Context, chunk []byte, finalize bool) error {
	if len(chunk) > 0 {
		if _, err := w.f.Write(chunk); err != nil {
			return err
		}
	}
	if finalize {
		return w.f.Close()
	}
	return nil
}

// SameCloudDestination is unused: CopySameCloud below ignores dst and
// always operates on dstKey as a local path, so the local backend reports
// no identity of its own.
func (b *Backend) SameCloudDestination() string { return "" }

func (b *Backend) CopySameCloud(ctx context.Context, dst, dstKey, srcKey string, wantMD5 bool) (*driver.CopyResult, error) {
	src, err := os.Open(srcKey)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dstKey), 0o755); err != nil {
		return nil, err
	}
	out, err := os.Create(dstKey)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	var w io.Writer = out
	h := md5.New()
	if wantMD5 {
		w = io.MultiWriter(out, h)
	}
	if _, err := io.Copy(w, src); err != nil {
		return nil, err
	}
	result := &driver.CopyResult{}
	if wantMD5 {
		result.MD5 = h.Sum(nil)
	}
	return result, nil
}

func (b *Backend) GetOrComputeMD5(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (b *Backend) StoreMD5(ctx context.Context, key, version string, sum []byte) error {
	return nil
}

func (b *Backend) SignURL(ctx context.Context, key, method string, expiry time.Duration) (string, error) {
	return (&url.URL{Scheme: "file", Path: key}).String(), nil
}

func (b *Backend) ErrorCode(err error) gcerr.Code {
	var ge *gcerr.Error
	if asGCErr(err, &ge) {
		return ge.Code
	}
	if os.IsNotExist(err) {
		return gcerr.NotFound
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

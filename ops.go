package blobfile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/8enmann/blobfile/internal/copier"
	"github.com/8enmann/blobfile/internal/dirtree"
	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/hashsum"
	"github.com/8enmann/blobfile/internal/shardlist"
)

// shardAlphabet is the default set of leading-byte values ListPrefixSharded
// fans a listing out across.
var shardAlphabet = []byte("0123456789abcdefghijklmnopqrstuvwxyz")

// Exists reports whether path refers to an existing file or directory.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	p, err := ParsePath(path)
	if err != nil {
		return false, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return false, err
	}
	return dirtree.New(backend).Exists(ctx, key)
}

// IsDir reports whether path denotes a directory.
func (c *Client) IsDir(ctx context.Context, path string) (bool, error) {
	p, err := ParsePath(path)
	if err != nil {
		return false, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return false, err
	}
	return dirtree.New(backend).IsDir(ctx, key)
}

// IsFile reports whether path denotes an existing file (non-directory
// object).
func (c *Client) IsFile(ctx context.Context, path string) (bool, error) {
	p, err := ParsePath(path)
	if err != nil {
		return false, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return false, err
	}
	return dirtree.New(backend).IsFile(ctx, key)
}

// Stat returns metadata for an existing file at path.
func (c *Client) Stat(ctx context.Context, path string) (*Stat, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return nil, err
	}
	attrs, err := backend.HeadObject(ctx, key)
	if err != nil {
		if backend.ErrorCode(err) == gcerr.NotFound {
			return nil, &FileNotFoundError{Path: path}
		}
		return nil, err
	}
	s := &Stat{Size: uint64(attrs.Size), ModTime: attrs.ModTime, Version: attrs.Version}
	if len(attrs.MD5) > 0 {
		s.MD5 = fmt.Sprintf("%x", attrs.MD5)
	}
	return s, nil
}

// ListDir lists the direct children of path (one flat level).
func (c *Client) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return nil, err
	}
	entries, err := dirtree.New(backend).ListDir(ctx, key)
	if err != nil {
		return nil, err
	}
	return toDirEntries(entries), nil
}

// ListPrefixSharded recursively lists the objects whose key starts with
// path's prefix, fanning the listing out across shardlist.DefaultConcurrency
// concurrent workers keyed by leading byte. Only keys whose first byte after
// the prefix is in shardAlphabet (0-9, a-z) are returned; keys continuing
// with any other byte are not listed. Unlike ListDir it does not stop
// at the first "/" and reports no pseudo-directories; use it to enumerate a
// prefix too large for a single sequential listing to be practical, e.g.
// before a bulk Copy or MD5 pass.
func (c *Client) ListPrefixSharded(ctx context.Context, path string) ([]DirEntry, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return nil, err
	}
	objs, err := shardlist.List(ctx, backend, key, shardAlphabet, shardlist.DefaultShardKeyLength, shardlist.DefaultConcurrency)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(objs))
	for _, o := range objs {
		de := DirEntry{Name: basenameOfKey(o.Key), Path: o.Key, IsDir: o.IsDir, IsFile: !o.IsDir}
		if !o.IsDir {
			s := &Stat{Size: uint64(o.Size), ModTime: o.ModTime}
			if len(o.MD5) > 0 {
				s.MD5 = fmt.Sprintf("%x", o.MD5)
			}
			de.Stat = s
		}
		out = append(out, de)
	}
	return out, nil
}

func toDirEntries(entries []dirtree.Entry) []DirEntry {
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		de := DirEntry{Name: strings.TrimSuffix(basenameOfKey(e.Key), "/"), Path: e.Key, IsDir: e.IsDir, IsFile: !e.IsDir}
		if e.Attrs != nil {
			s := &Stat{Size: uint64(e.Attrs.Size), ModTime: e.Attrs.ModTime}
			if len(e.Attrs.MD5) > 0 {
				s.MD5 = fmt.Sprintf("%x", e.Attrs.MD5)
			}
			de.Stat = s
		}
		out = append(out, de)
	}
	return out
}

func basenameOfKey(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// WalkFunc is called once per directory visited by Walk, in the style of
// ops.py's walk() generator.
type WalkFunc func(dir string, dirs, files []string) error

// Walk performs a top-down, breadth-first traversal from root, calling fn
// once per directory.
func (c *Client) Walk(ctx context.Context, root string, fn WalkFunc) error {
	p, err := ParsePath(root)
	if err != nil {
		return err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return err
	}
	entries, err := dirtree.New(backend).Walk(ctx, key)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.Dir, e.Dirs, e.Files); err != nil {
			return err
		}
	}
	return nil
}

// MakeDirs ensures path exists as a directory.
func (c *Client) MakeDirs(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return err
	}
	return dirtree.New(backend).MakeDirs(ctx, key)
}

// RmDir removes an empty directory at path.
func (c *Client) RmDir(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return err
	}
	if err := dirtree.New(backend).RmDir(ctx, key); err != nil {
		if errors.Is(err, dirtree.ErrNotEmpty) {
			return &DirectoryNotEmptyError{Path: path}
		}
		return err
	}
	return nil
}

// RmTree removes path and everything beneath it.
func (c *Client) RmTree(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return err
	}
	return dirtree.New(backend).RmTree(ctx, key)
}

// Remove deletes the file at path. Removing a directory-shaped path
// returns IsADirectoryError; use RmDir or RmTree instead.
func (c *Client) Remove(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if p.IsDirIntent() {
		return &IsADirectoryError{Path: path}
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return err
	}
	if err := backend.DeleteObject(ctx, key); err != nil {
		if backend.ErrorCode(err) == gcerr.NotFound {
			return &FileNotFoundError{Path: path}
		}
		return err
	}
	return nil
}

// Glob returns every path under the literal directory prefix of pattern
// matching its glob suffix ('*' and '**' only).
func (c *Client) Glob(ctx context.Context, pattern string) ([]string, error) {
	p, err := ParsePath(pattern)
	if err != nil {
		return nil, err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return nil, err
	}
	literalPrefix, globPart := splitGlobPrefix(key)
	keys, err := dirtree.New(backend).Glob(ctx, literalPrefix, globPart)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		rebuilt := p
		if p.Scheme == SchemeLocal {
			rebuilt.Local = k
		} else {
			rebuilt.Key = k
		}
		out = append(out, rebuilt.String())
	}
	return out, nil
}

// splitGlobPrefix splits key at the first '*', returning everything before
// it (the literal directory to list) and the remainder (the pattern).
func splitGlobPrefix(key string) (prefix, pattern string) {
	idx := strings.IndexByte(key, '*')
	if idx < 0 {
		return key, ""
	}
	slash := strings.LastIndexByte(key[:idx], '/')
	if slash < 0 {
		return "", key
	}
	return key[:slash+1], key[slash+1:]
}

// Copy copies src to dst, using the backend's native server-side copy when
// both paths resolve to the same cloud account, or a streamed copy
// otherwise. overwrite=false fails if dst already exists.
func (c *Client) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	srcPath, err := ParsePath(src)
	if err != nil {
		return err
	}
	dstPath, err := ParsePath(dst)
	if err != nil {
		return err
	}
	srcBackend, srcKey, err := c.backendFor(srcPath)
	if err != nil {
		return err
	}
	dstBackend, dstKey, err := c.backendFor(dstPath)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := dstBackend.HeadObject(ctx, dstKey); err == nil {
			return &FileExistsError{Path: dst}
		} else if dstBackend.ErrorCode(err) != gcerr.NotFound {
			return err
		}
	}
	_, err = copier.Copy(ctx,
		copier.Target{Backend: srcBackend, Key: srcKey},
		copier.Target{Backend: dstBackend, Key: dstKey},
		overwrite, false)
	return err
}

// MD5 returns the hex-encoded MD5 digest of the file at path.
func (c *Client) MD5(ctx context.Context, path string) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return "", err
	}
	sum, err := hashsum.MD5(ctx, backend, key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sum), nil
}

// GetURL returns a pre-signed URL for path, valid for expiry, usable with
// method (typically GET or PUT).
func (c *Client) GetURL(ctx context.Context, path, method string, expiry time.Duration) (string, error) {
	p, err := ParsePath(path)
	if err != nil {
		return "", err
	}
	backend, key, err := c.backendFor(p)
	if err != nil {
		return "", err
	}
	return backend.SignURL(ctx, key, method, expiry)
}

// Package dirtree implements the directory-emulation layer (component C5):
// exists/isdir/listdir/walk/mkdirs/rmdir/rmtree/glob built generically over
// a driver.Backend's flat, delimited key space, matching ops.py's isdir,
// listdir, walk, makedirs, rmdir, rmtree, and glob.
package dirtree

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/pageiter"
)

// eachPage drives a pageiter.Iterator over backend.ListPage for opts,
// invoking visit with every page until the backend reports no further
// continuation token.
func (t *Tree) eachPage(ctx context.Context, opts driver.ListOptions, visit func(*driver.ListPage) error) error {
	it := pageiter.New(ctx, func(ctx context.Context, pageToken string) (interface{}, string, error) {
		o := opts
		o.PageToken = pageToken
		page, err := t.backend.ListPage(ctx, o)
		if err != nil {
			return nil, "", err
		}
		return page, page.NextPageToken, nil
	})
	for {
		page, err := it.Next()
		if err != nil {
			if errors.Is(err, pageiter.Done) {
				return nil
			}
			return err
		}
		if err := visit(page.(*driver.ListPage)); err != nil {
			return err
		}
	}
}

// ErrNotEmpty is returned by RmDir when the directory has children.
var ErrNotEmpty = errors.New("dirtree: directory is not empty")

// ErrRefusedRoot is returned by RmDir for the bucket/container root.
var ErrRefusedRoot = errors.New("dirtree: refusing to remove the bucket/container root")

// Entry describes one object or pseudo-directory under a prefix.
type Entry struct {
	Key   string
	IsDir bool
	Attrs *driver.Attributes
}

// Tree drives directory-emulation operations against backend for a single
// bucket/container, whose root is the empty key.
type Tree struct {
	backend driver.Backend
}

// New returns a Tree over backend.
func New(backend driver.Backend) *Tree {
	return &Tree{backend: backend}
}

// Exists reports whether key (file or directory-shaped, i.e. ending in
// "/") exists.
func (t *Tree) Exists(ctx context.Context, key string) (bool, error) {
	if strings.HasSuffix(key, "/") || key == "" {
		return t.IsDir(ctx, key)
	}
	_, err := t.backend.HeadObject(ctx, key)
	if err == nil {
		return true, nil
	}
	if t.backend.ErrorCode(err) == gcerr.NotFound {
		return t.IsDir(ctx, key)
	}
	return false, err
}

// IsDir reports whether key denotes a directory: either the bucket root, or
// a prefix under which at least one object exists.
func (t *Tree) IsDir(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	prefix := key
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	page, err := t.backend.ListPage(ctx, driver.ListOptions{Prefix: prefix, PageSize: 1})
	if err != nil {
		return false, err
	}
	return len(page.Objects) > 0, nil
}

// IsFile reports whether key denotes an existing, non-directory-shaped
// object.
func (t *Tree) IsFile(ctx context.Context, key string) (bool, error) {
	if strings.HasSuffix(key, "/") {
		return false, nil
	}
	_, err := t.backend.HeadObject(ctx, key)
	if err == nil {
		return true, nil
	}
	if t.backend.ErrorCode(err) == gcerr.NotFound {
		return false, nil
	}
	return false, err
}

// ListDir lists the direct children of prefix (one flat level, via
// delimiter "/"), returning both objects and common ("directory") prefixes.
func (t *Tree) ListDir(ctx context.Context, prefix string) ([]Entry, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var entries []Entry
	err := t.eachPage(ctx, driver.ListOptions{Prefix: prefix, Delimiter: "/"}, func(page *driver.ListPage) error {
		for _, o := range page.Objects {
			if o.Key == prefix {
				continue
			}
			if o.IsDir {
				entries = append(entries, Entry{Key: o.Key, IsDir: true})
				continue
			}
			entries = append(entries, Entry{Key: o.Key, Attrs: &driver.Attributes{
				Size: o.Size, ModTime: o.ModTime, MD5: o.MD5,
			}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// WalkEntry is one (dirpath, dirs, files) tuple, mirroring os.Walk/ops.py's
// walk.
type WalkEntry struct {
	Dir   string
	Dirs  []string
	Files []string
}

// Walk performs a breadth-first traversal from root, always top-down for
// remote backends (ops.py only supports topdown=False for local paths).
func (t *Tree) Walk(ctx context.Context, root string) ([]WalkEntry, error) {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	var out []WalkEntry
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		entries, err := t.ListDir(ctx, dir)
		if err != nil {
			return nil, err
		}
		we := WalkEntry{Dir: dir}
		for _, e := range entries {
			if e.IsDir {
				name := strings.TrimSuffix(strings.TrimPrefix(e.Key, dir), "/")
				we.Dirs = append(we.Dirs, name)
				queue = append(queue, e.Key)
			} else {
				we.Files = append(we.Files, strings.TrimPrefix(e.Key, dir))
			}
		}
		out = append(out, we)
	}
	return out, nil
}

// MakeDirs ensures key (and logically, its ancestors) exist as a directory,
// by writing a zero-byte marker object -- remote backends have no real
// directories, so this simply guarantees a subsequent IsDir(key) is true.
func (t *Tree) MakeDirs(ctx context.Context, key string) error {
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	isDir, err := t.IsDir(ctx, key)
	if err != nil {
		return err
	}
	if isDir {
		return nil
	}
	return t.backend.PutEmptyObject(ctx, key)
}

// RmDir removes an empty directory. It is idempotent on an already-empty
// or non-existent directory, and refuses to remove the bucket root.
func (t *Tree) RmDir(ctx context.Context, key string) error {
	if key == "" || key == "/" {
		return ErrRefusedRoot
	}
	prefix := key
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	page, err := t.backend.ListPage(ctx, driver.ListOptions{Prefix: prefix, PageSize: 2})
	if err != nil {
		return err
	}
	nonMarkerCount := 0
	var markerKey string
	for _, o := range page.Objects {
		if o.Key == prefix {
			markerKey = o.Key
			continue
		}
		nonMarkerCount++
	}
	if nonMarkerCount > 0 {
		return fmt.Errorf("%w: %q", ErrNotEmpty, key)
	}
	if markerKey != "" {
		return t.backend.DeleteObject(ctx, markerKey)
	}
	return nil
}

// RmTree removes key and everything under it, tolerating objects that
// disappear mid-traversal (another deleter raced us).
func (t *Tree) RmTree(ctx context.Context, key string) error {
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	err := t.eachPage(ctx, driver.ListOptions{Prefix: key}, func(page *driver.ListPage) error {
		for _, o := range page.Objects {
			if o.IsDir {
				continue
			}
			if err := t.backend.DeleteObject(ctx, o.Key); err != nil && t.backend.ErrorCode(err) != gcerr.NotFound {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if pruner, ok := t.backend.(driver.PrefixPruner); ok {
		return pruner.PrunePrefix(ctx, key)
	}
	return nil
}

// CompileGlob translates a shell-style glob pattern ('*' as "[^/]*", '**'
// as ".*", '?' and bracket classes rejected) into a regular expression
// anchored to the full key. The compiled pattern tolerates one trailing
// "/" so it can be tested directly against a directory-shaped ancestor
// string as well as a file key, matching ops.py's glob.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	if strings.ContainsAny(pattern, "?[]") {
		return nil, fmt.Errorf("dirtree: glob metacharacters '?', '[', ']' are not supported")
	}
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		if pattern[i] == '*' {
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i += 2
				continue
			}
			b.WriteString("[^/]*")
			i++
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		i++
	}
	b.WriteString("/?$")
	return regexp.Compile(b.String())
}

// Glob returns every key under root matching pattern (already split from
// its literal prefix by the caller), expanding implicit ancestor
// directories and deduping results, matching ops.py's glob.
func (t *Tree) Glob(ctx context.Context, root, pattern string) ([]string, error) {
	re, err := CompileGlob(pattern)
	if err != nil {
		return nil, err
	}
	prefix := root
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := make(map[string]bool)
	var results []string
	err = t.eachPage(ctx, driver.ListOptions{Prefix: prefix}, func(page *driver.ListPage) error {
		for _, o := range page.Objects {
			if o.Key == prefix {
				// The root marker object itself is never a match.
				continue
			}
			rel := strings.TrimPrefix(o.Key, prefix)
			for _, cur := range ancestorsAndSelf(rel) {
				if !re.MatchString(cur) {
					continue
				}
				full := prefix + strings.TrimSuffix(cur, "/")
				if !seen[full] {
					seen[full] = true
					results = append(results, full)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ancestorPrefixes returns every "a/", "a/b/", ... prefix of rel.
func ancestorPrefixes(rel string) []string {
	var out []string
	idx := 0
	for {
		next := strings.IndexByte(rel[idx:], '/')
		if next < 0 {
			break
		}
		idx += next + 1
		out = append(out, rel[:idx])
	}
	return out
}

// ancestorsAndSelf returns rel's ancestor directory prefixes followed by
// rel itself, each tested independently against the glob pattern: a glob
// like "*/test.txt" should match the ancestor "sub/" only if "sub/" itself
// satisfies the pattern, not unconditionally for every match under it.
func ancestorsAndSelf(rel string) []string {
	return append(ancestorPrefixes(rel), rel)
}

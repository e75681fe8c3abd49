// Package shardlist implements the sharded lister (component C9): listdir
// over a very large directory is fanned out across a worker pool, one
// worker per byte-prefix shard, matching ops.py's multiprocessing-backed
// _sharded_listdir_worker but using goroutines and golang.org/x/sync's
// errgroup/semaphore instead of a process pool.
package shardlist

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcerr"
	"github.com/8enmann/blobfile/internal/pageiter"
)

// DefaultShardKeyLength is the length, in bytes, of each shard prefix,
// matching ops.py's default depth of 1.
const DefaultShardKeyLength = 1

// DefaultConcurrency bounds how many shard listings run at once.
const DefaultConcurrency = 8

// List lists the objects whose key starts with prefix by splitting the work
// across one listing per shardKeyLength-byte prefix over alphabet (plus an
// exact-key check for each shorter prefix), run with at most concurrency
// workers at once, in the spirit of ops.py's sharded listdir. Only keys
// whose bytes after prefix begin with alphabet bytes are returned.
func List(ctx context.Context, backend driver.Backend, prefix string, alphabet []byte, shardKeyLength, concurrency int) ([]*driver.ListObject, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if prefix != "" {
		prefix = sanitizePrefix(prefix) + "/"
	}
	tasks := buildShardTasks(alphabet, shardKeyLength)

	results := make([][]*driver.ListObject, len(tasks))
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			fullPrefix := prefix + task.prefix
			if task.exact {
				// A prefix shorter than the full shard depth may itself be a
				// complete key (an object whose name ends before the next
				// shard byte), so it gets a cheap existence check instead of
				// a listing -- matching ops.py's exact=(len<k) handling.
				attrs, err := backend.HeadObject(gctx, fullPrefix)
				if err != nil {
					if backend.ErrorCode(err) == gcerr.NotFound {
						return nil
					}
					return err
				}
				results[i] = []*driver.ListObject{{Key: fullPrefix, Size: attrs.Size, ModTime: attrs.ModTime, MD5: attrs.MD5}}
				return nil
			}

			var objs []*driver.ListObject
			it := pageiter.New(gctx, func(ctx context.Context, pageToken string) (interface{}, string, error) {
				page, err := backend.ListPage(ctx, driver.ListOptions{Prefix: fullPrefix, PageToken: pageToken})
				if err != nil {
					return nil, "", err
				}
				return page, page.NextPageToken, nil
			})
			for {
				page, err := it.Next()
				if err != nil {
					if err == pageiter.Done {
						break
					}
					return err
				}
				objs = append(objs, page.(*driver.ListPage).Objects...)
			}
			results[i] = objs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*driver.ListObject
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// buildShardPrefixes returns every combination of length n over alphabet,
// as strings.
func buildShardPrefixes(alphabet []byte, n int) []string {
	if n <= 0 {
		return []string{""}
	}
	prev := buildShardPrefixes(alphabet, n-1)
	out := make([]string, 0, len(prev)*len(alphabet))
	for _, p := range prev {
		for _, b := range alphabet {
			out = append(out, p+string(b))
		}
	}
	return out
}

// shardTask is one unit of sharded-listing work: a prefix to either list
// recursively (the full shard depth) or check for exact existence (any
// shallower depth, where a key may end before reaching shardKeyLength
// bytes).
type shardTask struct {
	prefix string
	exact  bool
}

// buildShardTasks returns one recursive-listing task per length-shardKeyLength
// prefix, plus one exact-existence task per shorter prefix length
// 1..shardKeyLength-1, matching ops.py's listdir/_sharded_listdir_worker:
// without the shorter lengths, any key ending before the next shard byte is
// silently skipped.
func buildShardTasks(alphabet []byte, shardKeyLength int) []shardTask {
	if shardKeyLength <= 0 {
		return []shardTask{{prefix: "", exact: false}}
	}
	var tasks []shardTask
	for n := 1; n <= shardKeyLength; n++ {
		exact := n != shardKeyLength
		for _, p := range buildShardPrefixes(alphabet, n) {
			tasks = append(tasks, shardTask{prefix: p, exact: exact})
		}
	}
	return tasks
}

// sanitizePrefix strips a trailing "/" so it can be concatenated with a
// shard byte directly, matching how ops.py builds per-shard prefixes.
func sanitizePrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/")
}

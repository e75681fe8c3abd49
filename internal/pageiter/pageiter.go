// Package pageiter implements component C4: a lazy, non-restartable
// page-by-page iterator over a paginated listing, modeled on the
// google.golang.org/api/iterator Done-sentinel pattern used throughout the
// example pack's GCS clients.
package pageiter

import (
	"context"
	"errors"
)

// Done is returned by Iterator.Next when there are no more pages.
var Done = errors.New("pageiter: no more pages")

// FetchFunc fetches one page given the previous page's continuation token
// (empty string for the first page).
type FetchFunc func(ctx context.Context, pageToken string) (page interface{}, nextPageToken string, err error)

// Iterator lazily pages through a listing, never re-fetching a page and
// never buffering more than one page at a time.
type Iterator struct {
	ctx     context.Context
	fetch   FetchFunc
	token   string
	started bool
	done    bool
}

// New returns an Iterator that begins at the first page on the first call
// to Next.
func New(ctx context.Context, fetch FetchFunc) *Iterator {
	return &Iterator{ctx: ctx, fetch: fetch}
}

// Next fetches and returns the next page, or Done once the backend reports
// no continuation token.
func (it *Iterator) Next() (interface{}, error) {
	if it.done {
		return nil, Done
	}
	page, next, err := it.fetch(it.ctx, it.token)
	if err != nil {
		return nil, err
	}
	it.started = true
	it.token = next
	if next == "" {
		it.done = true
	}
	return page, nil
}

// Package token implements the token manager (component C2): a per-key
// cache of credential-bearing values that refreshes ahead of expiration and
// serializes concurrent refreshes of the same key.
package token

import (
	"context"
	"sync"
	"time"
)

// EarlyMargin is the number of seconds before a token's recorded expiration
// that it is treated as stale and re-fetched (spec §3, invariant 3).
const EarlyMargin = 300 * time.Second

// Record is a cached token value together with its expiration.
type Record struct {
	Value      interface{}
	Expiration time.Time
}

// Loader fetches a fresh Record for key.
type Loader func(ctx context.Context, key string) (Record, error)

// Manager caches Records per key, refreshing under a mutex so that
// concurrent callers for the same (or different) keys don't stampede the
// loader. One Manager exists per credential domain (GCS access tokens,
// Azure access tokens, Azure user-delegation SAS keys are each their own
// Manager), mirroring ops.py's three module-level TokenManager instances.
type Manager struct {
	load Loader

	mu      sync.Mutex
	records map[string]Record

	// now is overridable for tests.
	now func() time.Time
}

// New returns a Manager backed by load.
func New(load Loader) *Manager {
	return &Manager{
		load:    load,
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Get returns a cached token for key if it is fresh (now + EarlyMargin <
// expiration); otherwise it clears the slot and calls the loader under the
// manager's lock.
func (m *Manager) Get(ctx context.Context, key string) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[key]; ok {
		if m.now().Add(EarlyMargin).Before(rec.Expiration) {
			return rec.Value, nil
		}
		delete(m.records, key)
	}

	rec, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	m.records[key] = rec
	return rec.Value, nil
}

// Invalidate drops any cached record for key, forcing the next Get to
// reload. Used when a caller observes an auth failure using a cached token.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

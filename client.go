package blobfile

import (
	"sync"

	"github.com/8enmann/blobfile/internal/azureauth"
	"github.com/8enmann/blobfile/internal/azurebackend"
	"github.com/8enmann/blobfile/internal/driver"
	"github.com/8enmann/blobfile/internal/gcloudauth"
	"github.com/8enmann/blobfile/internal/gcsbackend"
	"github.com/8enmann/blobfile/internal/localbackend"
	"github.com/8enmann/blobfile/internal/retry"
	"github.com/8enmann/blobfile/internal/token"
)

// Client is the entry point for every operation in this package: it owns
// the per-cloud HTTP executors and token managers, and lazily builds one
// driver.Backend per bucket (GCS) or account/container (Azure) it is asked
// to operate on.
type Client struct {
	gcsExec   *retry.Executor
	azureExec *retry.Executor

	gcsTokens      *token.Manager
	azureTokens    *token.Manager
	azureSASTokens *token.Manager

	mu            sync.Mutex
	gcsBackends   map[string]driver.Backend
	azureBackends map[string]driver.Backend
	local         driver.Backend

	// logFunc receives diagnostic messages forwarded from the retry
	// executors.
	logFunc func(string)

	// chunkSizes overrides each cloud's upload chunk size; zero fields
	// keep each backend's own default.
	chunkSizes ChunkSizes
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogFunc routes retry-ladder diagnostics (only emitted from the 4th
// attempt onward) to f instead of discarding them.
func WithLogFunc(f func(string)) Option {
	return func(c *Client) { c.logFunc = f }
}

// NewClient returns a ready-to-use Client. Credentials for each cloud are
// discovered lazily, on first use of a bucket/container on that cloud.
func NewClient(opts ...Option) *Client {
	c := &Client{
		gcsExec:       retry.New(),
		azureExec:     retry.New(),
		gcsBackends:   make(map[string]driver.Backend),
		azureBackends: make(map[string]driver.Backend),
		local:         localbackend.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logFunc != nil {
		c.gcsExec.LogFunc = retry.LogFunc(c.logFunc)
		c.azureExec.LogFunc = retry.LogFunc(c.logFunc)
	}

	c.gcsTokens = token.New(gcloudauth.NewLoader(c.gcsExec).Load)
	c.azureTokens = token.New(azureauth.NewLoader(c.azureExec).Load)
	c.azureSASTokens = token.New(azureauth.NewSASLoader(c.azureExec, c.azureTokens).Load)
	return c
}

// backendFor resolves p to a driver.Backend and the key to use against it.
func (c *Client) backendFor(p Path) (driver.Backend, string, error) {
	switch p.Scheme {
	case SchemeGCS:
		return c.gcsBackend(p.Bucket), p.Key, nil
	case SchemeAzure:
		return c.azureBackend(p.Account, p.Container), p.Key, nil
	default:
		return c.local, p.Local, nil
	}
}

func (c *Client) gcsBackend(bucket string) driver.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.gcsBackends[bucket]; ok {
		return b
	}
	b := driver.Backend(gcsbackend.NewWithChunkSize(bucket, c.gcsExec, c.gcsTokens, defaultedInt64(c.chunkSizes.GCS, 0)))
	c.gcsBackends[bucket] = b
	return b
}

func (c *Client) azureBackend(account, container string) driver.Backend {
	key := account + "-" + container
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.azureBackends[key]; ok {
		return b
	}
	b := driver.Backend(azurebackend.NewWithChunkSize(account, container, c.azureExec, c.azureTokens, c.azureSASTokens, defaultedInt64(c.chunkSizes.Azure, 0)))
	c.azureBackends[key] = b
	return b
}

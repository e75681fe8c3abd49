// Package retry implements the HTTP executor (component C1): it issues a
// single logical HTTP call, retrying on transient failure with exponential
// backoff, and owns the process-wide connection pool that every backend
// shares.
//
// The executor never signs or rebuilds request bodies itself -- it is
// handed a Factory that does that per attempt, because signatures and
// request bodies can be time-sensitive or single-use (see Executor.Do).
package retry

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Retryable HTTP statuses: transient server-side and throttling responses
// worth another attempt, mirroring azureblob.go's own retry predicate.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff      = 60 * time.Second
	backoffFactor   = 2.0

	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second

	// reportAfterAttempt is the 0-indexed attempt number (the 4th attempt)
	// from which transient failures are sent to the log sink.
	reportAfterAttempt = 3
)

// Request is the unit C1 consumes: an immutable description of one HTTP
// call. Request is rebuilt from scratch by a Factory on every attempt.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Header  http.Header
	Body    []byte // buffered so it can be resent on every attempt; C7 passes each upload chunk here whole
}

// Factory rebuilds a Request for a single attempt. Implementations that
// sign requests (C3) should re-derive the signature here, since a stale
// signature on a retried request is a common cause of spurious auth
// failures.
type Factory func(ctx context.Context) (*Request, error)

// LogFunc receives a diagnostic message for attempts >= reportAfterAttempt.
type LogFunc func(msg string)

// Executor drives the retry ladder over a process-wide *http.Client. One
// Executor should be shared by all operations against a given cloud within
// a process; constructing it is cheap, since the underlying transport is
// lazily built and rebuilt on fork.
type Executor struct {
	mu       sync.Mutex
	client   *http.Client
	pid      int
	LogFunc  LogFunc
}

// New returns an Executor with the default pool policy (10s connect / 30s
// read timeouts, CA verification required, SSLv2/SSLv3/compression
// disabled -- the Go stdlib transport never speaks SSLv2/SSLv3 and does not
// support opportunistic compression other than gzip, which is handled at
// the request layer, so the equivalent hardening here is TLS 1.2 minimum
// and certificate verification left enabled).
func New() *Executor {
	return &Executor{}
}

// pool returns the current *http.Client, constructing (or reconstructing,
// if the process has forked since the last call) it as needed. Mirrors
// ops.py's _get_http_pool: one pool per process identity, guarded by a
// mutex, with a TLS context requiring certificate verification.
func (e *Executor) pool() *http.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	pid := os.Getpid()
	if e.client == nil || e.pid != pid {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: false,
			},
			MaxIdleConnsPerHost: 16,
		}
		e.client = &http.Client{
			Transport: transport,
		}
		e.pid = pid
	}
	return e.client
}

// PoolIdentity returns the process ID the current connection pool was built
// for. Exposed so fork-safety can be asserted in tests (spec §8, property
// 9): after a fork, a child's first request observes a different identity
// than the parent's.
func (e *Executor) PoolIdentity() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

func (e *Executor) log(msg string) {
	if e.LogFunc != nil {
		e.LogFunc(msg)
	}
}

// Do executes one logical HTTP call, retrying transient failures with
// exponential backoff starting at 100ms, doubling, capped at 60s, on an
// unbounded schedule. A transient failure is either a connect/read/protocol
// error from the transport, or one of {429,500,502,503,504}. Non-retryable
// statuses are returned unread for the caller to interpret.
func (e *Executor) Do(ctx context.Context, build Factory) (*http.Response, error) {
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}

		httpReq, err := toHTTPRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		reqCtx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
		httpReq = httpReq.WithContext(reqCtx)

		resp, doErr := e.pool().Do(httpReq)
		cancel()

		var failureReason string
		if doErr != nil {
			failureReason = errors.Wrap(doErr, "transport error").Error()
		} else if retryableStatuses[resp.StatusCode] {
			failureReason = "request failed with status " + http.StatusText(resp.StatusCode)
			// drain and close so the connection can be reused.
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else {
			return resp, nil
		}

		if attempt >= reportAfterAttempt {
			e.log("error " + failureReason + " when executing http request, sleeping " + backoff.String())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func toHTTPRequest(ctx context.Context, r *Request) (*http.Request, error) {
	u := r.URL
	if len(r.Params) > 0 {
		u += "?" + r.Params.Encode()
	}
	var body io.Reader
	if r.Body != nil {
		body = &bytesReader{b: r.Body}
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		httpReq.Header = r.Header.Clone()
	}
	return httpReq, nil
}

// bytesReader is a minimal io.Reader over a byte slice, avoiding an import
// of bytes solely for NewReader in this file's small surface.
type bytesReader struct {
	b []byte
	i int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

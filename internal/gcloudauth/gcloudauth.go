// Package gcloudauth implements the GCS token loader half of component C2:
// application-default credentials first, then the GCE metadata service,
// matching ops.py's _google_get_access_token tiering.
package gcloudauth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/8enmann/blobfile/internal/retry"
	"github.com/8enmann/blobfile/internal/token"
)

// FullControlScope is the scope requested for GCS access tokens, matching
// ops.py's devstorage.full_control.
const FullControlScope = "https://www.googleapis.com/auth/devstorage.full_control"

const metadataTokenURL = "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token"

// Loader produces token.Record values for GCS access tokens.
type Loader struct {
	exec *retry.Executor

	// isGCEInstance is overridable for tests.
	isGCEInstance func() bool
	// findDefaultCredentials is overridable for tests.
	findDefaultCredentials func(ctx context.Context, scopes ...string) (*google.Credentials, error)
}

// NewLoader returns a Loader that issues metadata-service requests through
// exec (so they share the process HTTP pool and retry ladder).
func NewLoader(exec *retry.Executor) *Loader {
	return &Loader{
		exec:                    exec,
		isGCEInstance:           defaultIsGCEInstance,
		findDefaultCredentials:  google.FindDefaultCredentials,
	}
}

// Load implements token.Loader.
func (l *Loader) Load(ctx context.Context, key string) (token.Record, error) {
	if creds, err := l.findDefaultCredentials(ctx, FullControlScope); err == nil {
		tok, err := creds.TokenSource.Token()
		if err != nil {
			return token.Record{}, err
		}
		return token.Record{Value: tok.AccessToken, Expiration: tok.Expiry}, nil
	}

	if l.isGCEInstance() {
		return l.fetchMetadataToken(ctx)
	}

	return token.Record{}, errNoCredentials
}

func (l *Loader) fetchMetadataToken(ctx context.Context) (token.Record, error) {
	resp, err := l.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Metadata-Flavor", "Google")
		return &retry.Request{Method: http.MethodGet, URL: metadataTokenURL, Header: h}, nil
	})
	if err != nil {
		return token.Record{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return token.Record{}, errMetadataRequestFailed
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return token.Record{}, err
	}
	return token.Record{
		Value:      result.AccessToken,
		Expiration: time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

func defaultIsGCEInstance() bool {
	_, err := net.LookupHost("metadata.google.internal")
	return err == nil
}

package blobfile

import "github.com/google/wire"

// ClientOptions mirrors azureblob.go's ServiceURLOptions: settings resolved
// once, at injector-build time, so a Wire graph can depend on a value
// instead of each provider reaching into the environment itself. Per-
// bucket/account credentials are still resolved lazily inside backendFor,
// since (unlike a single Azure service URL) they vary per call rather than
// per process.
type ClientOptions struct {
	// LogFunc, if set, receives retry-ladder diagnostics from both clouds'
	// executors, wired the same way WithLogFunc does for a directly
	// constructed Client.
	LogFunc func(string)
}

// NewDefaultClientOptions is ClientOptions' zero-argument provider, the
// Wire-injectable analogue of NewDefaultServiceURLOptions.
func NewDefaultClientOptions() *ClientOptions {
	return &ClientOptions{}
}

// NewClientFromOptions turns resolved ClientOptions into a ready Client,
// the provider at the end of the chain Wire actually calls, mirroring
// NewDefaultServiceClient's role after ServiceURL.
func NewClientFromOptions(opts *ClientOptions) *Client {
	if opts == nil || opts.LogFunc == nil {
		return NewClient()
	}
	return NewClient(WithLogFunc(opts.LogFunc))
}

// Set is this package's wire provider set: the zero-value ClientOptions
// from NewDefaultClientOptions, then built into a Client, mirroring azureblob.go's
// ServiceURLOptions -> ServiceURL -> ServiceClient chain.
var Set = wire.NewSet(NewDefaultClientOptions, NewClientFromOptions)

package gcloudauth

import "errors"

var (
	errNoCredentials         = errors.New("gcloudauth: no credentials found")
	errMetadataRequestFailed = errors.New("gcloudauth: metadata service request failed")
)

// Package blobfile provides a single, uniform file-access abstraction over
// the local filesystem, Google Cloud Storage, and Azure Blob Storage:
// existence/stat/list/glob/walk/remove/mkdir/copy/rmtree/hash/sign-url, plus
// binary and text streams for objects whose size may exceed memory.
//
// See https://pkg.go.dev/github.com/8enmann/blobfile for an overview of the
// three path schemes a Client accepts: plain local paths, "gs://bucket/key"
// for Google Cloud Storage, and "as://account-container/key" (or the
// equivalent "https://<account>.blob.core.windows.net/<container>/<key>"
// form) for Azure Blob Storage.
package blobfile

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme identifies which backend a Path addresses.
type Scheme int

const (
	SchemeLocal Scheme = iota
	SchemeGCS
	SchemeAzure
)

func (s Scheme) String() string {
	switch s {
	case SchemeGCS:
		return "gs"
	case SchemeAzure:
		return "as"
	default:
		return "local"
	}
}

// Path is a parsed reference to either a local file, a GCS object,
// or an Azure blob.
type Path struct {
	Scheme Scheme

	// Local holds the original path string when Scheme == SchemeLocal.
	Local string

	// Bucket holds the bucket name when Scheme == SchemeGCS.
	Bucket string

	// Account and Container hold the storage account and container name
	// when Scheme == SchemeAzure.
	Account   string
	Container string

	// Key is the object key (everything after the bucket/container),
	// opaque bytes except for the invalid-character set enforced by
	// HasInvalidChars. Empty for a bare bucket/container reference.
	Key string
}

// String renders p back to its canonical string form.
func (p Path) String() string {
	switch p.Scheme {
	case SchemeGCS:
		return fmt.Sprintf("gs://%s/%s", p.Bucket, p.Key)
	case SchemeAzure:
		return fmt.Sprintf("as://%s-%s/%s", p.Account, p.Container, p.Key)
	default:
		return p.Local
	}
}

// IsDirIntent reports whether the input path ends in "/", denoting
// directory intent.
func (p Path) IsDirIntent() bool {
	switch p.Scheme {
	case SchemeGCS, SchemeAzure:
		return strings.HasSuffix(p.Key, "/")
	default:
		return strings.HasSuffix(p.Local, "/")
	}
}

// WithTrailingSlash returns a copy of p whose Key/Local ends in "/".
func (p Path) WithTrailingSlash() Path {
	if p.IsDirIntent() {
		return p
	}
	switch p.Scheme {
	case SchemeGCS, SchemeAzure:
		p.Key += "/"
	default:
		p.Local += "/"
	}
	return p
}

// isInvalidKeyByte reports whether b is in the set of code points that must
// never appear in generated prefixes: 0x00-0x08, 0x0B, 0x0C, 0x0E-0x1F.
func isInvalidKeyByte(b byte) bool {
	switch {
	case b <= 0x08:
		return true
	case b == 0x0B || b == 0x0C:
		return true
	case b >= 0x0E && b <= 0x1F:
		return true
	}
	return false
}

// HasInvalidChars reports whether s contains a byte from the invalid set.
func HasInvalidChars(s string) bool {
	for i := 0; i < len(s); i++ {
		if isInvalidKeyByte(s[i]) {
			return true
		}
	}
	return false
}

// ValidKeyAlphabet returns every byte value in [0x00,0xFF] that is neither
// in the invalid set nor '/'. ListPrefixSharded does not use it; it shards
// over its own shardAlphabet.
func ValidKeyAlphabet() []byte {
	out := make([]byte, 0, 256)
	for b := 0; b < 256; b++ {
		if isInvalidKeyByte(byte(b)) || byte(b) == '/' {
			continue
		}
		out = append(out, byte(b))
	}
	return out
}

// ParsePath classifies a path string into its scheme and components.
//
// Accepted forms: a plain local path; "gs://bucket/key"; "as://account-
// container/key"; or "https://<account>.blob.core.windows.net/<container>/
// <key>", which is canonicalized to the "as://" form.
func ParsePath(raw string) (Path, error) {
	switch {
	case strings.HasPrefix(raw, "gs://"):
		return parseGCSPath(raw)
	case strings.HasPrefix(raw, "as://"):
		return parseAzurePath(raw)
	case strings.HasPrefix(raw, "https://") && strings.Contains(raw, ".blob.core.windows.net/"):
		return parseAzureHTTPSPath(raw)
	default:
		return Path{Scheme: SchemeLocal, Local: raw}, nil
	}
}

func parseGCSPath(raw string) (Path, error) {
	rest := strings.TrimPrefix(raw, "gs://")
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Path{}, fmt.Errorf("blobfile: invalid gs:// path %q: missing bucket", raw)
	}
	return Path{Scheme: SchemeGCS, Bucket: bucket, Key: key}, nil
}

func parseAzurePath(raw string) (Path, error) {
	rest := strings.TrimPrefix(raw, "as://")
	hostPart, key, _ := strings.Cut(rest, "/")
	account, container, ok := strings.Cut(hostPart, "-")
	if !ok || account == "" || container == "" {
		return Path{}, fmt.Errorf("blobfile: invalid as:// path %q: expected account-container", raw)
	}
	return Path{Scheme: SchemeAzure, Account: account, Container: container, Key: key}, nil
}

func parseAzureHTTPSPath(raw string) (Path, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Path{}, fmt.Errorf("blobfile: invalid azure https path %q: %w", raw, err)
	}
	host := u.Hostname()
	account, _, ok := strings.Cut(host, ".blob.core.windows.net")
	if !ok || account == "" {
		return Path{}, fmt.Errorf("blobfile: invalid azure https path %q: bad host", raw)
	}
	trimmed := strings.TrimPrefix(u.Path, "/")
	container, key, _ := strings.Cut(trimmed, "/")
	if container == "" {
		return Path{}, fmt.Errorf("blobfile: invalid azure https path %q: missing container", raw)
	}
	return Path{Scheme: SchemeAzure, Account: account, Container: container, Key: key}, nil
}

// Join joins path components. For local paths it delegates to the host OS;
// for remote paths it resolves "b" against "a" the way a URL reference is
// resolved against a base, following ops.py's join/_join2.
func Join(a string, parts ...string) (string, error) {
	out := a
	for _, p := range parts {
		joined, err := join2(out, p)
		if err != nil {
			return "", err
		}
		out = joined
	}
	return out, nil
}

func join2(a, b string) (string, error) {
	if strings.Contains(b, "://") {
		return "", fmt.Errorf("blobfile: join component %q must not contain a scheme", b)
	}
	pa, err := ParsePath(a)
	if err != nil {
		return "", err
	}
	if pa.Scheme == SchemeLocal {
		return localJoin(a, b), nil
	}
	base := a
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(b)
	if err != nil {
		return "", err
	}
	resolved := u.ResolveReference(ref)
	return resolved.String(), nil
}

// Basename returns the final path component. For remote paths this is the
// part after the bucket/container.
func Basename(raw string) (string, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return "", err
	}
	if p.Scheme == SchemeLocal {
		return localBasename(p.Local), nil
	}
	key := strings.TrimSuffix(p.Key, "/")
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		return key[idx+1:], nil
	}
	return key, nil
}

// Dirname returns the parent of raw. For remote paths the root directory is
// "<scheme>://<bucket-or-account-container>".
func Dirname(raw string) (string, error) {
	p, err := ParsePath(raw)
	if err != nil {
		return "", err
	}
	if p.Scheme == SchemeLocal {
		return localDirname(p.Local), nil
	}
	key := strings.TrimSuffix(p.Key, "/")
	root := rootOf(p)
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		return root + "/" + key[:idx], nil
	}
	return root, nil
}

func rootOf(p Path) string {
	switch p.Scheme {
	case SchemeGCS:
		return "gs://" + p.Bucket
	case SchemeAzure:
		return "as://" + p.Account + "-" + p.Container
	default:
		return ""
	}
}

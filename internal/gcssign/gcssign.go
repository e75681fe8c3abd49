// Package gcssign implements component C3's GCS half: bearer-auth header
// construction plus the V4 query-string presigned URL algorithm GCS shares
// with AWS S3 (canonical request + string-to-sign + derived signing key).
package gcssign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// V4Request is the subset of a request the V4 signer needs.
type V4Request struct {
	Method      string
	Host        string
	Path        string // already URI-encoded per segment, leading slash
	Query       url.Values
	SignedAt    time.Time
	Expires     time.Duration
	AccessKeyID string
	Region      string
	Service     string // "s3" for the pinned AWS vector, "storage" for GCS
}

// SignV4URL returns the full query string (without leading '?') to append
// to https://host+path for a V4 presigned URL, given the caller-supplied
// secret key.
func SignV4URL(req V4Request, secretKey string) string {
	dateStamp := req.SignedAt.Format("20060102")
	amzDate := req.SignedAt.Format("20060102T150405Z")
	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, req.Region, req.Service)

	q := url.Values{}
	for k, v := range req.Query {
		q[k] = v
	}
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", req.AccessKeyID+"/"+credentialScope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(req.Expires.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")

	canonicalQuery := canonicalQueryString(q)
	canonicalHeaders := "host:" + req.Host + "\n"
	signedHeaders := "host"
	payloadHash := "UNSIGNED-PAYLOAD"

	canonicalRequest := strings.Join([]string{
		req.Method,
		req.Path,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	hashed := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hashed[:]),
	}, "\n")

	signingKey := deriveSigningKey(secretKey, dateStamp, req.Region, req.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	q.Set("X-Amz-Signature", signature)
	return canonicalQueryString(q)
}

// canonicalQueryString sorts and percent-encodes query parameters per the
// SigV4 canonicalization rules (RFC 3986 unreserved set preserved).
func canonicalQueryString(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := append([]string{}, q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, uriEncode(k)+"="+uriEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

func uriEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// BearerHeader formats an OAuth access token as an Authorization header
// value.
func BearerHeader(accessToken string) string {
	return "Bearer " + accessToken
}

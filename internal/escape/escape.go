// Package escape provides key- and metadata-escaping helpers. Object keys
// are arbitrary UTF-8 byte strings, but the remote APIs reject or mishandle
// certain byte ranges in URLs and headers. No backend in this module
// imports this package: the GCS and Azure backends send keys with
// url.PathEscape only.
package escape

import (
	"fmt"
	"net/url"
	"strings"
)

// HexEscape escapes the runes of s for which shouldEscape returns true,
// replacing each with "__0x<hex>__". Mirrors azureblob's escape.HexEscape.
func HexEscape(s string, shouldEscape func(r []rune, i int) bool) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if shouldEscape(runes, i) {
			fmt.Fprintf(&sb, "__0x%x__", r)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// HexUnescape reverses HexEscape.
func HexUnescape(s string) string {
	var sb strings.Builder
	for len(s) > 0 {
		idx := strings.Index(s, "__0x")
		if idx == -1 {
			sb.WriteString(s)
			break
		}
		sb.WriteString(s[:idx])
		rest := s[idx+len("__0x"):]
		end := strings.Index(rest, "__")
		if end == -1 {
			// not a valid escape sequence; emit verbatim
			sb.WriteString(s[idx:])
			break
		}
		var r int64
		if _, err := fmt.Sscanf(rest[:end], "%x", &r); err != nil {
			sb.WriteString(s[idx : idx+len("__0x")+end+2])
		} else {
			sb.WriteRune(rune(r))
		}
		s = rest[end+2:]
	}
	return sb.String()
}

// URLEscape escapes s for use as a metadata value.
func URLEscape(s string) string {
	return url.QueryEscape(s)
}

// URLUnescape reverses URLEscape.
func URLUnescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// IsASCIIAlphanumeric reports whether r is in [A-Za-z0-9].
func IsASCIIAlphanumeric(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	}
	return false
}

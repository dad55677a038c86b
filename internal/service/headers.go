package service

import (
	"net/http"
	"sort"
	"strings"
)

// droppedRequestHeaders are never forwarded upstream. The outbound request
// gets its own Host and Content-Length from the composed URL and body.
var droppedRequestHeaders = []string{
	"Host",
	"Connection",
	"Content-Length",
}

// droppedResponseHeaders describe the upstream leg only. The relayed body
// is re-framed by the server and is never compressed.
var droppedResponseHeaders = []string{
	"Transfer-Encoding",
	"Content-Encoding",
	"Content-Length",
}

const setCookie = "Set-Cookie"

// SanitizeInbound returns the header set forwarded upstream: a copy of h
// without Host, Connection and Content-Length, with Accept-Encoding forced
// to identity. Key matching is case-insensitive; h is not modified.
func SanitizeInbound(h http.Header) http.Header {
	dst := make(http.Header, len(h)+1)
	for key, vals := range h {
		if matchesAny(key, droppedRequestHeaders) || strings.EqualFold(key, "Accept-Encoding") {
			continue
		}
		canonical := http.CanonicalHeaderKey(key)
		dst[canonical] = append(dst[canonical], vals...)
	}
	dst.Set("Accept-Encoding", "identity")
	return dst
}

// SanitizeOutbound returns the header set relayed to the caller: a copy of h
// without Transfer-Encoding, Content-Encoding and Content-Length. Every
// Set-Cookie value, under any key casing, is kept as its own entry of a
// single Set-Cookie key, ordered by source key and then by position.
// h is not modified.
func SanitizeOutbound(h http.Header) http.Header {
	dst := make(http.Header, len(h))
	var cookieKeys []string
	for key, vals := range h {
		if strings.EqualFold(key, setCookie) {
			cookieKeys = append(cookieKeys, key)
			continue
		}
		if matchesAny(key, droppedResponseHeaders) {
			continue
		}
		canonical := http.CanonicalHeaderKey(key)
		dst[canonical] = append(dst[canonical], vals...)
	}
	sort.Strings(cookieKeys)
	var cookies []string
	for _, key := range cookieKeys {
		cookies = append(cookies, h[key]...)
	}
	if len(cookies) > 0 {
		dst[setCookie] = cookies
	}
	return dst
}

func matchesAny(key string, names []string) bool {
	for _, name := range names {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

package service

import (
	"net/http"
	"net/url"
	"strings"
)

// JoinPaths joins an upstream base path and an inbound path with exactly one
// separating slash. The trailing slash of the result is dropped and an empty
// result collapses to "/".
func JoinPaths(base, path string) string {
	if base == "" {
		base = "/"
	}
	if path == "" {
		path = "/"
	}
	left := strings.TrimRight(base, "/")
	right := strings.TrimLeft(path, "/")

	joined := strings.TrimRight(left+"/"+right, "/")
	if joined == "" {
		return "/"
	}
	return joined
}

// BuildTarget composes the upstream URL for an inbound escaped path and raw
// query. The query is copied verbatim; fragments are never forwarded.
func BuildTarget(origin *url.URL, escapedPath, rawQuery string) *url.URL {
	u := *origin
	if origin.User != nil {
		user := *origin.User
		u.User = &user
	}

	joined := JoinPaths(origin.EscapedPath(), escapedPath)
	if decoded, err := url.PathUnescape(joined); err == nil {
		u.Path = decoded
		u.RawPath = joined
	} else {
		u.Path = joined
		u.RawPath = ""
	}

	u.RawQuery = rawQuery
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

// ParseOrigin validates a configured upstream origin.
func ParseOrigin(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ConfigError{Err: ErrUpstreamNotConfigured}
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &ConfigError{Origin: raw, Err: ErrUpstreamInvalid}
	}
	return u, nil
}

// CarriesBody reports whether requests with the given method have their
// body forwarded. GET and HEAD never do.
func CarriesBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return false
	}
	return true
}

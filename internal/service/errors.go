package service

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamNotConfigured is returned when no upstream origin is set.
	ErrUpstreamNotConfigured = errors.New("upstream origin is not configured")

	// ErrUpstreamInvalid is returned when the configured origin is not an
	// absolute http(s) URL.
	ErrUpstreamInvalid = errors.New("upstream origin is not an absolute http(s) URL")
)

// ConfigError reports a configuration problem detected before any network
// call. Origin holds the offending configured value verbatim.
type ConfigError struct {
	Origin string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Origin == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Origin)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// UpstreamError reports a failure to obtain a complete response from the
// upstream. Target is the composed URL with any password redacted.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

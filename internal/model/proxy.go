// Package model defines the per-request working data of the gateway.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest is an inbound request reduced to what the gateway forwards.
//
// Path is the escaped inbound path and RawQuery the inbound query string
// without the leading '?'. Body is nil when the request carries no body.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResponse is an upstream response, fully buffered.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Package service implements the core forwarding logic of the gateway.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"village-gateway/internal/config"
	"village-gateway/internal/model"
)

// Sender performs one upstream call and returns the fully buffered response.
// A nil body sends no body.
type Sender interface {
	Send(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ProxyResponse, error)
}

// UpstreamState describes the configured origin as seen by the gateway.
type UpstreamState string

const (
	UpstreamOK      UpstreamState = "ok"
	UpstreamMissing UpstreamState = "missing"
	UpstreamInvalid UpstreamState = "invalid"
)

// Gateway forwards inbound requests to a single upstream origin.
//
// The origin is resolved once at construction. A missing or invalid origin
// does not prevent construction; every Forward call reports it instead.
type Gateway struct {
	sender    Sender
	logger    *slog.Logger
	rawOrigin string
	origin    *url.URL
	originErr error
}

// NewGateway creates a Gateway for cfg.Upstream.BaseURL.
func NewGateway(sender Sender, cfg *config.Config, logger *slog.Logger) *Gateway {
	g := &Gateway{
		sender:    sender,
		logger:    logger.With("component", "gateway"),
		rawOrigin: cfg.Upstream.BaseURL,
	}

	g.origin, g.originErr = ParseOrigin(cfg.Upstream.BaseURL)
	if g.originErr != nil {
		g.logger.Warn("upstream origin unusable; requests will fail until it is fixed",
			"err", g.originErr,
		)
	} else {
		g.logger.Info("forwarding to upstream", "origin", g.origin.Redacted())
	}

	return g
}

// Origin returns the configured origin exactly as given.
func (g *Gateway) Origin() string {
	return g.rawOrigin
}

// State reports whether the configured origin is usable.
func (g *Gateway) State() UpstreamState {
	switch {
	case g.originErr == nil:
		return UpstreamOK
	case errors.Is(g.originErr, ErrUpstreamNotConfigured):
		return UpstreamMissing
	default:
		return UpstreamInvalid
	}
}

// Forward sends pr to the upstream and returns its response with relayed
// headers sanitized.
//
// A *ConfigError is returned without any network call when the origin is
// missing or invalid. Any failure after that point, including a failure to
// read the upstream body, is returned as an *UpstreamError.
func (g *Gateway) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if g.originErr != nil {
		return nil, g.originErr
	}

	target := BuildTarget(g.origin, pr.Path, pr.RawQuery)
	header := SanitizeInbound(pr.Header)

	var body []byte
	if CarriesBody(pr.Method) && len(pr.Body) > 0 {
		body = pr.Body
	}

	g.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"body_bytes", len(body),
	)

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := g.sender.Send(ctx, pr.Method, target.String(), header, body)
	if err != nil {
		return nil, &UpstreamError{Target: target.Redacted(), Err: err}
	}

	resp.Header = SanitizeOutbound(resp.Header)
	return resp, nil
}

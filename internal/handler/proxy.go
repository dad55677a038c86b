package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"village-gateway/internal/metrics"
	"village-gateway/internal/model"
	"village-gateway/internal/service"
)

// Error codes returned in the "error" field of gateway-generated responses.
const (
	CodeUpstreamNotConfigured = "upstream_not_configured"
	CodeUpstreamInvalid       = "upstream_invalid"
	CodeUpstreamUnreachable   = "upstream_unreachable"
	CodeBodyUnreadable        = "request_body_unreadable"
)

const (
	hintNotConfigured = "Set BACKEND_URL (or upstream.base_url) to the backend origin, e.g. https://backend.example.com or http://10.0.0.5:8080."
	hintInvalid       = "BACKEND_URL must be an absolute http(s) URL with a host, optionally followed by a base path."
)

// ErrorBody is the JSON shape of every error produced by the gateway itself.
type ErrorBody struct {
	Error   string `json:"error"`
	Hint    string `json:"hint,omitempty"`
	Backend string `json:"backend,omitempty"`
	Target  string `json:"target,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ProxyHandler forwards every non-admin request to the upstream.
type ProxyHandler struct {
	gateway *service.Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(gw *service.Gateway, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle buffers the inbound body, forwards the request and relays the
// upstream response unmodified apart from header sanitization.
func (h *ProxyHandler) Handle(c echo.Context) error {
	restoreMethod(c)
	req := c.Request()

	var body []byte
	if service.CarriesBody(req.Method) && req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return h.bodyError(c, err)
		}
		body = b
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.gateway.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		// Upstream values replace anything middleware already set (e.g. X-Request-Id).
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// A nil entry stops net/http from sniffing a Content-Type the upstream never sent.
	if _, ok := resp.Header["Content-Type"]; !ok {
		dst["Content-Type"] = nil
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out; a failed write can only be logged.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	var (
		status int
		body   ErrorBody
		ce     *service.ConfigError
		ue     *service.UpstreamError
	)

	switch {
	case errors.Is(err, service.ErrUpstreamNotConfigured):
		status = http.StatusInternalServerError
		body = ErrorBody{Error: CodeUpstreamNotConfigured, Hint: hintNotConfigured}
	case errors.As(err, &ce):
		status = http.StatusInternalServerError
		body = ErrorBody{Error: CodeUpstreamInvalid, Backend: ce.Origin, Hint: hintInvalid}
	case errors.As(err, &ue):
		status = http.StatusBadGateway
		body = ErrorBody{Error: CodeUpstreamUnreachable, Target: ue.Target, Reason: classify(ue.Err)}
	default:
		status = http.StatusBadGateway
		body = ErrorBody{Error: CodeUpstreamUnreachable, Reason: "unknown"}
	}

	h.logger.Error("gateway error",
		"code", body.Error,
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)
	h.countError(body.Error)

	return c.JSON(status, body)
}

func (h *ProxyHandler) bodyError(c echo.Context, err error) error {
	// Echo's BodyLimit reports overflow as an *echo.HTTPError (413).
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	h.logger.Warn("reading request body",
		"err", err,
		"path", c.Request().URL.Path,
	)
	h.countError(CodeBodyUnreadable)
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: CodeBodyUnreadable})
}

func (h *ProxyHandler) countError(code string) {
	if h.metrics != nil {
		h.metrics.GatewayErrors.WithLabelValues(code).Inc()
	}
}

// classify maps a transport error to a short, stable reason.
func classify(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "connection"
	default:
		return "unknown"
	}
}

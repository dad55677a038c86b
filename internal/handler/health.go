// Package handler contains the Echo handlers of the gateway.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"village-gateway/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	gateway *service.Gateway
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(gw *service.Gateway, v Version) *HealthHandler {
	return &HealthHandler{gateway: gw, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and whether the upstream origin is usable.
// The origin is echoed only when it parsed, and then with its password redacted.
func (h *HealthHandler) Status(c echo.Context) error {
	state := h.gateway.State()
	body := map[string]string{
		"status":   "ok",
		"version":  string(h.version),
		"upstream": string(state),
	}
	if state == service.UpstreamOK {
		if u, err := service.ParseOrigin(h.gateway.Origin()); err == nil {
			body["upstream_url"] = u.Redacted()
		}
	}
	return c.JSON(http.StatusOK, body)
}

package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"village-gateway/internal/config"
	"village-gateway/internal/metrics"
	"village-gateway/internal/middleware"
)

// RegisterRoutes wires the GET admin endpoints under the admin prefix and
// sends every other request to the proxy handler, whatever its method.
//
// Security headers are attached per route: group-level middleware would make
// Echo claim the whole prefix and answer unknown admin paths with 404.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	secure := middleware.SecurityHeaders()

	admin := e.Group(cfg.Server.AdminPrefix)
	admin.GET("/healthz", health.Healthz, secure)
	admin.GET("/status", health.Status, secure)
	if cfg.Metrics.Enabled && m != nil {
		admin.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), secure)
	}

	e.Pre(methodTunnel())

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

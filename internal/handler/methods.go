package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// tunneledMethodKey holds the inbound method while a request travels
// through the router under a method Echo knows how to route.
const tunneledMethodKey = "gateway.tunneled_method"

// routableMethods are the methods Echo's Any registers a route for.
var routableMethods = map[string]struct{}{
	http.MethodConnect: {},
	http.MethodDelete:  {},
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodPatch:   {},
	http.MethodPost:    {},
	echo.PROPFIND:      {},
	http.MethodPut:     {},
	http.MethodTrace:   {},
	echo.REPORT:        {},
}

// methodTunnel lets requests with methods outside routableMethods (PURGE,
// MKCOL, LOCK, ...) reach the catch-all proxy route. The method is swapped
// for POST before routing and restored by ProxyHandler.Handle. Admin
// endpoints only claim GET, so the swap never lands a request on them.
func methodTunnel() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if _, ok := routableMethods[req.Method]; ok {
				return next(c)
			}
			c.Set(tunneledMethodKey, req.Method)
			req.Method = http.MethodPost
			return next(c)
		}
	}
}

// restoreMethod puts back a method swapped out by methodTunnel.
func restoreMethod(c echo.Context) {
	if m, ok := c.Get(tunneledMethodKey).(string); ok {
		c.Request().Method = m
	}
}

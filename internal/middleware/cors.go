package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"retell-proxy-go/internal/config"
)

const (
	corsAllowMethods = "POST, OPTIONS"
	corsAllowHeaders = "Content-Type"
)

// CORS returns an Echo middleware that applies the configured origin policy
// and answers preflight requests without calling the next handler.
//
// In allowlist mode the request origin is echoed only when listed; other
// origins still reach the handler and the browser enforces the restriction.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	maxAge := strconv.Itoa(cfg.MaxAgeSeconds)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			if cfg.Mode == config.CORSModeOpen {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			} else {
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
				if origin := c.Request().Header.Get(echo.HeaderOrigin); cfg.OriginAllowed(origin) {
					h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				}
			}
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			h.Set(echo.HeaderAccessControlMaxAge, maxAge)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}

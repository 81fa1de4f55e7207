package handler

import (
	"fmt"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retell-proxy-go/internal/config"
	"retell-proxy-go/internal/metrics"
	"retell-proxy-go/internal/middleware"
)

// ProxyPath is the single endpoint browsers post to.
const ProxyPath = "/api/retell-proxy"

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every method is routed to the proxy so the handler can answer 405 itself.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any(ProxyPath, proxy.Handle, proxyMiddleware(cfg)...)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

// proxyMiddleware runs CORS first so that body-limit and rate-limit
// rejections still carry the origin headers a browser needs to read them.
func proxyMiddleware(cfg *config.Config) []echo.MiddlewareFunc {
	mw := []echo.MiddlewareFunc{middleware.CORS(cfg.CORS)}
	if cfg.Server.BodyMaxBytes > 0 {
		mw = append(mw, echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.RateLimit.Enabled {
		mw = append(mw, middleware.RateLimit(cfg.Server.RateLimit, cfg.Security.RetryAfterSeconds))
	}
	return mw
}

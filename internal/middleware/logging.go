// Package middleware provides the Echo middleware chain of the proxy server:
// request logging, CORS, metrics, rate limiting and response hardening.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger logs one line per request once the response is final. A
// handler error is rendered through echo's error handler first so the logged
// status matches what the client received; the error is not returned further.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			req, res := c.Request(), c.Response()
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_out", res.Size),
			}
			if origin := req.Header.Get(echo.HeaderOrigin); origin != "" {
				attrs = append(attrs, slog.String("origin", origin))
			}

			logger.LogAttrs(req.Context(), levelFor(res.Status), "request", attrs...)
			return nil
		}
	}
}

func levelFor(status int) slog.Level {
	if status >= 500 {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

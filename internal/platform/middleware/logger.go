package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/auth"
)

// Logger writes one line per request. Health-check and scrape traffic on public paths such
// as /health and /metrics is logged at debug level.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			rid, _ := c.Get("request_id").(string)

			evt := logger.Info()
			switch {
			case err != nil:
				evt = logger.Error().Err(err)
			case auth.IsPublicPath(c.Path()):
				evt = logger.Debug()
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

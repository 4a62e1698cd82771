package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Logger returns a middleware that logs each HTTP request through the
// process-wide structured logger, keyed by the request id assigned
// upstream.
func Logger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			event := log.Info()
			if res.Status >= 500 {
				event = log.Error()
			}
			event.
				Str("id", res.Header().Get(echo.HeaderXRequestID)).
				Str("remoteIp", c.RealIP()).
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Int("status", res.Status).
				Err(err).
				Dur("latency", time.Since(start)).
				Int64("bytesOut", res.Size).
				Msg("request")

			return nil
		}
	}
}

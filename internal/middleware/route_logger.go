package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// RouteLogger logs each request with status, duration and trace ID.
// Probe and scrape paths log at debug level.
func RouteLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		traceID := GetTraceID(c)
		if traceID == "" {
			traceID = "no-trace-id"
		}
		start := time.Now()
		err := c.Next()

		ev := log.Info()
		switch c.Path() {
		case "/health/live", "/health/ready", "/metrics":
			ev = log.Debug()
		}
		ev.Str("trace_id", traceID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Int64("ms", time.Since(start).Milliseconds()).
			Msg("request")
		return err
	}
}

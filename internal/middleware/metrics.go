package middleware

import (
	"strconv"
	"time"

	"tierqueue-backend/internal/pkg/metrics"

	"github.com/gofiber/fiber/v2"
)

// Metrics records request count and latency per route pattern.
func Metrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		path := c.Route().Path
		metrics.HTTPRequests.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		metrics.HTTPLatency.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}

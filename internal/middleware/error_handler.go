package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tierqueue-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const errorLogSize = 50

// NewErrorHandler returns the global error handler. It renders the standard
// error format and, when rdb is set, keeps the last 5xx errors in Redis for
// /health/errors.
func NewErrorHandler(rdb *redis.Client) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}

		if code >= fiber.StatusInternalServerError {
			log.Error().Err(err).Str("trace_id", GetTraceID(c)).Str("path", c.Path()).Msg("request failed")
			if rdb != nil {
				entry, _ := json.Marshal(map[string]interface{}{
					"time":     time.Now().UTC(),
					"method":   c.Method(),
					"path":     c.OriginalURL(),
					"message":  err.Error(),
					"trace_id": GetTraceID(c),
				})
				ctx := context.Background()
				pipe := rdb.TxPipeline()
				pipe.LPush(ctx, KeyErrorLog, entry)
				pipe.LTrim(ctx, KeyErrorLog, 0, errorLogSize-1)
				_, _ = pipe.Exec(ctx)
			}
		}
		return response.Error(c, message, code, nil)
	}
}

package health

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strconv"
	"time"

	healthsvc "tierqueue-backend/internal/application/health"
	"tierqueue-backend/internal/middleware"
	"tierqueue-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const serviceName = "tierqueue-backend"

// Handlers holds dependencies for health endpoints.
type Handlers struct {
	Deps           healthsvc.Dependencies
	HealthAdminKey string
}

// Live always answers 200 while the process serves HTTP.
func (h *Handlers) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// Ready answers 503 unless the queue database and the allocation authority are reachable.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	r := healthsvc.Ready(c.Context(), h.Deps)
	code := fiber.StatusOK
	if !r.Ready {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(r)
}

// JSON returns the full health document.
func (h *Handlers) JSON(c *fiber.Ctx) error {
	result := healthsvc.CollectHealth(c.Context(), h.Deps)
	return c.JSON(fiber.Map{
		"service":      serviceName,
		"status":       result.Status,
		"runtime":      result.Runtime,
		"traffic":      result.Traffic,
		"dependencies": result.Dependencies,
	})
}

// Errors returns the last 50 server errors recorded by the error handler.
func (h *Handlers) Errors(c *fiber.Ctx) error {
	if h.Deps.Redis == nil {
		return c.JSON([]interface{}{})
	}
	entries, err := h.Deps.Redis.LRange(c.Context(), middleware.KeyErrorLog, 0, 49).Result()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON([]interface{}{})
	}
	out := make([]map[string]interface{}, 0, len(entries))
	for _, s := range entries {
		var m map[string]interface{}
		if _ = json.Unmarshal([]byte(s), &m); m != nil {
			out = append(out, m)
		}
	}
	return c.JSON(out)
}

// Reset clears traffic stats in Redis. Requires query key=HEALTH_ADMIN_KEY.
func (h *Handlers) Reset(c *fiber.Ctx) error {
	key := c.Query("key")
	if h.HealthAdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.HealthAdminKey)) != 1 {
		return response.Error(c, "Unauthorized", fiber.StatusForbidden, nil)
	}
	if h.Deps.Redis == nil {
		return response.Error(c, "Redis is not configured", fiber.StatusServiceUnavailable, nil)
	}
	ctx := context.Background()
	keys := []string{middleware.KeyReqTotal, middleware.KeyReqErrors, middleware.KeyResTime, middleware.KeyResCount, middleware.KeyStartTime, middleware.KeyLastReq, middleware.KeyErrorLog}
	if err := h.Deps.Redis.Del(ctx, keys...).Err(); err != nil {
		return response.Error(c, err.Error(), fiber.StatusInternalServerError, nil)
	}
	if err := h.Deps.Redis.Set(ctx, middleware.KeyStartTime, strconv.FormatInt(time.Now().UnixMilli(), 10), 0).Err(); err != nil {
		return response.Error(c, err.Error(), fiber.StatusInternalServerError, nil)
	}
	return response.Success(c, "Stats reset successfully", fiber.Map{"success": true}, nil)
}

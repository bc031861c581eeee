package queue

import (
	"errors"
	"time"

	queuesvc "tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Poller is the part of the batch processor the HTTP surface drives.
type Poller interface {
	Trigger()
	Processing() bool
}

type Handlers struct {
	Store        *queuesvc.Store
	Processor    Poller
	BatchSize    int
	PollInterval time.Duration
}

// POST /api/v1/poll
func (h *Handlers) Poll(c *fiber.Ctx) error {
	h.Processor.Trigger()
	return response.Accepted(c, "Poll cycle scheduled", fiber.Map{"scheduled": true})
}

// GET /api/v1/queue/stats
func (h *Handlers) Stats(c *fiber.Ctx) error {
	counts, err := h.Store.CountByStatus(c.Context())
	if err != nil {
		return err
	}
	return response.Success(c, "Queue stats fetched successfully", fiber.Map{
		"pending_count":    counts["PENDING"],
		"batch_size":       h.BatchSize,
		"poll_interval":    h.PollInterval.String(),
		"is_processing":    h.Processor.Processing(),
		"counts_by_status": counts,
	}, nil)
}

// GET /api/v1/batch/:batch_id/status
func (h *Handlers) BatchStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("batch_id"))
	if err != nil {
		return response.BadRequest(c, "batch_id must be a uuid")
	}
	run, err := h.Store.GetBatchRun(c.Context(), id)
	if errors.Is(err, queuesvc.ErrNotFound) {
		return response.NotFound(c, "Batch not found")
	}
	if err != nil {
		return err
	}
	return response.Success(c, "Batch fetched successfully", run, nil)
}

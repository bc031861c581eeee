package consistency

import (
	"context"
	"errors"

	portfoliosvc "tierqueue-backend/internal/application/portfolio"
	queuesvc "tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/application/reconciler"
	"tierqueue-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Reconciler *reconciler.Reconciler
	Queue      *queuesvc.Store
	Portfolio  *portfoliosvc.Store
}

// POST /api/v1/sync
// The pass is not tied to the request, a disconnecting client does not abort it.
func (h *Handlers) Sync(c *fiber.Ctx) error {
	stats, err := h.Reconciler.Sync(context.Background())
	if errors.Is(err, reconciler.ErrSyncInProgress) {
		return response.Conflict(c, "A sync is already running")
	}
	if err != nil {
		return err
	}
	return response.Success(c, "Sync completed", stats, nil)
}

// GET /api/v1/consistency/stats
func (h *Handlers) Stats(c *fiber.Ctx) error {
	counts, err := h.Queue.CountByStatus(c.Context())
	if err != nil {
		return err
	}
	inbox, err := h.Portfolio.TransactionStats(c.Context())
	if err != nil {
		return err
	}
	return response.Success(c, "Consistency stats fetched successfully", fiber.Map{
		"queue_by_status":        counts,
		"portfolio_transactions": inbox,
		"sync_running":           h.Reconciler.Running(),
	}, nil)
}

// GET /api/v1/portfolios/:accountid
func (h *Handlers) GetPortfolio(c *fiber.Ctx) error {
	p, err := h.Portfolio.GetPortfolio(c.Context(), c.Params("accountid"))
	if errors.Is(err, portfoliosvc.ErrNotFound) {
		return response.NotFound(c, "Portfolio not found")
	}
	if err != nil {
		return err
	}
	return response.Success(c, "Portfolio fetched successfully", p, nil)
}

package consistency

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	portfoliosvc "tierqueue-backend/internal/application/portfolio"
	queuesvc "tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/application/reconciler"
	"tierqueue-backend/internal/domain"
	"tierqueue-backend/internal/middleware"
	"tierqueue-backend/internal/testutil"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*fiber.App, *Handlers) {
	db := testutil.NewSQLite(t)
	qs := &queuesvc.Store{DB: db}
	ps := &portfoliosvc.Store{DB: db}
	h := &Handlers{
		Reconciler: &reconciler.Reconciler{Queue: qs, Portfolio: ps},
		Queue:      qs,
		Portfolio:  ps,
	}
	app := fiber.New(fiber.Config{ErrorHandler: middleware.NewErrorHandler(nil)})
	app.Post("/api/v1/sync", h.Sync)
	app.Get("/api/v1/consistency/stats", h.Stats)
	app.Get("/api/v1/portfolios/:accountid", h.GetPortfolio)
	return app, h
}

func readJSON(t *testing.T, r io.Reader) map[string]interface{} {
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestSyncThenPortfolio(t *testing.T) {
	app, h := setup(t)
	e := testutil.Entry("A1", domain.TransactionInvest, "100", "200", "50")
	e.Status = domain.StatusCompleted
	require.NoError(t, h.Queue.DB.Create(e).Error)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/sync", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := readJSON(t, resp.Body)["data"].(map[string]interface{})
	assert.EqualValues(t, 1, data["created"])

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/portfolios/A1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	p := readJSON(t, resp.Body)["data"].(map[string]interface{})
	assert.Equal(t, "350", p["total_value"])

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/portfolios/nobody", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestConsistencyStats(t *testing.T) {
	app, h := setup(t)
	e := testutil.Entry("A1", domain.TransactionWithdraw, "1", "0", "0")
	e.Status = domain.StatusCompleted
	require.NoError(t, h.Queue.DB.Create(e).Error)
	_, err := h.Reconciler.Sync(context.Background())
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/consistency/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := readJSON(t, resp.Body)["data"].(map[string]interface{})
	assert.Equal(t, false, data["sync_running"])
	inbox := data["portfolio_transactions"].(map[string]interface{})
	assert.EqualValues(t, 1, inbox["total"])
	byType := inbox["by_type"].(map[string]interface{})
	assert.EqualValues(t, 1, byType["WITHDRAWAL"])
}

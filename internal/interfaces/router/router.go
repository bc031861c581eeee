package router

import (
	"time"

	healthsvc "tierqueue-backend/internal/application/health"
	portfoliosvc "tierqueue-backend/internal/application/portfolio"
	queuesvc "tierqueue-backend/internal/application/queue"
	"tierqueue-backend/internal/application/reconciler"
	"tierqueue-backend/internal/config"
	consistencyhandler "tierqueue-backend/internal/interfaces/handlers/consistency"
	healthhandler "tierqueue-backend/internal/interfaces/handlers/health"
	queuehandler "tierqueue-backend/internal/interfaces/handlers/queue"
	"tierqueue-backend/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Services are the built components the HTTP surface exposes.
type Services struct {
	Queue      *queuesvc.Store
	Portfolio  *portfoliosvc.Store
	Processor  queuehandler.Poller
	Reconciler *reconciler.Reconciler
	Authority  healthsvc.Prober
	Redis      *redis.Client // optional
}

// CreateApp builds the Fiber app with global middleware and all routes.
func CreateApp(cfg *config.Config, svc Services) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          middleware.NewErrorHandler(svc.Redis),
		ReadTimeout:           10 * time.Second,
		// POST /api/v1/sync runs a whole pass before answering.
		WriteTimeout: 5 * time.Minute,
	})

	app.Use(middleware.Tracing())
	app.Use(middleware.RouteLogger())
	app.Use(middleware.Metrics())
	app.Use(middleware.HealthMarker(svc.Redis))

	hh := &healthhandler.Handlers{
		Deps: healthsvc.Dependencies{
			Queue:     svc.Queue,
			Portfolio: svc.Portfolio,
			Redis:     svc.Redis,
			Authority: svc.Authority,
		},
		HealthAdminKey: cfg.HealthAdminKey,
	}
	app.Get("/health/live", hh.Live)
	app.Get("/health/ready", hh.Ready)
	app.Get("/health/json", hh.JSON)
	app.Get("/health/errors", hh.Errors)
	app.Get("/health/reset", hh.Reset)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")

	qh := &queuehandler.Handlers{
		Store:        svc.Queue,
		Processor:    svc.Processor,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	}
	api.Post("/poll", qh.Poll)
	api.Get("/queue/stats", qh.Stats)
	api.Get("/batch/:batch_id/status", qh.BatchStatus)

	ch := &consistencyhandler.Handlers{
		Reconciler: svc.Reconciler,
		Queue:      svc.Queue,
		Portfolio:  svc.Portfolio,
	}
	api.Post("/sync", ch.Sync)
	api.Get("/consistency/stats", ch.Stats)
	api.Get("/portfolios/:accountid", ch.GetPortfolio)

	return app
}

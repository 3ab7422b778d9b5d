package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/lexflowhq/lexpay/app/controllers"
	"github.com/lexflowhq/lexpay/internal/pkg/billing"
	"github.com/lexflowhq/lexpay/internal/pkg/cache"
	"github.com/lexflowhq/lexpay/internal/pkg/database"
	"github.com/lexflowhq/lexpay/internal/pkg/middleware"
)

type HttpRouter struct {
	svc *billing.Service
}

func NewHttpRouter(svc *billing.Service) *HttpRouter {
	return &HttpRouter{svc: svc}
}

func (h *HttpRouter) InstallRouter(app *fiber.App) {
	webhooks := controllers.NewWebhookController(h.svc)
	charges := controllers.NewChargeController(h.svc)

	// Provider deliveries carry their own shared-secret authentication; the
	// limiter only shields against accidental floods.
	app.Post("/webhook/:provider", limiter.New(limiter.Config{Max: 120}), webhooks.HandleProviderWebhook)

	// Server-to-server surface for the case-management backend.
	app.Post("/create-charge", middleware.InternalAPIKeyMiddleware(), charges.HandleCreateCharge)

	app.Get("/healthz", handleHealthz)
}

func handleHealthz(c *fiber.Ctx) error {
	status := fiber.StatusOK
	dbOK := true
	cacheOK := true

	if db := database.GetDB(); db == nil {
		dbOK = false
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.Ping() != nil {
		dbOK = false
	}
	if err := cache.Ping(); err != nil {
		cacheOK = false
	}
	if !dbOK {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"database": dbOK,
		"cache":    cacheOK,
	})
}

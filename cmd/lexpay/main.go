package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/lexflowhq/lexpay/app/repository"
	"github.com/lexflowhq/lexpay/internal/pkg/billing"
	"github.com/lexflowhq/lexpay/internal/pkg/cache"
	"github.com/lexflowhq/lexpay/internal/pkg/database"
	"github.com/lexflowhq/lexpay/internal/pkg/env"
	"github.com/lexflowhq/lexpay/internal/pkg/router"
	"github.com/lexflowhq/lexpay/internal/pkg/scheduler"
)

func main() {
	app := NewApplication()

	// Graceful stop: drain the scheduler before closing the listener.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		scheduler.GetManager().Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	registry := billing.NewRegistry(
		env.GetEnv("DEFAULT_PIX_PROVIDER", ""),
		billing.NewEfiClientFromEnv(),
		billing.NewAbacatePayClientFromEnv(),
	)
	svc := billing.NewServiceFromDB(database.GetDB(), registry)

	scheduler.Initialize(svc, repository.GetGlobalStore()).Start()

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // webhook payloads are small; cap at 1 MiB
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app, router.NewHttpRouter(svc))

	return app
}

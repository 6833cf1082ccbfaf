package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/haruworks/subsync/app/controllers"
	"github.com/haruworks/subsync/internal/pkg/billing"
	"github.com/haruworks/subsync/internal/pkg/cache"
	"github.com/haruworks/subsync/internal/pkg/database"
	"github.com/haruworks/subsync/internal/pkg/env"
	"github.com/haruworks/subsync/internal/pkg/featureflag"
	"github.com/haruworks/subsync/internal/pkg/router"
	"github.com/haruworks/subsync/internal/pkg/webhookproc"
)

func main() {
	app, processor := NewApplication()

	// retry sweeper for failed webhook events
	sweeper := webhookproc.StartRetrySweeper(processor)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		sweeper.Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *webhookproc.Processor) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repo := billing.NewRepository(db)
	provider := billing.NewStripeProviderFromEnv()
	service := billing.NewService(repo, provider)
	processor := webhookproc.NewProcessor(repo, service)
	flags := featureflag.NewEngine(featureflag.NewGormStore(db), service)

	controllers.Setup(service, repo, processor, flags)

	// Several instances may run the processor concurrently; the instance id
	// correlates their log output.
	instanceID := uuid.NewString()
	log.Printf("Starting subsync instance %s", instanceID)

	app := fiber.New(fiber.Config{
		AppName: "subsync (" + instanceID + ")",
	})
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app)

	return app, processor
}

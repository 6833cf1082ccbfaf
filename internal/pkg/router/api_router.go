package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/haruworks/subsync/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Webhook ingestion and dead-letter handling. Envelope verification
	// happens upstream; this service trusts its transport.
	webhooks := v1.Group("/webhooks")
	webhooks.Post("/billing", controllers.HandleIngestWebhook)
	webhooks.Get("/dead-letters", controllers.HandleListDeadLetters)
	webhooks.Get("/counters", controllers.HandleWebhookCounters)
	webhooks.Post("/:externalID/replay", controllers.HandleReplayWebhook)

	// Subscription synchronizer, provider-first.
	bill := v1.Group("/billing")
	bill.Post("/change-plan", controllers.HandleChangePlan)
	bill.Post("/cancel", controllers.HandleCancelSubscription)
	bill.Post("/reactivate", controllers.HandleReactivateSubscription)
	bill.Get("/subscription", controllers.HandleGetSubscription)
	bill.Get("/audits", controllers.HandleListAudits)
	bill.Get("/payment-methods", controllers.HandleListPaymentMethods)
	bill.Post("/payment-methods/default", controllers.HandleSetDefaultPaymentMethod)
	bill.Delete("/payment-methods/:paymentMethodID", controllers.HandleRemovePaymentMethod)

	// Feature flags: evaluation for everyone, mutation for admins.
	flags := v1.Group("/flags")
	flags.Get("/", controllers.HandleListFlags)
	flags.Get("/:key/evaluate", controllers.HandleEvaluateFlag)
	flags.Get("/:key/variant", controllers.HandleGetVariant)
	flags.Put("/:key", controllers.HandleUpdateFlag)
	flags.Post("/:key/advance-stage", controllers.HandleAdvanceRolloutStage)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/metrics/counter"
	"github.com/haruworks/subsync/internal/pkg/webhookproc"
)

const deadLetterListLimit = 100

// HandleIngestWebhook receives a pre-verified provider event envelope and
// runs it through the idempotent processor. Duplicates are acknowledged with
// the already-recorded outcome.
func HandleIngestWebhook(c *fiber.Ctx) error {
	var event webhookproc.InboundEvent
	if err := c.BodyParser(&event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid event envelope"})
	}

	result, err := webhookProcessor.Ingest(c.UserContext(), event)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleReplayWebhook re-runs a dead-lettered event after manual review.
func HandleReplayWebhook(c *fiber.Ctx) error {
	externalID := c.Params("externalID")

	result, err := webhookProcessor.Replay(c.UserContext(), externalID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleListDeadLetters returns events that exhausted their retries and wait
// for manual replay.
func HandleListDeadLetters(c *fiber.Ctx) error {
	events, err := billingRepo.ListWebhookEventsByStatus(models.WebhookStatusDeadLetter, deadLetterListLimit)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events})
}

// HandleWebhookCounters exposes the per-event-type processing counters.
func HandleWebhookCounters(c *fiber.Ctx) error {
	snapshot, err := counter.Collect()
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(snapshot)
}

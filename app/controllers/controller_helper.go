package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/haruworks/subsync/internal/pkg/billing"
	"github.com/haruworks/subsync/internal/pkg/featureflag"
	"github.com/haruworks/subsync/internal/pkg/webhookproc"
)

var (
	billingService   *billing.Service
	billingRepo      billing.Repository
	webhookProcessor *webhookproc.Processor
	flagEngine       *featureflag.Engine
)

// Setup wires the controllers to their backing services. Called once at boot.
func Setup(svc *billing.Service, repo billing.Repository, proc *webhookproc.Processor, engine *featureflag.Engine) {
	billingService = svc
	billingRepo = repo
	webhookProcessor = proc
	flagEngine = engine
}

// currentUserID reads the authenticated user id set by the upstream gateway.
// Transport authentication happens before requests reach this service.
func currentUserID(c *fiber.Ctx) (uint, bool) {
	raw := c.Get("X-User-ID")
	if raw == "" {
		raw = c.Query("user_id")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// jsonError maps the error taxonomy to HTTP statuses.
func jsonError(c *fiber.Ctx, err error) error {
	var (
		validationErr     *billing.ValidationError
		notFoundErr       *billing.NotFoundError
		providerErr       *billing.ProviderError
		configurationErr  *billing.ConfigurationError
		transientErr      *billing.TransientError
		reconciliationErr *billing.ReconciliationError
	)

	switch {
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": validationErr.Msg})
	case errors.As(err, &notFoundErr):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": notFoundErr.Error()})
	case errors.As(err, &providerErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "provider_rejected", "code": providerErr.Code, "message": providerErr.Msg})
	case errors.As(err, &configurationErr):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "configuration_error", "message": configurationErr.Msg})
	case errors.As(err, &reconciliationErr):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reconciliation_required", "message": reconciliationErr.Error()})
	case errors.As(err, &transientErr):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "provider_unavailable", "message": "Temporary provider failure, retry later"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}

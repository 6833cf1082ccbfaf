package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type changePlanRequest struct {
	NewPriceID string `json:"new_price_id"`
	IsUpgrade  bool   `json:"is_upgrade"`
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

type paymentMethodRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

// HandleChangePlan moves the user's subscription to a new price. The provider
// is updated first; the local mirror follows from the provider's response.
func HandleChangePlan(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	var req changePlanRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid request body"})
	}

	sub, err := billingService.ChangePlan(c.UserContext(), userID, strings.TrimSpace(req.NewPriceID), req.IsUpgrade)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleCancelSubscription cancels at period end or immediately.
func HandleCancelSubscription(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid request body"})
	}

	sub, err := billingService.CancelSubscription(c.UserContext(), userID, req.AtPeriodEnd)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleReactivateSubscription clears a pending period-end cancellation.
func HandleReactivateSubscription(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	sub, err := billingService.ReactivateSubscription(c.UserContext(), userID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleGetSubscription returns the user's current subscription together with
// the derived tier.
func HandleGetSubscription(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	sub, err := billingService.GetSubscription(c.UserContext(), userID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"subscription": sub,
		"tier":         billingService.TierForUser(userID),
	})
}

// HandleListAudits returns the append-only subscription change history.
func HandleListAudits(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	audits, err := billingService.ListAudits(userID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"audits": audits})
}

// HandleListPaymentMethods lists the card payment methods stored at the
// provider for the user's customer.
func HandleListPaymentMethods(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	methods, err := billingService.ListPaymentMethods(c.UserContext(), userID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"payment_methods": methods})
}

// HandleSetDefaultPaymentMethod updates the customer's default payment method
// at the provider.
func HandleSetDefaultPaymentMethod(c *fiber.Ctx) error {
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	var req paymentMethodRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid request body"})
	}

	if err := billingService.UpdateDefaultPaymentMethod(c.UserContext(), userID, strings.TrimSpace(req.PaymentMethodID)); err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "updated"})
}

// HandleRemovePaymentMethod detaches a payment method at the provider.
func HandleRemovePaymentMethod(c *fiber.Ctx) error {
	if _, ok := currentUserID(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	paymentMethodID := c.Params("paymentMethodID")
	if err := billingService.RemovePaymentMethod(c.UserContext(), paymentMethodID); err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "detached"})
}

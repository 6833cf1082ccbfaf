package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/haruworks/subsync/app/models"
)

type flagUpdateRequest struct {
	Description       string                 `json:"description"`
	Enabled           bool                   `json:"enabled"`
	RolloutPercentage int                    `json:"rollout_percentage"`
	UserSegments      []string               `json:"user_segments"`
	Conditions        []models.FlagCondition `json:"conditions"`
	Metadata          *models.FlagMetadata   `json:"metadata"`
}

// HandleEvaluateFlag answers the gating question for one flag and user.
// Evaluation never fails the request; internal errors come back as a
// fail-closed result.
func HandleEvaluateFlag(c *fiber.Ctx) error {
	key := c.Params("key")
	userID, _ := currentUserID(c)

	evalCtx := map[string]string{}
	for rawKey, values := range c.Queries() {
		if rawKey == "user_id" {
			continue
		}
		evalCtx[rawKey] = values
	}

	result := flagEngine.IsFeatureEnabled(key, userID, evalCtx)
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleGetVariant returns the user's permanent A/B variant for a flag.
func HandleGetVariant(c *fiber.Ctx) error {
	key := c.Params("key")
	userID, ok := currentUserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing user identity"})
	}

	variant, err := flagEngine.VariantFor(key, userID)
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"key": key, "variant": variant})
}

// HandleUpdateFlag creates or updates a flag definition (admin).
func HandleUpdateFlag(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Params("key"))

	var req flagUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid request body"})
	}

	flag := &models.FeatureFlag{
		Key:               key,
		Description:       req.Description,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
	}
	if err := flag.SetUserSegments(req.UserSegments); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid user segments"})
	}
	if err := flag.SetConditions(req.Conditions); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid conditions"})
	}
	if err := flag.SetMetadata(req.Metadata); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid metadata"})
	}

	if err := flagEngine.UpdateFlag(flag); err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(flag)
}

// HandleAdvanceRolloutStage applies the next stage of the flag's rollout plan.
func HandleAdvanceRolloutStage(c *fiber.Ctx) error {
	flag, err := flagEngine.AdvanceRolloutStage(c.Params("key"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(flag)
}

// HandleListFlags lists all flag definitions (admin).
func HandleListFlags(c *fiber.Ctx) error {
	flags, err := flagEngine.ListFlags()
	if err != nil {
		return jsonError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"flags": flags})
}

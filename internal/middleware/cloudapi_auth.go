package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/chatshop-backend/internal/services"
)

// ValidateCloudAPISignature checks X-Hub-Signature-256 against the app secret.
// With no secret configured every request passes.
func ValidateCloudAPISignature(appSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if appSecret == "" {
			return c.Next()
		}
		if !services.VerifyCloudAPISignature(appSecret, c.Body(), c.Get("X-Hub-Signature-256")) {
			slog.Warn("Rejected Cloud API webhook with invalid signature")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}
		return c.Next()
	}
}

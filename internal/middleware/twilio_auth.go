package middleware

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/twilio/twilio-go/client"
)

// ValidateTwilioSignature validates that the webhook request is from Twilio.
// baseURL, when set, replaces scheme and host of the signed URL (requests behind a proxy
// see a different host than the one Twilio signed).
func ValidateTwilioSignature(authToken, baseURL string) fiber.Handler {
	validator := client.NewRequestValidator(authToken)

	return func(c *fiber.Ctx) error {
		twilioSignature := c.Get("X-Twilio-Signature")
		if twilioSignature == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing Twilio signature",
			})
		}

		formParams := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			formParams[string(key)] = string(value)
		})

		fullURL := getFullURL(c, baseURL)
		if !validator.Validate(fullURL, formParams, twilioSignature) {
			slog.Warn("Rejected Twilio webhook with invalid signature", "url", fullURL)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		return c.Next()
	}
}

// getFullURL constructs the URL Twilio signed
func getFullURL(c *fiber.Ctx, baseURL string) string {
	if baseURL != "" {
		return strings.TrimRight(baseURL, "/") + c.OriginalURL()
	}

	protocol := "https"
	if c.Protocol() == "http" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.Hostname(), c.OriginalURL())
}

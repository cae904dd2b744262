package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/chatshop-backend/internal/services"
)

// LocalsPaymentParams holds the verified callback parameters
const LocalsPaymentParams = "payment_params"

// ValidatePaymentSignature rejects gateway callbacks whose "s" parameter does not match
// the resolved tenant's secret. It must run after ResolveTenant.
func ValidatePaymentSignature(payments *services.PaymentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant := TenantFrom(c)
		if tenant == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Tenant not resolved",
			})
		}

		params := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			params[string(key)] = string(value)
		})

		if !services.VerifySignature(payments.CredentialsFor(tenant).SecretKey, params) {
			slog.Warn("Rejected payment callback with invalid signature",
				"tenant_id", tenant.ID, "order_id", params["commerceOrder"])
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid signature",
			})
		}

		c.Locals(LocalsPaymentParams, params)
		return c.Next()
	}
}

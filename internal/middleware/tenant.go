package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
)

// LocalsTenant holds the resolved *models.Tenant
const LocalsTenant = "tenant"

// ResolveTenant resolves the tenant from the configured header or the host subdomain
func ResolveTenant(resolver *services.TenantResolver, header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tenant, err := resolver.Resolve(c.UserContext(), services.RequestSignals{
			TenantHeader: c.Get(header),
			Host:         c.Hostname(),
		})
		if errors.Is(err, services.ErrTenantNotResolved) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Tenant not resolved",
			})
		}
		if err != nil {
			slog.Error("Tenant resolution failed", "host", c.Hostname(), "error", err)
			return fiber.NewError(fiber.StatusServiceUnavailable, "tenant registry unavailable")
		}

		c.Locals(LocalsTenant, tenant)
		return c.Next()
	}
}

// TenantFrom returns the tenant stored by ResolveTenant, or nil
func TenantFrom(c *fiber.Ctx) *models.Tenant {
	t, _ := c.Locals(LocalsTenant).(*models.Tenant)
	return t
}

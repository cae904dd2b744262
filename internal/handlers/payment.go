package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/chatshop-backend/internal/middleware"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

// PaymentHandler receives payment gateway callbacks
type PaymentHandler struct {
	payments *services.PaymentService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// HandleWebhook applies a signed gateway callback. The tenant and the verified params
// come from the ResolveTenant and ValidatePaymentSignature middleware.
func (h *PaymentHandler) HandleWebhook(c *fiber.Ctx) error {
	tenant := middleware.TenantFrom(c)
	params, _ := c.Locals(middleware.LocalsPaymentParams).(map[string]string)
	if tenant == nil || params == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid callback",
		})
	}

	result, err := h.payments.HandleCallback(c.UserContext(), tenant, params)
	switch {
	case errors.Is(err, services.ErrSignatureInvalid):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	case errors.Is(err, storage.ErrNotFound):
		slog.Warn("Payment callback for unknown order", "tenant_id", tenant.ID, "order_id", params["commerceOrder"])
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Order not found",
		})
	case err != nil:
		slog.Error("Payment callback failed", "tenant_id", tenant.ID, "order_id", params["commerceOrder"], "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process callback",
		})
	}

	slog.Info("Payment callback processed", "tenant_id", tenant.ID, "order_id", params["commerceOrder"], "result", result)
	return c.JSON(fiber.Map{
		"status": string(result),
	})
}

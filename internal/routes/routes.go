package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/chatshop-backend/internal/config"
	"github.com/Ananth-NQI/chatshop-backend/internal/handlers"
	"github.com/Ananth-NQI/chatshop-backend/internal/middleware"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
)

// Dependencies are the services the HTTP layer is built from
type Dependencies struct {
	Config       *config.Config
	Conversation *services.ConversationService
	Resolver     *services.TenantResolver
	Payments     *services.PaymentService
	CloudSender  services.ReplySender
	Health       *handlers.HealthHandler
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, deps Dependencies) {
	cfg := deps.Config

	whatsapp := handlers.NewWhatsAppHandler(deps.Conversation, deps.Resolver, cfg.Tenant.Header, deps.CloudSender, cfg.CloudAPI.VerifyToken)
	payment := handlers.NewPaymentHandler(deps.Payments)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Welcome to ChatShop Backend!",
			"version": deps.Health.Version,
			"endpoints": fiber.Map{
				"health":   "/health",
				"twilio":   "/webhook/twilio",
				"cloudapi": "/webhook/cloudapi",
				"payment":  "/webhook/payment",
			},
		})
	})
	app.Get("/health", deps.Health.Check)

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")

	if cfg.Twilio.ValidateSigs {
		webhooks.Post("/twilio", middleware.ValidateTwilioSignature(cfg.Twilio.AuthToken, cfg.Twilio.WebhookBaseURL), whatsapp.HandleTwilioWebhook)
	} else {
		slog.Warn("Twilio webhook signature validation DISABLED")
		webhooks.Post("/twilio", whatsapp.HandleTwilioWebhook)
	}

	webhooks.Get("/cloudapi", whatsapp.VerifyCloudAPIWebhook)
	webhooks.Post("/cloudapi", middleware.ValidateCloudAPISignature(cfg.CloudAPI.AppSecret), whatsapp.HandleCloudAPIWebhook)

	webhooks.Post("/payment",
		middleware.ResolveTenant(deps.Resolver, cfg.Tenant.Header),
		middleware.ValidatePaymentSignature(deps.Payments),
		payment.HandleWebhook,
	)

	// ========== TEST ROUTES (Development Only) ==========
	if !cfg.IsProduction() {
		app.Post("/test/whatsapp", middleware.ResolveTenant(deps.Resolver, cfg.Tenant.Header), whatsapp.HandleTestWebhook)
	}
}

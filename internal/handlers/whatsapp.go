package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Ananth-NQI/chatshop-backend/internal/middleware"
	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
	"github.com/Ananth-NQI/chatshop-backend/internal/utils"
)

const cloudAPIConcurrency = 8

// WhatsAppHandler handles WhatsApp webhook requests from both providers
type WhatsAppHandler struct {
	conversation *services.ConversationService
	resolver     *services.TenantResolver
	tenantHeader string

	twilio      services.TwilioTransport
	cloud       services.CloudAPITransport
	cloudSender services.ReplySender
	verifyToken string
}

// NewWhatsAppHandler creates a new WhatsApp handler. cloudSender issues the outbound
// calls Cloud API replies need.
func NewWhatsAppHandler(conversation *services.ConversationService, resolver *services.TenantResolver, tenantHeader string, cloudSender services.ReplySender, verifyToken string) *WhatsAppHandler {
	return &WhatsAppHandler{
		conversation: conversation,
		resolver:     resolver,
		tenantHeader: tenantHeader,
		cloudSender:  cloudSender,
		verifyToken:  verifyToken,
	}
}

func (h *WhatsAppHandler) signals(c *fiber.Ctx) services.RequestSignals {
	return services.RequestSignals{
		TenantHeader: c.Get(h.tenantHeader),
		Host:         c.Hostname(),
	}
}

// HandleTwilioWebhook processes a form-encoded Twilio message and answers inline with TwiML.
// Anything that is not a customer message gets an empty response and a 200.
func (h *WhatsAppHandler) HandleTwilioWebhook(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/xml; charset=utf-8")

	messages, err := h.twilio.Receive(c.Body())
	if err != nil {
		slog.Warn("Ignoring malformed Twilio webhook", "error", err)
		return h.twiml(c, "", "")
	}
	if len(messages) == 0 {
		return h.twiml(c, "", "")
	}

	// Twilio delivers one message per request
	msg := messages[0]
	tenant, err := h.resolver.ResolveWebhook(c.UserContext(), h.signals(c), models.ChannelTwilio, msg.BusinessPhone)
	if err != nil {
		logResolveFailure(err, models.ChannelTwilio, msg.BusinessPhone)
		return h.twiml(c, "", "")
	}

	slog.Info("WhatsApp message received", "channel", models.ChannelTwilio, "tenant_id", tenant.ID, "phone", msg.Phone)
	reply, err := h.conversation.HandleMessage(c.UserContext(), tenant, msg)
	if err != nil {
		slog.Error("Error processing message", "tenant_id", tenant.ID, "phone", msg.Phone, "error", err)
		return h.twiml(c, "", "")
	}
	return h.twiml(c, msg.Phone, reply)
}

func (h *WhatsAppHandler) twiml(c *fiber.Ctx, to, text string) error {
	body, err := h.twilio.Render(to, text)
	if err != nil {
		slog.Error("Failed to render TwiML", "error", err)
		body, _ = h.twilio.Render("", "")
	}
	return c.Status(fiber.StatusOK).Send(body)
}

// VerifyCloudAPIWebhook answers Meta's subscription handshake
func (h *WhatsAppHandler) VerifyCloudAPIWebhook(c *fiber.Ctx) error {
	challenge, ok := services.VerifyCloudAPIHandshake(
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"), h.verifyToken)
	if !ok {
		return c.SendStatus(fiber.StatusForbidden)
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

// HandleCloudAPIWebhook processes a Cloud API envelope. Replies go out through the
// outbound API; the webhook itself is always acknowledged with 200.
func (h *WhatsAppHandler) HandleCloudAPIWebhook(c *fiber.Ctx) error {
	messages, err := h.cloud.Receive(c.Body())
	if err != nil {
		slog.Warn("Ignoring malformed Cloud API webhook", "error", err)
		return c.SendStatus(fiber.StatusOK)
	}
	if len(messages) == 0 {
		return c.SendStatus(fiber.StatusOK)
	}

	// Messages from one customer keep their order; different customers run in parallel
	byCustomer := make(map[string][]services.InboundMessage)
	var order []string
	for _, msg := range messages {
		key := msg.BusinessPhone + "|" + msg.Phone
		if _, seen := byCustomer[key]; !seen {
			order = append(order, key)
		}
		byCustomer[key] = append(byCustomer[key], msg)
	}

	ctx := c.UserContext()
	sig := h.signals(c)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cloudAPIConcurrency)
	for _, key := range order {
		batch := byCustomer[key]
		g.Go(func() error {
			for _, msg := range batch {
				h.processCloudMessage(gctx, sig, msg)
			}
			return nil
		})
	}
	_ = g.Wait()

	return c.SendStatus(fiber.StatusOK)
}

func (h *WhatsAppHandler) processCloudMessage(ctx context.Context, sig services.RequestSignals, msg services.InboundMessage) {
	tenant, err := h.resolver.ResolveWebhook(ctx, sig, models.ChannelCloudAPI, msg.BusinessPhone)
	if err != nil {
		logResolveFailure(err, models.ChannelCloudAPI, msg.BusinessPhone)
		return
	}

	slog.Info("WhatsApp message received", "channel", models.ChannelCloudAPI, "tenant_id", tenant.ID, "phone", msg.Phone)
	reply, err := h.conversation.HandleMessage(ctx, tenant, msg)
	if err != nil {
		slog.Error("Error processing message", "tenant_id", tenant.ID, "phone", msg.Phone, "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := h.cloudSender.SendReply(ctx, tenant, msg.Phone, reply); err != nil {
		slog.Error("Failed to send WhatsApp response", "tenant_id", tenant.ID, "phone", msg.Phone, "error", err)
	}
}

func logResolveFailure(err error, channel, businessPhone string) {
	if errors.Is(err, services.ErrTenantNotResolved) {
		slog.Warn("No tenant for inbound message", "channel", channel, "business_phone", businessPhone)
		return
	}
	slog.Error("Tenant resolution failed", "channel", channel, "business_phone", businessPhone, "error", err)
}

// TestWebhookPayload is the body of the development test endpoint
type TestWebhookPayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// HandleTestWebhook runs a message through the conversation without any provider
// (development only). The tenant comes from the ResolveTenant middleware.
func (h *WhatsAppHandler) HandleTestWebhook(c *fiber.Ctx) error {
	var payload TestWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid test payload",
		})
	}

	phone := utils.NormalizePhone(payload.From)
	if phone == "" || payload.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "from and message are required",
		})
	}

	tenant := middleware.TenantFrom(c)
	if tenant == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Tenant not resolved",
		})
	}

	reply, err := h.conversation.HandleMessage(c.UserContext(), tenant, services.InboundMessage{
		Phone: phone,
		Text:  payload.Message,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"tenant":   tenant.Slug,
		"response": reply,
	})
}

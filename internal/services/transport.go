package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

// ErrMalformedPayload is returned by Receive for bodies that cannot be parsed at all.
// Webhook handlers answer these with a 200 no-op.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// InboundMessage is a customer message normalized away from provider formats
type InboundMessage struct {
	MessageID     string // provider message id, used to drop redeliveries
	BusinessPhone string // Twilio "To" number or Cloud API phone_number_id
	Phone         string // customer, "+<digits>"
	Name          string
	Text          string
}

// Transport converts between a provider's webhook format and InboundMessage
type Transport interface {
	Channel() string

	// Receive extracts customer messages. Handshakes, status events and empty
	// envelopes yield no messages and no error.
	Receive(body []byte) ([]InboundMessage, error)

	// Render builds the provider payload for a reply to "to"
	Render(to, text string) ([]byte, error)
}

// ReplySender delivers a message to a customer outside of a webhook response
type ReplySender interface {
	SendReply(ctx context.Context, tenant *models.Tenant, to, text string) error
}

// ReplyRouter picks the sender matching the tenant's configured channel
type ReplyRouter struct {
	senders map[string]ReplySender
}

// NewReplyRouter creates a router. Nil senders are skipped so unconfigured channels
// fail loudly at send time instead of panicking.
func NewReplyRouter(senders map[string]ReplySender) *ReplyRouter {
	r := &ReplyRouter{senders: make(map[string]ReplySender)}
	for channel, s := range senders {
		if s != nil {
			r.senders[channel] = s
		}
	}
	return r
}

// SendReply implements ReplySender
func (r *ReplyRouter) SendReply(ctx context.Context, tenant *models.Tenant, to, text string) error {
	channel := tenant.Channel
	if channel == "" {
		channel = models.ChannelTwilio
	}
	s, ok := r.senders[channel]
	if !ok {
		return fmt.Errorf("no reply sender configured for channel %q (tenant %s)", channel, tenant.ID)
	}
	return s.SendReply(ctx, tenant, to, text)
}

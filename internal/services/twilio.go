package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/utils"
)

// TwilioWebhookPayload represents an incoming WhatsApp message from Twilio
type TwilioWebhookPayload struct {
	MessageSid  string `form:"MessageSid"`
	AccountSid  string `form:"AccountSid"`
	From        string `form:"From"` // whatsapp:+56912345678
	To          string `form:"To"`   // the tenant's Twilio number
	Body        string `form:"Body"`
	ProfileName string `form:"ProfileName"`
}

// TwilioTransport parses form webhooks and renders TwiML
type TwilioTransport struct{}

// Channel implements Transport
func (TwilioTransport) Channel() string { return models.ChannelTwilio }

// Receive implements Transport. Status callbacks carry no Body and are ignored.
func (TwilioTransport) Receive(body []byte) ([]InboundMessage, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	payload := TwilioWebhookPayload{
		MessageSid:  values.Get("MessageSid"),
		AccountSid:  values.Get("AccountSid"),
		From:        values.Get("From"),
		To:          values.Get("To"),
		Body:        values.Get("Body"),
		ProfileName: values.Get("ProfileName"),
	}

	phone := utils.NormalizePhone(payload.From)
	if phone == "" || payload.Body == "" {
		return nil, nil
	}
	return []InboundMessage{{
		MessageID:     payload.MessageSid,
		BusinessPhone: utils.NormalizePhone(payload.To),
		Phone:         phone,
		Name:          payload.ProfileName,
		Text:          payload.Body,
	}}, nil
}

// Render implements Transport. An empty text renders an empty <Response/>.
func (TwilioTransport) Render(to, text string) ([]byte, error) {
	var verbs []twiml.Element
	if text != "" {
		verbs = append(verbs, twiml.MessagingMessage{Body: text})
	}
	out, err := twiml.Messages(verbs)
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return []byte(out), nil
}

// messageCreator is the slice of the Twilio REST API we use
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioService sends out-of-band WhatsApp messages through the Twilio REST API
type TwilioService struct {
	api  messageCreator
	from string // default sender, "whatsapp:+14155238886"
}

// NewTwilioService creates a new Twilio service instance
func NewTwilioService(accountSID, authToken, from string) (*TwilioService, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioService{api: client.Api, from: from}, nil
}

// SendReply implements ReplySender. The tenant's own number is the sender when set.
func (t *TwilioService) SendReply(ctx context.Context, tenant *models.Tenant, to, text string) error {
	from := t.from
	if tenant != nil && tenant.BusinessPhone != "" {
		from = utils.WhatsAppAddress(tenant.BusinessPhone)
	}
	if from == "" {
		return fmt.Errorf("no Twilio sender number configured")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(utils.WhatsAppAddress(to))
	params.SetBody(text)

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := ""
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, msg)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("WhatsApp message sent", "channel", models.ChannelTwilio, "to", to, "sid", sid)
	return nil
}

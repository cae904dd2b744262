package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/utils"
)

type cloudEnvelope struct {
	Object string       `json:"object"`
	Entry  []cloudEntry `json:"entry"`
}

type cloudEntry struct {
	ID      string        `json:"id"`
	Changes []cloudChange `json:"changes"`
}

type cloudChange struct {
	Field string     `json:"field"`
	Value cloudValue `json:"value"`
}

type cloudValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []cloudMessage `json:"messages"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button,omitempty"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

// text returns whatever the customer typed or tapped
func (m cloudMessage) text() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	}
	return ""
}

type cloudOutbound struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

// CloudAPITransport parses WhatsApp Cloud API event envelopes
type CloudAPITransport struct{}

// Channel implements Transport
func (CloudAPITransport) Channel() string { return models.ChannelCloudAPI }

// Receive implements Transport. One envelope may carry events for several customers
// and several business numbers.
func (CloudAPITransport) Receive(body []byte) ([]InboundMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var env cloudEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var out []InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				phone := utils.NormalizePhone(m.From)
				text := strings.TrimSpace(m.text())
				if phone == "" || text == "" {
					continue
				}
				out = append(out, InboundMessage{
					MessageID:     m.ID,
					BusinessPhone: v.Metadata.PhoneNumberID,
					Phone:         phone,
					Name:          names[m.From],
					Text:          text,
				})
			}
		}
	}
	return out, nil
}

// Render implements Transport with the Graph API send-message body
func (CloudAPITransport) Render(to, text string) ([]byte, error) {
	msg := cloudOutbound{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(utils.NormalizePhone(to), "+"),
		Type:             "text",
	}
	msg.Text.Body = text
	return json.Marshal(msg)
}

// VerifyCloudAPIHandshake answers the GET subscription check. It returns the challenge
// to echo when the mode and token match.
func VerifyCloudAPIHandshake(mode, token, challenge, verifyToken string) (string, bool) {
	if verifyToken == "" || mode != "subscribe" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

// VerifyCloudAPISignature checks X-Hub-Signature-256 ("sha256=<hex>") over the raw body
func VerifyCloudAPISignature(appSecret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok || appSecret == "" {
		return false
	}
	h := hmac.New(sha256.New, []byte(appSecret))
	h.Write(body)
	want := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

// CloudAPIService sends messages through the Graph API
type CloudAPIService struct {
	graphURL    string
	accessToken string // used when the tenant has no token of its own
	client      *http.Client
	limiter     *rate.Limiter
	transport   CloudAPITransport
}

// NewCloudAPIService creates a sender limited to ratePerSec messages per second
func NewCloudAPIService(graphURL, accessToken string, ratePerSec float64, burst int) *CloudAPIService {
	if burst <= 0 {
		burst = 1
	}
	return &CloudAPIService{
		graphURL:    strings.TrimRight(graphURL, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// SendReply implements ReplySender
func (s *CloudAPIService) SendReply(ctx context.Context, tenant *models.Tenant, to, text string) error {
	if tenant == nil || tenant.PhoneNumberID == "" {
		return fmt.Errorf("tenant has no Cloud API phone_number_id")
	}
	token := tenant.WhatsAppAccessToken
	if token == "" {
		token = s.accessToken
	}
	if token == "" {
		return fmt.Errorf("no Cloud API access token for tenant %s", tenant.ID)
	}

	body, err := s.transport.Render(to, text)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("cloud api rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.graphURL+"/"+tenant.PhoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cloud api request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloud api send to %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cloud api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	slog.Debug("WhatsApp message sent", "channel", models.ChannelCloudAPI, "to", to, "tenant_id", tenant.ID)
	return nil
}

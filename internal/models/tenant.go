package models

import (
	"strings"
	"time"
)

// Channel identifies the WhatsApp provider a tenant is reached through
const (
	ChannelTwilio   = "twilio"   // form-encoded webhooks, TwiML replies
	ChannelCloudAPI = "cloudapi" // Meta Cloud API JSON envelopes
)

// Tenant is an independent merchant. Rows are created by onboarding outside this service
// and are read-only here.
type Tenant struct {
	ID       string `json:"id" gorm:"primaryKey;size:64"`
	Name     string `json:"name" gorm:"not null"`
	Slug     string `json:"slug" gorm:"uniqueIndex;size:63;not null"` // subdomain, immutable
	Currency string `json:"currency" gorm:"size:8;default:'CLP'"`
	Greeting string `json:"greeting"` // may contain {{name}}

	Channel       string `json:"channel" gorm:"size:16;default:'twilio'"`
	BusinessPhone string `json:"business_phone" gorm:"index"`  // Twilio "To" number, +E164
	PhoneNumberID string `json:"phone_number_id" gorm:"index"` // Cloud API metadata.phone_number_id

	// Optional per-tenant credentials; empty means the global ones from config
	WhatsAppAccessToken string `json:"-"`
	PaymentAPIKey       string `json:"-"`
	PaymentSecretKey    string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GreetingFor renders the tenant greeting, falling back to a default one
func (t *Tenant) GreetingFor() string {
	greeting := t.Greeting
	if strings.TrimSpace(greeting) == "" {
		greeting = "¡Hola! Bienvenido a {{name}} 👋"
	}
	return strings.ReplaceAll(greeting, "{{name}}", t.Name)
}

// DisplayCurrency returns the configured currency code or CLP
func (t *Tenant) DisplayCurrency() string {
	if t.Currency == "" {
		return "CLP"
	}
	return t.Currency
}

package utils

import (
	"strings"
	"unicode"
)

// NormalizePhone turns any provider representation into "+<digits>".
// "whatsapp:+56 9 1234-5678" and "56912345678" both become "+56912345678".
// It returns "" when no digits are present.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}

	var b strings.Builder
	b.WriteByte('+')
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

// WhatsAppAddress formats a phone for the Twilio WhatsApp channel
func WhatsAppAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	return "whatsapp:" + NormalizePhone(phone)
}

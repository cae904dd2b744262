package utils

import (
	"strings"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"whatsapp:+56912345678", "+56912345678"},
		{"+56 9 1234-5678", "+56912345678"},
		{"56912345678", "+56912345678"},
		{" whatsapp:+1 (415) 555-0100 ", "+14155550100"},
		{"", ""},
		{"whatsapp:", ""},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWhatsAppAddress(t *testing.T) {
	if got := WhatsAppAddress("56912345678"); got != "whatsapp:+56912345678" {
		t.Errorf("got %q", got)
	}
	if got := WhatsAppAddress("whatsapp:+1"); got != "whatsapp:+1" {
		t.Errorf("got %q", got)
	}
}

func TestGenerateOrderID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := GenerateOrderID()
		if err != nil {
			t.Fatalf("GenerateOrderID: %v", err)
		}
		if !strings.HasPrefix(id, "PED-") || len(id) != 4+OrderIDLength {
			t.Fatalf("unexpected id format %q", id)
		}
		if !LooksLikeOrderID(id) {
			t.Fatalf("LooksLikeOrderID(%q) = false", id)
		}
		seen[id] = true
	}
	if len(seen) < 190 {
		t.Errorf("too many collisions: %d unique of 200", len(seen))
	}
}

func TestNormalizeOrderID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ped-7kq2mx", "PED-7KQ2MX"},
		{"#PED-7KQ2MX", "PED-7KQ2MX"},
		{"7kq2mx", "PED-7KQ2MX"},
		{"PED7KQ2MX", "PED-7KQ2MX"},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := NormalizeOrderID(tt.in); got != tt.want {
			t.Errorf("NormalizeOrderID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if LooksLikeOrderID("hola") {
		t.Error("hola should not look like an order id")
	}
}

package services

import (
	"testing"
)

func TestCanonicalString(t *testing.T) {
	t.Parallel()

	got := CanonicalString(map[string]string{
		"status":        "2",
		"commerceOrder": "PED-ABC234",
		"amount":        "50",
		"s":             "ignored",
		"subject":       "a b&c",
	})
	want := "amount=50&commerceOrder=PED-ABC234&status=2&subject=a b&c"
	if got != want {
		t.Fatalf("CanonicalString = %q, want %q", got, want)
	}
}

func TestSignKnownVector(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"currency":      "CLP",
		"apiKey":        "api-key",
		"commerceOrder": "PED-ABC234",
		"amount":        "50",
	}
	want := "f37391f8eec91b09acd854e22d8ee7a73e164b33a31d1644db63f00df51a816f"
	if got := Sign("flow-secret", params); got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []map[string]string{
		{},
		{"commerceOrder": "PED-ABC234", "status": "2"},
		{"apiKey": "k", "amount": "15000", "subject": "Pedido PED-ABC234", "email": "a@b.cl"},
		{"unicode": "ñandú café", "empty": ""},
	}
	for _, params := range cases {
		signed := SignParams("secret", params)
		if !VerifySignature("secret", signed) {
			t.Errorf("round trip failed for %v", params)
		}
		if _, ok := params[SignatureKey]; ok {
			t.Errorf("SignParams mutated its input")
		}
	}
}

func TestSignatureTamperedFails(t *testing.T) {
	t.Parallel()

	signed := SignParams("secret", map[string]string{"commerceOrder": "PED-ABC234", "status": "2"})
	sig := signed[SignatureKey]

	for i := range sig {
		flipped := []byte(sig)
		if flipped[i] == 'a' {
			flipped[i] = 'b'
		} else {
			flipped[i] = 'a'
		}
		tampered := map[string]string{"commerceOrder": "PED-ABC234", "status": "2", SignatureKey: string(flipped)}
		if VerifySignature("secret", tampered) {
			t.Fatalf("flipping char %d still verified", i)
		}
	}
}

func TestSignatureRejects(t *testing.T) {
	t.Parallel()

	params := map[string]string{"commerceOrder": "PED-ABC234", "status": "2"}
	signed := SignParams("secret", params)

	if VerifySignature("other", signed) {
		t.Error("wrong secret verified")
	}
	if VerifySignature("secret", params) {
		t.Error("missing signature verified")
	}

	changed := SignParams("secret", params)
	changed["status"] = "1"
	if VerifySignature("secret", changed) {
		t.Error("changed payload verified")
	}
}

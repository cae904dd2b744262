package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SignatureKey is the reserved parameter that carries the signature
const SignatureKey = "s"

// CanonicalString sorts keys and joins "key=value" pairs with "&", without escaping.
// The signature key itself is never part of the input.
func CanonicalString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == SignatureKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the canonical string
func Sign(secret string, params map[string]string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(CanonicalString(params)))
	return hex.EncodeToString(h.Sum(nil))
}

// SignParams returns a copy of params with the signature attached under "s"
func SignParams(secret string, params map[string]string) map[string]string {
	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed[SignatureKey] = Sign(secret, params)
	return signed
}

// VerifySignature pops "s" and compares it in constant time with a fresh signature
// over the remaining parameters. A missing signature never verifies.
func VerifySignature(secret string, params map[string]string) bool {
	got, ok := params[SignatureKey]
	if !ok || got == "" || secret == "" {
		return false
	}
	want := Sign(secret, params)
	return hmac.Equal([]byte(got), []byte(want))
}

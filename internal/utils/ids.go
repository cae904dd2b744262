package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// orderIDAlphabet skips characters that are easy to mistype on a phone keyboard (0/O, 1/I/L)
const orderIDAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// OrderIDLength is the number of random characters after the prefix
const OrderIDLength = 6

// GenerateOrderID generates a short, customer-typeable order id such as "PED-7KQ2MX"
func GenerateOrderID() (string, error) {
	var b strings.Builder
	b.WriteString("PED-")

	max := big.NewInt(int64(len(orderIDAlphabet)))
	for i := 0; i < OrderIDLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		b.WriteByte(orderIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeOrderID uppercases a typed order id and restores the prefix if the customer
// left it out
func NormalizeOrderID(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimPrefix(s, "#")
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "PED-") {
		if strings.HasPrefix(s, "PED") && len(s)-3 == OrderIDLength {
			s = s[3:]
		}
		s = "PED-" + s
	}
	return s
}

// LooksLikeOrderID reports whether a token could be an order id
func LooksLikeOrderID(s string) bool {
	id := NormalizeOrderID(s)
	body := strings.TrimPrefix(id, "PED-")
	if len(body) != OrderIDLength {
		return false
	}
	for _, r := range body {
		if !strings.ContainsRune(orderIDAlphabet, r) {
			return false
		}
	}
	return true
}

package storage

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

// Normalize lowercases text and strips accents so "Café" matches "cafe"
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, out)
	return strings.Join(strings.Fields(out), " ")
}

// matchScore ranks how well text refers to a product name.
// 0 means no match.
func matchScore(text, name string) int {
	text, name = Normalize(text), Normalize(name)
	if text == "" || name == "" {
		return 0
	}
	if text == name {
		return 100
	}
	if strings.Contains(" "+text+" ", " "+name+" ") {
		return 80
	}
	if strings.Contains(name, text) && len(text) >= 3 {
		return 60
	}

	nameWords := strings.Fields(name)
	hits := 0
	for _, w := range strings.Fields(text) {
		if len(w) < 3 {
			continue
		}
		for _, nw := range nameWords {
			if w == nw {
				hits++
				break
			}
		}
	}
	if hits == 0 {
		return 0
	}
	return 10 + 40*hits/len(nameWords)
}

// BestMatch picks the single best product for text
func BestMatch(products []models.Product, text string) (*models.Product, error) {
	best, bestScore, tie := -1, 0, false
	for i := range products {
		score := matchScore(text, products[i].Name)
		switch {
		case score == 0:
			continue
		case score > bestScore:
			best, bestScore, tie = i, score, false
		case score == bestScore:
			tie = true
		}
	}
	if best < 0 {
		return nil, ErrNotFound
	}
	if tie {
		return nil, ErrAmbiguousMatch
	}
	p := products[best]
	return &p, nil
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
	"github.com/Ananth-NQI/chatshop-backend/internal/utils"
)

// IntentKind is the coarse action a message asks for
type IntentKind string

const (
	IntentUnknown          IntentKind = "unknown"
	IntentGreeting         IntentKind = "greeting"
	IntentCatalogQuery     IntentKind = "catalog_query"
	IntentCategoryQuery    IntentKind = "category_query"
	IntentProductSelection IntentKind = "product_selection"
	IntentQuantity         IntentKind = "quantity"
	IntentAffirmative      IntentKind = "affirmative"
	IntentNegative         IntentKind = "negative"
	IntentCancel           IntentKind = "cancel"
	IntentPaid             IntentKind = "paid"
	IntentCheckOrder       IntentKind = "check_order"
)

// Intent is a classifier guess. Product and category guesses are unverified and must be
// checked against the catalog before use.
type Intent struct {
	Kind         IntentKind `json:"intent"`
	Category     string     `json:"category,omitempty"`
	ProductGuess string     `json:"product,omitempty"`
	Quantity     int        `json:"quantity,omitempty"`
	OrderID      string     `json:"order_id,omitempty"`
}

// IntentClassifier maps free text to an Intent
type IntentClassifier interface {
	Classify(ctx context.Context, text string, products []models.Product, tenant *models.Tenant) (Intent, error)
}

var (
	cancelWords      = wordSet("cancelar", "cancela", "cancelo", "anular", "anula", "salir", "cancel")
	paidWords        = wordSet("pague", "pagado", "pagada", "pagué", "paid")
	greetingWords    = wordSet("hola", "buenas", "buenos", "saludos", "hello", "hi", "ola")
	affirmativeWords = wordSet("si", "sip", "dale", "ok", "okay", "confirmo", "confirmar", "claro", "yes", "bueno", "listo", "perfecto")
	negativeWords    = wordSet("no", "nop", "nope", "negativo")
	catalogWords     = wordSet("catalogo", "productos", "menu", "carta", "lista", "tienen", "ofrecen", "venden", "opciones")
	checkWords       = wordSet("estado", "seguimiento", "rastrear", "revisar", "consultar")

	spanishNumerals = map[string]int{"uno": 1, "una": 1, "un": 1, "dos": 2, "tres": 3, "cuatro": 4, "cinco": 5}
)

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[storage.Normalize(w)] = true
	}
	return set
}

func hasAny(words []string, set map[string]bool) bool {
	for _, w := range words {
		if set[w] {
			return true
		}
	}
	return false
}

// ParseQuantity reads a positive quantity: digits first, then Spanish numerals one to five.
// Signed or fractional numbers ("-3", "2.5", "1.000") are not quantities. It returns 0
// when nothing matches.
func ParseQuantity(text string) int {
	n, _ := parseQuantity(text)
	return n
}

// parseQuantity also reports whether text carried a number that is not a valid quantity
func parseQuantity(text string) (n int, invalid bool) {
	for _, tok := range strings.Fields(text) {
		tok = strings.TrimSuffix(strings.Trim(tok, "¿?¡!,;:()\"'"), ".")
		if !strings.ContainsAny(tok, "0123456789") {
			continue
		}
		if strings.ContainsAny(tok, "+-.,") {
			return 0, true
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if v <= 0 {
			return 0, true
		}
		return v, false
	}
	for _, w := range normWords(text) {
		if n, ok := spanishNumerals[w]; ok {
			return n, false
		}
	}
	return 0, false
}

func normWords(text string) []string {
	return strings.Fields(storage.Normalize(text))
}

func isCancel(text string) bool { return hasAny(normWords(text), cancelWords) }

func isPaidSignal(text string) bool {
	return hasAny(normWords(text), paidWords) || strings.Contains(storage.Normalize(text), "ya pague")
}

func isAffirmative(text string) bool {
	words := normWords(text)
	return len(words) <= 4 && hasAny(words, affirmativeWords) && !hasAny(words, negativeWords)
}

func isNegative(text string) bool {
	words := normWords(text)
	return len(words) <= 4 && hasAny(words, negativeWords)
}

func isGreeting(text string) bool {
	words := normWords(text)
	return len(words) <= 4 && hasAny(words, greetingWords)
}

// findOrderID picks the first token shaped like an order id ("PED-XXXXXX")
func findOrderID(text string) string {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,;:!?¿¡()\"'")
		if strings.HasPrefix(strings.ToUpper(tok), "PED") && utils.LooksLikeOrderID(tok) {
			return utils.NormalizeOrderID(tok)
		}
	}
	return ""
}

// KeywordClassifier is the deterministic, offline classifier. It is also the fallback
// when a language model is unreachable.
type KeywordClassifier struct{}

// Classify implements IntentClassifier
func (KeywordClassifier) Classify(ctx context.Context, text string, products []models.Product, tenant *models.Tenant) (Intent, error) {
	norm := storage.Normalize(text)
	words := strings.Fields(norm)
	if len(words) == 0 {
		return Intent{Kind: IntentUnknown}, nil
	}

	switch {
	case hasAny(words, cancelWords):
		return Intent{Kind: IntentCancel}, nil
	case hasAny(words, paidWords) || strings.Contains(norm, "ya pague"):
		return Intent{Kind: IntentPaid}, nil
	}

	if id := findOrderID(text); id != "" {
		return Intent{Kind: IntentCheckOrder, OrderID: id}, nil
	}
	if hasAny(words, checkWords) || strings.Contains(norm, "mi pedido") {
		return Intent{Kind: IntentCheckOrder}, nil
	}

	if p, err := storage.BestMatch(products, norm); err == nil || errors.Is(err, storage.ErrAmbiguousMatch) {
		intent := Intent{Kind: IntentProductSelection, ProductGuess: text, Quantity: quantityOutsideName(text, p)}
		return intent, nil
	}

	if cat := matchCategory(words, norm, products); cat != "" {
		return Intent{Kind: IntentCategoryQuery, Category: cat}, nil
	}
	if hasAny(words, catalogWords) {
		return Intent{Kind: IntentCatalogQuery}, nil
	}

	switch {
	case hasAny(words, greetingWords):
		return Intent{Kind: IntentGreeting}, nil
	case len(words) <= 3 && hasAny(words, affirmativeWords):
		return Intent{Kind: IntentAffirmative}, nil
	case len(words) <= 3 && hasAny(words, negativeWords):
		return Intent{Kind: IntentNegative}, nil
	}

	if q := ParseQuantity(text); q > 0 && len(words) <= 3 {
		return Intent{Kind: IntentQuantity, Quantity: q}, nil
	}
	return Intent{Kind: IntentUnknown}, nil
}

// quantityOutsideName parses a quantity from the words that are not part of the
// product name, so "Pack 6 cervezas" does not read as quantity 6
func quantityOutsideName(text string, p *models.Product) int {
	if p == nil {
		return ParseQuantity(text)
	}
	nameWords := wordSet(strings.Fields(storage.Normalize(p.Name))...)
	var rest []string
	for _, tok := range strings.Fields(text) {
		inName := true
		for _, w := range normWords(tok) {
			if !nameWords[w] {
				inName = false
				break
			}
		}
		if !inName {
			rest = append(rest, tok)
		}
	}
	return ParseQuantity(strings.Join(rest, " "))
}

func matchCategory(words []string, norm string, products []models.Product) string {
	seen := make(map[string]bool)
	for _, p := range products {
		cat := storage.Normalize(p.Category)
		if cat == "" || seen[cat] {
			continue
		}
		seen[cat] = true
		if strings.Contains(" "+norm+" ", " "+cat+" ") {
			return p.Category
		}
		// plural form, "flores" for "flor"
		for _, w := range words {
			if w == cat+"s" || w == cat+"es" {
				return p.Category
			}
		}
	}
	return ""
}

// FallbackClassifier asks the primary classifier and falls back to the secondary on error
type FallbackClassifier struct {
	Primary   IntentClassifier
	Secondary IntentClassifier
}

// Classify implements IntentClassifier
func (f FallbackClassifier) Classify(ctx context.Context, text string, products []models.Product, tenant *models.Tenant) (Intent, error) {
	intent, err := f.Primary.Classify(ctx, text, products, tenant)
	if err == nil && intent.Kind != "" {
		return intent, nil
	}
	if err != nil {
		slog.Warn("Intent classifier failed, using fallback", "error", err)
	}
	return f.Secondary.Classify(ctx, text, products, tenant)
}

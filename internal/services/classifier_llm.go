package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

const classifierInstructions = `Eres el clasificador de intención de una tienda que vende por WhatsApp.
Responde SOLO con JSON válido, sin texto fuera del JSON, con este formato:
{"intent":"...","category":"","product":"","quantity":0,"order_id":""}
Valores posibles de "intent": greeting, catalog_query, category_query, product_selection,
quantity, affirmative, negative, cancel, paid, check_order, unknown.
Usa "product" solo con nombres que aparezcan en el catálogo y "category" solo con
categorías del catálogo. "quantity" es la cantidad pedida si el cliente la indicó.`

// classifierPrompt renders the catalog the model may refer to
func classifierPrompt(text string, products []models.Product, tenant *models.Tenant) string {
	var b strings.Builder
	if tenant != nil {
		fmt.Fprintf(&b, "Tienda: %s\n", tenant.Name)
	}
	b.WriteString("Catálogo:\n")
	for _, p := range products {
		fmt.Fprintf(&b, "- %s (categoría: %s)\n", p.Name, p.Category)
	}
	fmt.Fprintf(&b, "\nMensaje del cliente: %q\n", text)
	return b.String()
}

// parseIntentJSON accepts the model output, tolerating code fences around the JSON
func parseIntentJSON(raw string) (Intent, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	if i := strings.Index(raw, "{"); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndex(raw, "}"); i >= 0 && i < len(raw)-1 {
		raw = raw[:i+1]
	}

	var intent Intent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &intent); err != nil {
		return Intent{}, fmt.Errorf("decode classifier output: %w", err)
	}
	switch intent.Kind {
	case IntentGreeting, IntentCatalogQuery, IntentCategoryQuery, IntentProductSelection,
		IntentQuantity, IntentAffirmative, IntentNegative, IntentCancel, IntentPaid,
		IntentCheckOrder, IntentUnknown:
	default:
		return Intent{}, fmt.Errorf("classifier returned unknown intent %q", intent.Kind)
	}
	if intent.Quantity < 0 {
		intent.Quantity = 0
	}
	return intent, nil
}

// OpenAIClassifier classifies with an OpenAI chat model in JSON mode
type OpenAIClassifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClassifier creates a classifier. baseURL may point at any compatible endpoint.
func NewOpenAIClassifier(apiKey, model, baseURL string, timeout time.Duration) *OpenAIClassifier {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClassifier{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// Classify implements IntentClassifier
func (c *OpenAIClassifier) Classify(ctx context.Context, text string, products []models.Product, tenant *models.Tenant) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierInstructions},
			{Role: openai.ChatMessageRoleUser, Content: classifierPrompt(text, products, tenant)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("openai classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Intent{}, fmt.Errorf("openai classify: empty choices")
	}
	return parseIntentJSON(resp.Choices[0].Message.Content)
}

// GeminiClassifier classifies with a Gemini model
type GeminiClassifier struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGeminiClassifier creates a classifier backed by the Gemini API
func NewGeminiClassifier(ctx context.Context, apiKey, modelName string, timeout time.Duration) (*GeminiClassifier, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(classifierInstructions))

	return &GeminiClassifier{client: client, model: model, timeout: timeout}, nil
}

// Classify implements IntentClassifier
func (g *GeminiClassifier) Classify(ctx context.Context, text string, products []models.Product, tenant *models.Tenant) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.Text(classifierPrompt(text, products, tenant)))
	if err != nil {
		return Intent{}, fmt.Errorf("gemini classify: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Intent{}, fmt.Errorf("gemini classify: empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return parseIntentJSON(b.String())
}

// Close releases the Gemini client
func (g *GeminiClassifier) Close() error {
	return g.client.Close()
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	UseMemoryStore bool

	Database   DatabaseConfig
	Tenant     TenantConfig
	Twilio     TwilioConfig
	CloudAPI   CloudAPIConfig
	Payment    PaymentConfig
	Classifier ClassifierConfig
	Sweeper    SweeperConfig
}

// DatabaseConfig is the PostgreSQL connection. INSTANCE_CONNECTION_NAME switches to the
// Cloud SQL unix socket.
type DatabaseConfig struct {
	Host                   string
	Port                   string
	User                   string
	Password               string
	Name                   string
	InstanceConnectionName string
}

// TenantConfig controls tenant resolution
type TenantConfig struct {
	Header          string
	CacheTTL        time.Duration
	CacheStale      time.Duration // how long an expired entry is served while it refreshes
	DefaultTenantID string        // legacy single-tenant fallback, empty disables it
}

// TwilioConfig holds provider A credentials
type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	WhatsAppFrom   string
	ValidateSigs   bool
	WebhookBaseURL string // public URL the provider signs against, empty uses the request URL
}

// CloudAPIConfig holds provider B credentials
type CloudAPIConfig struct {
	GraphURL    string
	AccessToken string
	AppSecret   string
	VerifyToken string
	RatePerSec  float64
	Burst       int
}

// PaymentConfig is the Flow-style gateway
type PaymentConfig struct {
	BaseURL          string
	APIKey           string
	SecretKey        string
	Timeout          time.Duration
	PublicBaseDomain string
	ReturnURL        string
}

// ClassifierConfig selects the language model behind intent classification
type ClassifierConfig struct {
	Provider      string // "keyword", "openai" or "gemini"
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiModel   string
	Timeout       time.Duration
}

// SweeperConfig drives the inactivity sweeper
type SweeperConfig struct {
	Interval      time.Duration
	WarningAfter  time.Duration
	FinalizeAfter time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryStore: getEnvBool("USE_MEMORY_STORE", false),
		Database: DatabaseConfig{
			Host:                   getEnv("DB_HOST", "localhost"),
			Port:                   getEnv("DB_PORT", "5432"),
			User:                   getEnv("DB_USER", ""),
			Password:               getEnv("DB_PASS", ""),
			Name:                   getEnv("DB_NAME", ""),
			InstanceConnectionName: getEnv("INSTANCE_CONNECTION_NAME", ""),
		},
		Tenant: TenantConfig{
			Header:          getEnv("TENANT_HEADER", "X-Tenant-ID"),
			CacheTTL:        getEnvDuration("TENANT_CACHE_TTL", 60*time.Second),
			CacheStale:      getEnvDuration("TENANT_CACHE_STALE", 60*time.Second),
			DefaultTenantID: getEnv("DEFAULT_TENANT_ID", ""),
		},
		Twilio: TwilioConfig{
			AccountSID:     getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:      getEnv("TWILIO_AUTH_TOKEN", ""),
			WhatsAppFrom:   getEnv("TWILIO_WHATSAPP_FROM", ""),
			ValidateSigs:   getEnvBool("TWILIO_VALIDATE_SIGNATURE", false),
			WebhookBaseURL: getEnv("TWILIO_WEBHOOK_BASE_URL", ""),
		},
		CloudAPI: CloudAPIConfig{
			GraphURL:    getEnv("CLOUDAPI_GRAPH_URL", "https://graph.facebook.com/v19.0"),
			AccessToken: getEnv("CLOUDAPI_ACCESS_TOKEN", ""),
			AppSecret:   getEnv("CLOUDAPI_APP_SECRET", ""),
			VerifyToken: getEnv("CLOUDAPI_VERIFY_TOKEN", ""),
			RatePerSec:  getEnvFloat("CLOUDAPI_RATE_PER_SEC", 20),
			Burst:       getEnvInt("CLOUDAPI_BURST", 5),
		},
		Payment: PaymentConfig{
			BaseURL:          getEnv("FLOW_API_URL", "https://sandbox.flow.cl/api"),
			APIKey:           getEnv("FLOW_API_KEY", ""),
			SecretKey:        getEnv("FLOW_SECRET_KEY", ""),
			Timeout:          getEnvDuration("FLOW_TIMEOUT", 10*time.Second),
			PublicBaseDomain: getEnv("PUBLIC_BASE_DOMAIN", ""),
			ReturnURL:        getEnv("FLOW_RETURN_URL", ""),
		},
		Classifier: ClassifierConfig{
			Provider:      strings.ToLower(getEnv("CLASSIFIER_PROVIDER", "keyword")),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
			GeminiModel:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
			Timeout:       getEnvDuration("CLASSIFIER_TIMEOUT", 8*time.Second),
		},
		Sweeper: SweeperConfig{
			Interval:      getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
			WarningAfter:  getEnvDuration("WARNING_AFTER", 10*time.Minute),
			FinalizeAfter: getEnvDuration("FINALIZE_AFTER", 30*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if !c.UseMemoryStore && (c.Database.User == "" || c.Database.Name == "") {
		return fmt.Errorf("DB_USER and DB_NAME are required unless USE_MEMORY_STORE=true")
	}
	if c.Tenant.Header == "" {
		return fmt.Errorf("TENANT_HEADER cannot be empty")
	}
	if c.Tenant.CacheTTL <= 0 {
		return fmt.Errorf("TENANT_CACHE_TTL must be > 0")
	}
	if c.Tenant.CacheStale < 0 {
		return fmt.Errorf("TENANT_CACHE_STALE cannot be negative")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Sweeper.WarningAfter <= 0 || c.Sweeper.FinalizeAfter <= c.Sweeper.WarningAfter {
		return fmt.Errorf("FINALIZE_AFTER must be greater than WARNING_AFTER > 0")
	}
	if c.Payment.Timeout <= 0 {
		return fmt.Errorf("FLOW_TIMEOUT must be > 0")
	}
	switch c.Classifier.Provider {
	case "keyword":
	case "openai":
		if c.Classifier.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for CLASSIFIER_PROVIDER=openai")
		}
	case "gemini":
		if c.Classifier.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for CLASSIFIER_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown CLASSIFIER_PROVIDER %q", c.Classifier.Provider)
	}
	return nil
}

// IsProduction returns true when running with ENVIRONMENT=production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/Ananth-NQI/chatshop-backend/database"
	"github.com/Ananth-NQI/chatshop-backend/internal/cache"
	"github.com/Ananth-NQI/chatshop-backend/internal/config"
	"github.com/Ananth-NQI/chatshop-backend/internal/handlers"
	"github.com/Ananth-NQI/chatshop-backend/internal/jobs"
	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/routes"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

const version = "1.0.0"

// messageDedupeTTL covers provider redelivery windows
const messageDedupeTTL = 10 * time.Minute

func main() {
	// Load .env file for local development
	if os.Getenv("INSTANCE_CONNECTION_NAME") == "" {
		if err := godotenv.Load(".env"); err != nil {
			if err := godotenv.Load("environments/.env.development"); err != nil {
				slog.Info("No .env file found, using environment variables")
			}
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg)

	// Initialize storage
	var store storage.Store
	storageType := "PostgreSQL Database"
	if cfg.UseMemoryStore {
		slog.Warn("Using in-memory storage (not for production!)")
		store = storage.NewMemoryStore()
		storageType = "In-Memory (Testing)"
	} else {
		db, err := database.Connect(cfg.Database)
		if err != nil {
			slog.Error("Database connection failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Running database migrations")
		if err := database.Migrate(db); err != nil {
			slog.Error("Database migration failed", "error", err)
			os.Exit(1)
		}
		store = storage.NewDatabaseStore(db)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Outbound senders
	senders := map[string]services.ReplySender{}
	twilioService, err := services.NewTwilioService(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.WhatsAppFrom)
	if err != nil {
		slog.Warn("Twilio service not initialized, out-of-band Twilio messages disabled", "error", err)
	} else {
		senders[models.ChannelTwilio] = twilioService
	}
	cloudService := services.NewCloudAPIService(cfg.CloudAPI.GraphURL, cfg.CloudAPI.AccessToken, cfg.CloudAPI.RatePerSec, cfg.CloudAPI.Burst)
	senders[models.ChannelCloudAPI] = cloudService
	replies := services.NewReplyRouter(senders)

	classifier, closeClassifier, err := newClassifier(ctx, cfg.Classifier)
	if err != nil {
		slog.Error("Failed to initialize intent classifier", "error", err)
		os.Exit(1)
	}
	defer closeClassifier()

	tenantCache := cache.NewTTL[string, *models.Tenant](cfg.Tenant.CacheTTL).WithStaleGrace(cfg.Tenant.CacheStale)
	resolver := services.NewTenantResolver(store, tenantCache,
		services.WithBaseDomain(cfg.Payment.PublicBaseDomain),
		services.WithDefaultTenant(cfg.Tenant.DefaultTenantID),
	)

	gateway := services.NewFlowGateway(cfg.Payment.BaseURL, cfg.Payment.Timeout)
	payments := services.NewPaymentService(store, gateway, replies, services.GatewayCredentials{
		APIKey:    cfg.Payment.APIKey,
		SecretKey: cfg.Payment.SecretKey,
	}, cfg.Payment.PublicBaseDomain, cfg.Payment.ReturnURL)

	locker := services.NewSessionLocker()
	conversation := services.NewConversationService(store, classifier, payments, locker,
		services.WithMessageDeduper(cache.NewTTL[string, struct{}](messageDedupeTTL)),
	)

	sweeper := jobs.NewTimeoutSweeper(store, replies, locker, cfg.Sweeper.Interval, cfg.Sweeper.WarningAfter, cfg.Sweeper.FinalizeAfter)
	sweeper.Start(ctx)

	// Create fiber app
	app := fiber.New(fiber.Config{
		AppName: "ChatShop Backend v" + version,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + cfg.Tenant.Header,
		AllowMethods: "GET, POST, OPTIONS",
	}))

	routes.SetupRoutes(app, routes.Dependencies{
		Config:       cfg,
		Conversation: conversation,
		Resolver:     resolver,
		Payments:     payments,
		CloudSender:  cloudService,
		Health:       handlers.NewHealthHandler(store, version, storageType),
	})

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("Gracefully shutting down")
		sweeper.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}()

	slog.Info("ChatShop Backend starting",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"storage", storageType,
		"classifier", cfg.Classifier.Provider,
		"twilio_configured", twilioService != nil,
	)

	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// newClassifier builds the configured classifier with the keyword classifier as fallback
func newClassifier(ctx context.Context, cfg config.ClassifierConfig) (services.IntentClassifier, func(), error) {
	noop := func() {}
	keyword := services.KeywordClassifier{}

	switch cfg.Provider {
	case "openai":
		primary := services.NewOpenAIClassifier(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.Timeout)
		return services.FallbackClassifier{Primary: primary, Secondary: keyword}, noop, nil
	case "gemini":
		primary, err := services.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Timeout)
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() {
			if err := primary.Close(); err != nil {
				slog.Warn("Failed to close Gemini client", "error", err)
			}
		}
		return services.FallbackClassifier{Primary: primary, Secondary: keyword}, closeFn, nil
	default:
		return keyword, noop, nil
	}
}

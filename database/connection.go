package database

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Ananth-NQI/chatshop-backend/internal/config"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

// For Cloud Run with Cloud SQL
const socketDir = "/cloudsql"

// DSN builds the PostgreSQL connection string
func DSN(cfg config.DatabaseConfig) string {
	if cfg.InstanceConnectionName != "" {
		// Production: connect via Unix socket
		return fmt.Sprintf("host=%s/%s user=%s password=%s dbname=%s sslmode=disable",
			socketDir, cfg.InstanceConnectionName, cfg.User, cfg.Password, cfg.Name)
	}
	// Local development: connect via TCP
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
}

// Connect opens the database
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.InstanceConnectionName != "" {
		slog.Info("Connecting to Cloud SQL via socket", "instance", cfg.InstanceConnectionName)
	} else {
		slog.Info("Connecting to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "database", cfg.Name)
	}

	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("Database connected successfully")
	return db, nil
}

// Migrate creates or updates the tables the store uses
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(storage.Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

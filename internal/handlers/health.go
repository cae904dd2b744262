package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	Version     string
	StorageType string
	store       storage.Store
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store storage.Store, version, storageType string) *HealthHandler {
	return &HealthHandler{
		Version:     version,
		StorageType: storageType,
		store:       store,
	}
}

// Check returns the health status of the service, 503 when the store is unreachable
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "healthy"
	statusCode := fiber.StatusOK
	dbStatus := "connected"
	if err := h.store.Ping(ctx); err != nil {
		status = "unhealthy"
		statusCode = fiber.StatusServiceUnavailable
		dbStatus = "error: " + err.Error()
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":  status,
		"service": "ChatShop Backend",
		"version": h.Version,
		"storage": fiber.Map{
			"type":   h.StorageType,
			"status": dbStatus,
		},
	})
}

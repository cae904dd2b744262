package services

import (
	"errors"

	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

var (
	// ErrTenantNotResolved means no tenant signal matched a known tenant
	ErrTenantNotResolved = errors.New("tenant not resolved")

	// ErrSignatureInvalid rejects a payment callback without touching any order
	ErrSignatureInvalid = errors.New("invalid signature")

	// ErrGatewayUnavailable is returned after the single retry to the payment gateway failed
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrCatalogMismatch means the classifier named a product or category the tenant does not sell
	ErrCatalogMismatch = errors.New("catalog mismatch")

	// ErrInsufficientStock rejects a confirmation before any order is written
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConcurrentSessionConflict is lock contention or a stale session write
	ErrConcurrentSessionConflict = storage.ErrConcurrentSessionConflict
)

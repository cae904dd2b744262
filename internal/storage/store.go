package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

var (
	// ErrNotFound is returned when a tenant-scoped lookup has no row
	ErrNotFound = errors.New("not found")
	// ErrAmbiguousMatch is returned by fuzzy product lookups with more than one best candidate
	ErrAmbiguousMatch = errors.New("ambiguous match")
	// ErrConcurrentSessionConflict is returned when a session was saved by someone else
	// since it was read
	ErrConcurrentSessionConflict = errors.New("concurrent session conflict")
	// ErrOrderLinked is returned when deleting an order that already has a payment link
	ErrOrderLinked = errors.New("order already has a payment link")
)

// TenantRegistry resolves tenants. Tenants are read-only to this service.
type TenantRegistry interface {
	// GetTenant looks a tenant up by id
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)

	// GetTenantBySlug looks a tenant up by its routing subdomain
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)

	// GetTenantByBusinessPhone maps the provider-side business number to a tenant.
	// For Twilio this is the E.164 "To" number, for the Cloud API the phone_number_id.
	GetTenantByBusinessPhone(ctx context.Context, channel, phone string) (*models.Tenant, error)
}

// SessionStore persists conversation sessions keyed by (tenant, phone)
type SessionStore interface {
	// GetOrCreateSession returns the session for the pair, creating an INITIAL one lazily
	GetOrCreateSession(ctx context.Context, tenantID, phone string, now time.Time) (*models.ConversationSession, error)

	// GetSession returns ErrNotFound when the pair has never written
	GetSession(ctx context.Context, tenantID, phone string) (*models.ConversationSession, error)

	// SaveSession writes the session only if its Version still matches the stored one,
	// then bumps Version. Stale writes return ErrConcurrentSessionConflict.
	SaveSession(ctx context.Context, session *models.ConversationSession) error

	// ListSessionsToWarn returns active, unwarned, non-finalized sessions idle since
	// warnCutoff but not yet past finalCutoff
	ListSessionsToWarn(ctx context.Context, warnCutoff, finalCutoff time.Time) ([]*models.ConversationSession, error)

	// ListSessionsToFinalize returns active sessions idle since finalCutoff
	ListSessionsToFinalize(ctx context.Context, finalCutoff time.Time) ([]*models.ConversationSession, error)
}

// OrderStore persists orders. Every method is scoped by tenant.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error)

	// AttachPaymentLink pairs a pending order with the gateway token and URL
	AttachPaymentLink(ctx context.Context, tenantID, orderID, token, url string) error

	// DeleteUnlinkedOrder rolls back an order whose gateway link could not be created.
	// Orders that already carry a token are never deleted and return ErrOrderLinked.
	DeleteUnlinkedOrder(ctx context.Context, tenantID, orderID string) error

	// MarkOrderPaid flips pending_payment to paid. It reports false when the order was
	// already paid or cancelled, which makes callback replays a no-op.
	MarkOrderPaid(ctx context.Context, tenantID, orderID string, at time.Time) (bool, error)

	// CancelOrder flips pending_payment to cancelled and reports whether it did
	CancelOrder(ctx context.Context, tenantID, orderID string, at time.Time) (bool, error)
}

// Catalog is the product collaborator consumed by the conversation
type Catalog interface {
	// ListAvailable returns the tenant's products in catalog order, optionally filtered
	// by category. Out-of-stock products are included.
	ListAvailable(ctx context.Context, tenantID, category string) ([]models.Product, error)

	// FindByFuzzyName returns the single best product for free text, ErrNotFound when
	// nothing matches and ErrAmbiguousMatch when candidates tie
	FindByFuzzyName(ctx context.Context, tenantID, text string) (*models.Product, error)

	GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error)

	// DecrementStock atomically removes qty units; false means insufficient stock
	DecrementStock(ctx context.Context, tenantID, productID string, qty int) (bool, error)
}

// Store bundles every persistence concern the service needs
type Store interface {
	TenantRegistry
	SessionStore
	OrderStore
	Catalog

	// Ping verifies the backing store is reachable
	Ping(ctx context.Context) error
}

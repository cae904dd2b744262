package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

// MemoryStore holds all data in memory. Used for local runs and tests.
type MemoryStore struct {
	tenants  map[string]*models.Tenant
	sessions map[string]*models.ConversationSession // key: tenant|phone
	orders   map[string]*models.Order               // key: order id
	products map[string][]*models.Product           // key: tenant id, catalog order

	// Mutexes for thread safety
	tenantMu  sync.RWMutex
	sessionMu sync.RWMutex
	orderMu   sync.RWMutex
	productMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:  make(map[string]*models.Tenant),
		sessions: make(map[string]*models.ConversationSession),
		orders:   make(map[string]*models.Order),
		products: make(map[string][]*models.Product),
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// PutTenant registers a tenant (onboarding lives outside this service)
func (m *MemoryStore) PutTenant(t models.Tenant) {
	m.tenantMu.Lock()
	defer m.tenantMu.Unlock()
	m.tenants[t.ID] = &t
}

// PutProduct appends a product to the tenant's catalog
func (m *MemoryStore) PutProduct(p models.Product) {
	m.productMu.Lock()
	defer m.productMu.Unlock()
	m.products[p.TenantID] = append(m.products[p.TenantID], &p)
}

// Tenant operations
func (m *MemoryStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	m.tenantMu.RLock()
	defer m.tenantMu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %q: %w", id, ErrNotFound)
	}
	out := *t
	return &out, nil
}

func (m *MemoryStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return m.findTenant(func(t *models.Tenant) bool { return t.Slug == slug })
}

func (m *MemoryStore) GetTenantByBusinessPhone(ctx context.Context, channel, phone string) (*models.Tenant, error) {
	return m.findTenant(func(t *models.Tenant) bool {
		if channel == models.ChannelCloudAPI {
			return t.PhoneNumberID == phone
		}
		return t.BusinessPhone == phone
	})
}

func (m *MemoryStore) findTenant(match func(*models.Tenant) bool) (*models.Tenant, error) {
	m.tenantMu.RLock()
	defer m.tenantMu.RUnlock()

	for _, t := range m.tenants {
		if match(t) {
			out := *t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// Session operations
func sessionKey(tenantID, phone string) string { return tenantID + "|" + phone }

func (m *MemoryStore) GetOrCreateSession(ctx context.Context, tenantID, phone string, now time.Time) (*models.ConversationSession, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	key := sessionKey(tenantID, phone)
	if s, ok := m.sessions[key]; ok {
		return cloneSession(s), nil
	}

	s := &models.ConversationSession{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Phone:         phone,
		LastMessageAt: now,
		Active:        true,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.SetStage(models.InitialStage{})
	m.sessions[key] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) GetSession(ctx context.Context, tenantID, phone string) (*models.ConversationSession, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	s, ok := m.sessions[sessionKey(tenantID, phone)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	key := sessionKey(session.TenantID, session.Phone)
	current, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	if current.Version != session.Version {
		return ErrConcurrentSessionConflict
	}

	session.SetStage(session.CurrentStage())
	session.Version++
	session.UpdatedAt = time.Now()
	m.sessions[key] = cloneSession(session)
	return nil
}

func (m *MemoryStore) ListSessionsToWarn(ctx context.Context, warnCutoff, finalCutoff time.Time) ([]*models.ConversationSession, error) {
	return m.listSessions(func(s *models.ConversationSession) bool {
		return s.Active && !s.WarningSent && s.State != models.StateFinalized &&
			!s.LastMessageAt.After(warnCutoff) && s.LastMessageAt.After(finalCutoff)
	}), nil
}

func (m *MemoryStore) ListSessionsToFinalize(ctx context.Context, finalCutoff time.Time) ([]*models.ConversationSession, error) {
	return m.listSessions(func(s *models.ConversationSession) bool {
		return s.Active && !s.LastMessageAt.After(finalCutoff)
	}), nil
}

func (m *MemoryStore) listSessions(match func(*models.ConversationSession) bool) []*models.ConversationSession {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	var out []*models.ConversationSession
	for _, s := range m.sessions {
		if match(s) {
			out = append(out, cloneSession(s))
		}
	}
	return out
}

func cloneSession(s *models.ConversationSession) *models.ConversationSession {
	out := *s
	return &out
}

// Order operations
func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

// getOrderLocked returns the stored order only if it belongs to tenantID
func (m *MemoryStore) getOrderLocked(tenantID, orderID string) (*models.Order, error) {
	o, ok := m.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return o, nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	m.orderMu.RLock()
	defer m.orderMu.RUnlock()

	o, err := m.getOrderLocked(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) AttachPaymentLink(ctx context.Context, tenantID, orderID, token, url string) error {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	o, err := m.getOrderLocked(tenantID, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.OrderStatusPendingPayment {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}
	o.PaymentToken = token
	o.PaymentURL = url
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteUnlinkedOrder(ctx context.Context, tenantID, orderID string) error {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	o, err := m.getOrderLocked(tenantID, orderID)
	if err != nil {
		return err
	}
	if o.PaymentToken != "" {
		return fmt.Errorf("delete order %s: %w", orderID, ErrOrderLinked)
	}
	delete(m.orders, orderID)
	return nil
}

func (m *MemoryStore) MarkOrderPaid(ctx context.Context, tenantID, orderID string, at time.Time) (bool, error) {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	o, err := m.getOrderLocked(tenantID, orderID)
	if err != nil {
		return false, err
	}
	if o.Status != models.OrderStatusPendingPayment || o.PaymentToken == "" {
		return false, nil
	}
	o.Status = models.OrderStatusPaid
	o.PaidAt = &at
	o.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) CancelOrder(ctx context.Context, tenantID, orderID string, at time.Time) (bool, error) {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()

	o, err := m.getOrderLocked(tenantID, orderID)
	if err != nil {
		return false, err
	}
	if o.Status != models.OrderStatusPendingPayment {
		return false, nil
	}
	o.Status = models.OrderStatusCancelled
	o.CancelledAt = &at
	o.UpdatedAt = at
	return true, nil
}

func cloneOrder(o *models.Order) *models.Order {
	out := *o
	out.Items = append([]models.OrderItem(nil), o.Items...)
	return &out
}

// Catalog operations
func (m *MemoryStore) ListAvailable(ctx context.Context, tenantID, category string) ([]models.Product, error) {
	m.productMu.RLock()
	defer m.productMu.RUnlock()

	var out []models.Product
	for _, p := range m.products[tenantID] {
		if category != "" && Normalize(p.Category) != Normalize(category) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *MemoryStore) FindByFuzzyName(ctx context.Context, tenantID, text string) (*models.Product, error) {
	products, err := m.ListAvailable(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	return BestMatch(products, text)
}

func (m *MemoryStore) GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error) {
	m.productMu.RLock()
	defer m.productMu.RUnlock()

	for _, p := range m.products[tenantID] {
		if p.ID == productID {
			out := *p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("product %s: %w", productID, ErrNotFound)
}

func (m *MemoryStore) DecrementStock(ctx context.Context, tenantID, productID string, qty int) (bool, error) {
	m.productMu.Lock()
	defer m.productMu.Unlock()

	for _, p := range m.products[tenantID] {
		if p.ID != productID {
			continue
		}
		if qty <= 0 || p.Stock < qty {
			return false, nil
		}
		p.Stock -= qty
		p.UpdatedAt = time.Now()
		return true, nil
	}
	return false, fmt.Errorf("product %s: %w", productID, ErrNotFound)
}

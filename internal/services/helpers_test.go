package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

const (
	testSecret = "flow-secret"
	shopPhone  = "+14155238886"
	buyer      = "+56911111111"
)

// newTestShop returns a store with two tenants that both sell a "Blue Dream"
func newTestShop(t *testing.T) *storage.MemoryStore {
	t.Helper()
	m := storage.NewMemoryStore()
	m.PutTenant(models.Tenant{ID: "t1", Name: "Green Shop", Slug: "green", Currency: "CLP",
		Channel: models.ChannelTwilio, BusinessPhone: shopPhone, PaymentAPIKey: "key-1", PaymentSecretKey: testSecret})
	m.PutTenant(models.Tenant{ID: "t2", Name: "Other Shop", Slug: "other", Currency: "CLP",
		Channel: models.ChannelCloudAPI, PhoneNumberID: "1098765", PaymentAPIKey: "key-2", PaymentSecretKey: "other-secret"})

	m.PutProduct(models.Product{ID: "p1", TenantID: "t1", Name: "Blue Dream", Category: "Flor", UnitPrice: 25, Stock: 10})
	m.PutProduct(models.Product{ID: "p2", TenantID: "t1", Name: "Gorilla Glue", Category: "Flor", UnitPrice: 30, Stock: 0})
	m.PutProduct(models.Product{ID: "p3", TenantID: "t1", Name: "Papelillos", Category: "Accesorios", UnitPrice: 5, Stock: 100})
	m.PutProduct(models.Product{ID: "p9", TenantID: "t2", Name: "Blue Dream", Category: "Flor", UnitPrice: 99, Stock: 1})
	return m
}

func mustTenant(t *testing.T, store storage.TenantRegistry, id string) *models.Tenant {
	t.Helper()
	tenant, err := store.GetTenant(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTenant(%s): %v", id, err)
	}
	return tenant
}

// fakeGateway hands out sequential tokens and answers polls from a status map
type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	attempted []string // every order id CreateOrder was called with
	created   []PaymentRequest
	status    map[string]PaymentStatus // by token
	polls     int
	block     chan struct{} // when set, CreateOrder waits on it
}

func (g *fakeGateway) CreateOrder(ctx context.Context, creds GatewayCredentials, req PaymentRequest) (PaymentLink, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return PaymentLink{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempted = append(g.attempted, req.OrderID)
	if g.createErr != nil {
		return PaymentLink{}, g.createErr
	}
	g.created = append(g.created, req)
	token := "tok-" + req.OrderID
	return PaymentLink{URL: "https://pay.example/go?token=" + token, Token: token}, nil
}

func (g *fakeGateway) PollStatus(ctx context.Context, creds GatewayCredentials, token string) (PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if s, ok := g.status[token]; ok {
		return s, nil
	}
	return PaymentPending, nil
}

func (g *fakeGateway) setStatus(token string, s PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == nil {
		g.status = make(map[string]PaymentStatus)
	}
	g.status[token] = s
}

func (g *fakeGateway) attempts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.attempted...)
}

func (g *fakeGateway) setCreateErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

type sentMessage struct {
	TenantID, To, Text string
}

// recordingSender captures out-of-band replies
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *recordingSender) SendReply(ctx context.Context, tenant *models.Tenant, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{TenantID: tenant.ID, To: to, Text: text})
	return nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

// countingRegistry counts registry calls per method
type countingRegistry struct {
	storage.TenantRegistry
	calls atomic.Int32
	err   error
}

func (r *countingRegistry) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.TenantRegistry.GetTenant(ctx, id)
}

func (r *countingRegistry) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.TenantRegistry.GetTenantBySlug(ctx, slug)
}

func (r *countingRegistry) GetTenantByBusinessPhone(ctx context.Context, channel, phone string) (*models.Tenant, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return r.TenantRegistry.GetTenantByBusinessPhone(ctx, channel, phone)
}

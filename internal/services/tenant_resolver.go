package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Ananth-NQI/chatshop-backend/internal/cache"
	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

const tenantFetchTimeout = 5 * time.Second

// RequestSignals are the tenant hints carried by an inbound HTTP request
type RequestSignals struct {
	TenantHeader string
	Host         string
}

// TenantResolver maps request signals to a tenant through a TTL cache over the registry
type TenantResolver struct {
	registry        storage.TenantRegistry
	cache           *cache.TTL[string, *models.Tenant]
	group           singleflight.Group
	baseDomain      string
	defaultTenantID string
}

// ResolverOption configures a TenantResolver
type ResolverOption func(*TenantResolver)

// WithBaseDomain only accepts subdomains of domain ("shop.example.com" for "example.com")
func WithBaseDomain(domain string) ResolverOption {
	return func(r *TenantResolver) { r.baseDomain = strings.ToLower(strings.Trim(domain, ".")) }
}

// WithDefaultTenant enables the legacy single-tenant fallback
func WithDefaultTenant(id string) ResolverOption {
	return func(r *TenantResolver) { r.defaultTenantID = id }
}

// NewTenantResolver creates a resolver. The cache is injected so tests can reset it.
func NewTenantResolver(registry storage.TenantRegistry, c *cache.TTL[string, *models.Tenant], opts ...ResolverOption) *TenantResolver {
	r := &TenantResolver{registry: registry, cache: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve tries the explicit header, then the host subdomain, then the legacy fallback
func (r *TenantResolver) Resolve(ctx context.Context, sig RequestSignals) (*models.Tenant, error) {
	t, err := r.resolveSignals(ctx, sig)
	if errors.Is(err, ErrTenantNotResolved) {
		return r.fallback(ctx, err)
	}
	return t, err
}

// ResolveWebhook is Resolve with the transport-supplied business phone tried before the
// legacy fallback
func (r *TenantResolver) ResolveWebhook(ctx context.Context, sig RequestSignals, channel, businessPhone string) (*models.Tenant, error) {
	t, err := r.resolveSignals(ctx, sig)
	if !errors.Is(err, ErrTenantNotResolved) {
		return t, err
	}
	if businessPhone != "" {
		t, err = r.byPhone(ctx, channel, businessPhone)
		if !errors.Is(err, ErrTenantNotResolved) {
			return t, err
		}
	}
	return r.fallback(ctx, err)
}

// ResolveByBusinessPhone maps a provider business number (or phone_number_id) to a tenant
func (r *TenantResolver) ResolveByBusinessPhone(ctx context.Context, channel, phone string) (*models.Tenant, error) {
	t, err := r.byPhone(ctx, channel, phone)
	if errors.Is(err, ErrTenantNotResolved) {
		return r.fallback(ctx, err)
	}
	return t, err
}

// Invalidate drops every cache key that could point at the tenant
func (r *TenantResolver) Invalidate(t *models.Tenant) {
	r.cache.Invalidate("id:" + t.ID)
	r.cache.Invalidate("slug:" + t.Slug)
	if t.BusinessPhone != "" {
		r.cache.Invalidate("phone:" + models.ChannelTwilio + ":" + t.BusinessPhone)
	}
	if t.PhoneNumberID != "" {
		r.cache.Invalidate("phone:" + models.ChannelCloudAPI + ":" + t.PhoneNumberID)
	}
}

func (r *TenantResolver) resolveSignals(ctx context.Context, sig RequestSignals) (*models.Tenant, error) {
	// An explicit header is authoritative: an unknown id does not fall through to the host
	if id := strings.TrimSpace(sig.TenantHeader); id != "" {
		return r.lookup(ctx, "id:"+id, func(ctx context.Context) (*models.Tenant, error) {
			return r.registry.GetTenant(ctx, id)
		})
	}
	if slug := SubdomainFromHost(sig.Host, r.baseDomain); slug != "" {
		return r.lookup(ctx, "slug:"+slug, func(ctx context.Context) (*models.Tenant, error) {
			return r.registry.GetTenantBySlug(ctx, slug)
		})
	}
	return nil, ErrTenantNotResolved
}

func (r *TenantResolver) byPhone(ctx context.Context, channel, phone string) (*models.Tenant, error) {
	return r.lookup(ctx, "phone:"+channel+":"+phone, func(ctx context.Context) (*models.Tenant, error) {
		return r.registry.GetTenantByBusinessPhone(ctx, channel, phone)
	})
}

func (r *TenantResolver) fallback(ctx context.Context, cause error) (*models.Tenant, error) {
	if r.defaultTenantID == "" {
		return nil, cause
	}
	slog.Warn("Tenant resolved through legacy default fallback", "tenant_id", r.defaultTenantID)
	return r.lookup(ctx, "id:"+r.defaultTenantID, func(ctx context.Context) (*models.Tenant, error) {
		return r.registry.GetTenant(ctx, r.defaultTenantID)
	})
}

// lookup serves from the cache, otherwise collapses concurrent misses for the same key
// into one registry call. A stale entry is served while one background refresh runs.
// Transient registry errors are not cached.
func (r *TenantResolver) lookup(ctx context.Context, key string, fetch func(context.Context) (*models.Tenant, error)) (*models.Tenant, error) {
	if t, found, stale, cached := r.cache.Peek(key); cached {
		if stale {
			r.refresh(ctx, key, fetch)
		}
		if !found {
			return nil, ErrTenantNotResolved
		}
		return copyTenant(t), nil
	}

	select {
	case res := <-r.refresh(ctx, key, fetch):
		if res.Err != nil {
			return nil, res.Err
		}
		return copyTenant(res.Val.(*models.Tenant)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh starts or joins the registry fetch for key. The fetch does not inherit the
// caller's cancellation, so one caller giving up does not fail the others waiting on it.
func (r *TenantResolver) refresh(ctx context.Context, key string, fetch func(context.Context) (*models.Tenant, error)) <-chan singleflight.Result {
	return r.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tenantFetchTimeout)
		defer cancel()

		t, err := fetch(fetchCtx)
		if errors.Is(err, storage.ErrNotFound) {
			r.cache.SetMissing(key)
			return nil, ErrTenantNotResolved
		}
		if err != nil {
			slog.Warn("Tenant registry lookup failed", "key", key, "error", err)
			return nil, fmt.Errorf("tenant lookup %s: %w", key, err)
		}
		r.cache.Set(key, t)
		return t, nil
	})
}

func copyTenant(t *models.Tenant) *models.Tenant {
	out := *t
	return &out
}

// SubdomainFromHost returns the label before the first dot, ignoring ports, bare
// domains, IP addresses and "www". With a base domain set, the host must be a direct
// subdomain of it.
func SubdomainFromHost(host, baseDomain string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}

	if baseDomain != "" {
		if !strings.HasSuffix(host, "."+baseDomain) {
			return ""
		}
		host = strings.TrimSuffix(host, "."+baseDomain)
		if strings.Contains(host, ".") {
			return ""
		}
	} else if strings.Count(host, ".") < 2 && !strings.HasSuffix(host, ".localhost") {
		// "shop.com" has no subdomain, "shop.localhost" does
		return ""
	}

	label, _, _ := strings.Cut(host, ".")
	if label == "www" {
		return ""
	}
	return label
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

// CallbackResult is what a payment callback did
type CallbackResult string

const (
	CallbackPaid             CallbackResult = "paid"
	CallbackAlreadyProcessed CallbackResult = "already_processed"
	CallbackPending          CallbackResult = "pending"
	CallbackFailed           CallbackResult = "failed"
)

// PaymentService pairs orders with gateway links and applies verified payment results
type PaymentService struct {
	store      storage.Store
	gateway    PaymentGateway
	sender     ReplySender
	global     GatewayCredentials
	baseDomain string
	returnURL  string
	now        func() time.Time
}

// NewPaymentService creates a new payment service. global holds the credentials used by
// tenants without their own.
func NewPaymentService(store storage.Store, gateway PaymentGateway, sender ReplySender, global GatewayCredentials, baseDomain, returnURL string) *PaymentService {
	return &PaymentService{
		store:      store,
		gateway:    gateway,
		sender:     sender,
		global:     global,
		baseDomain: strings.Trim(baseDomain, "."),
		returnURL:  returnURL,
		now:        time.Now,
	}
}

// CredentialsFor returns the tenant's gateway credentials, or the global ones
func (p *PaymentService) CredentialsFor(t *models.Tenant) GatewayCredentials {
	creds := p.global
	if t.PaymentAPIKey != "" {
		creds.APIKey = t.PaymentAPIKey
	}
	if t.PaymentSecretKey != "" {
		creds.SecretKey = t.PaymentSecretKey
	}
	return creds
}

// ConfirmationURL is where the gateway posts callbacks for the tenant. The subdomain
// lets the callback handler resolve the tenant before reading the payload.
func (p *PaymentService) ConfirmationURL(t *models.Tenant) string {
	if p.baseDomain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.%s/webhook/payment", t.Slug, p.baseDomain)
}

// CreatePaymentLink registers the order at the gateway. It never touches the session.
func (p *PaymentService) CreatePaymentLink(ctx context.Context, t *models.Tenant, order *models.Order) (PaymentLink, error) {
	return p.gateway.CreateOrder(ctx, p.CredentialsFor(t), PaymentRequest{
		OrderID:         order.ID,
		Amount:          order.Total,
		Currency:        t.DisplayCurrency(),
		Subject:         fmt.Sprintf("Pedido %s - %s", order.ID, t.Name),
		URLConfirmation: p.ConfirmationURL(t),
		URLReturn:       p.returnURL,
	})
}

// HandleCallback verifies a gateway callback and applies it. Nothing is read or written
// before the signature checks out.
func (p *PaymentService) HandleCallback(ctx context.Context, t *models.Tenant, params map[string]string) (CallbackResult, error) {
	if !VerifySignature(p.CredentialsFor(t).SecretKey, params) {
		return "", ErrSignatureInvalid
	}

	orderID := strings.TrimSpace(params["commerceOrder"])
	if orderID == "" {
		return "", fmt.Errorf("callback without commerceOrder: %w", storage.ErrNotFound)
	}
	order, err := p.store.GetOrder(ctx, t.ID, orderID)
	if err != nil {
		return "", err
	}

	switch StatusFromGateway(params["status"]) {
	case PaymentPaid:
	case PaymentFailed:
		slog.Info("Payment callback reported failure", "tenant_id", t.ID, "order_id", order.ID, "status", params["status"])
		return CallbackFailed, nil
	default:
		return CallbackPending, nil
	}

	changed, err := p.MarkPaid(ctx, t, order, true)
	if err != nil {
		return "", err
	}
	if !changed {
		return CallbackAlreadyProcessed, nil
	}
	return CallbackPaid, nil
}

// MarkPaid is the single path that flips an order to paid. Only the first transition
// decrements stock and notifies; replays report false and do nothing.
func (p *PaymentService) MarkPaid(ctx context.Context, t *models.Tenant, order *models.Order, notify bool) (bool, error) {
	changed, err := p.store.MarkOrderPaid(ctx, t.ID, order.ID, p.now())
	if err != nil {
		return false, fmt.Errorf("mark order %s paid: %w", order.ID, err)
	}
	if !changed {
		return false, nil
	}
	slog.Info("Order paid", "tenant_id", t.ID, "order_id", order.ID, "total", order.Total)

	for _, item := range order.Items {
		ok, err := p.store.DecrementStock(ctx, t.ID, item.ProductID, item.Quantity)
		switch {
		case err != nil:
			slog.Error("Failed to decrement stock for paid order", "tenant_id", t.ID, "order_id", order.ID, "product_id", item.ProductID, "error", err)
		case !ok:
			slog.Error("Paid order exceeds available stock", "tenant_id", t.ID, "order_id", order.ID, "product_id", item.ProductID, "quantity", item.Quantity)
		}
	}

	if notify && p.sender != nil {
		if err := p.sender.SendReply(ctx, t, order.Phone, ReplyPaymentReceived(order.ID)); err != nil {
			slog.Warn("Failed to notify customer of payment", "tenant_id", t.ID, "order_id", order.ID, "error", err)
		}
	}
	return true, nil
}

// RefreshOrder is the customer-initiated status poll: a pending order with a gateway token
// is checked at the gateway and marked paid through MarkPaid. The refreshed order is
// returned; gateway errors leave the local copy as it was.
func (p *PaymentService) RefreshOrder(ctx context.Context, t *models.Tenant, order *models.Order) (*models.Order, error) {
	if order.Status != models.OrderStatusPendingPayment || order.PaymentToken == "" {
		return order, nil
	}

	status, err := p.gateway.PollStatus(ctx, p.CredentialsFor(t), order.PaymentToken)
	if err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			slog.Warn("Payment status poll failed", "tenant_id", t.ID, "order_id", order.ID, "error", err)
			return order, nil
		}
		return nil, err
	}
	if status != PaymentPaid {
		return order, nil
	}

	if _, err := p.MarkPaid(ctx, t, order, false); err != nil {
		return nil, err
	}
	return p.store.GetOrder(ctx, t.ID, order.ID)
}

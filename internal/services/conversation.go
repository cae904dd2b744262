package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ananth-NQI/chatshop-backend/internal/cache"
	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

const (
	defaultMaxAttempts = 3
	defaultLockTimeout = 5 * time.Second
	defaultClaimTTL    = 2 * time.Minute
)

// ConversationService drives the purchase funnel for one inbound message at a time per
// customer. Gateway calls always happen with the session unlocked.
type ConversationService struct {
	store      storage.Store
	classifier IntentClassifier
	payments   *PaymentService
	locker     *SessionLocker
	seen       *cache.TTL[string, struct{}]

	now         func() time.Time
	maxAttempts int
	lockTimeout time.Duration
	claimTTL    time.Duration
}

// ConversationOption configures a ConversationService
type ConversationOption func(*ConversationService)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) ConversationOption {
	return func(c *ConversationService) { c.now = now }
}

// WithMessageDeduper drops provider redeliveries of a message id already handled
func WithMessageDeduper(seen *cache.TTL[string, struct{}]) ConversationOption {
	return func(c *ConversationService) { c.seen = seen }
}

// WithClaimTTL sets how long a confirmation claim blocks a second "yes" before it is
// considered abandoned
func WithClaimTTL(d time.Duration) ConversationOption {
	return func(c *ConversationService) { c.claimTTL = d }
}

// WithLockTimeout bounds how long a turn waits for the session lock
func WithLockTimeout(d time.Duration) ConversationOption {
	return func(c *ConversationService) { c.lockTimeout = d }
}

// NewConversationService creates a new conversation service
func NewConversationService(store storage.Store, classifier IntentClassifier, payments *PaymentService, locker *SessionLocker, opts ...ConversationOption) *ConversationService {
	c := &ConversationService{
		store:       store,
		classifier:  classifier,
		payments:    payments,
		locker:      locker,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		lockTimeout: defaultLockTimeout,
		claimTTL:    defaultClaimTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// turnResult is what a locked step decided. Side effects that need the gateway are
// carried out after the lock is released.
type turnResult struct {
	reply     string
	stage     models.Stage
	linkOrder *models.Order // create a payment link for this freshly claimed order
	pollOrder *models.Order // poll the gateway, then render the order status
}

// HandleMessage processes one inbound message and returns the reply text. An empty
// reply means there is nothing to send (a redelivered message). Errors never reach the
// customer: failures are logged and answered with a generic text.
func (c *ConversationService) HandleMessage(ctx context.Context, tenant *models.Tenant, msg InboundMessage) (string, error) {
	if msg.MessageID != "" && c.seen != nil && !c.seen.Add(tenant.ID+"|"+msg.MessageID, struct{}{}) {
		slog.Info("Dropping redelivered message", "tenant_id", tenant.ID, "message_id", msg.MessageID)
		return "", nil
	}

	// Classification may call a language model, so it runs before any lock is taken
	products, err := c.store.ListAvailable(ctx, tenant.ID, "")
	if err != nil {
		slog.Warn("Failed to load catalog for classification", "tenant_id", tenant.ID, "error", err)
	}
	intent, err := c.classifier.Classify(ctx, msg.Text, products, tenant)
	if err != nil {
		slog.Warn("Intent classification failed", "tenant_id", tenant.ID, "error", err)
		intent = Intent{Kind: IntentUnknown}
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		reply, err := c.turn(ctx, tenant, msg, intent)
		if err == nil {
			return reply, nil
		}
		if errors.Is(err, ErrConcurrentSessionConflict) {
			slog.Debug("Session conflict, retrying turn", "tenant_id", tenant.ID, "phone", msg.Phone, "attempt", attempt)
			continue
		}
		slog.Error("Conversation turn failed", "tenant_id", tenant.ID, "phone", msg.Phone, "error", err)
		return replyGenericFailure(), nil
	}
	slog.Warn("Giving up on turn after repeated session conflicts", "tenant_id", tenant.ID, "phone", msg.Phone)
	return replyTryAgain(), nil
}

func (c *ConversationService) lock(ctx context.Context, tenantID, phone string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	return c.locker.Lock(lockCtx, tenantID, phone)
}

func (c *ConversationService) turn(ctx context.Context, tenant *models.Tenant, msg InboundMessage, intent Intent) (string, error) {
	unlock, err := c.lock(ctx, tenant.ID, msg.Phone)
	if err != nil {
		return "", err
	}
	res, err := c.stepLocked(ctx, tenant, msg, intent)
	unlock()
	if err != nil {
		return "", err
	}

	switch {
	case res.linkOrder != nil:
		return c.finishConfirmation(ctx, tenant, msg.Phone, res.linkOrder)
	case res.pollOrder != nil:
		order, err := c.payments.RefreshOrder(ctx, tenant, res.pollOrder)
		if err != nil {
			slog.Warn("Order refresh failed", "tenant_id", tenant.ID, "order_id", res.pollOrder.ID, "error", err)
			order = res.pollOrder
		}
		return replyOrderStatus(order, tenant.DisplayCurrency()), nil
	}
	return res.reply, nil
}

// stepLocked runs with the session lock held: read, transition, save
func (c *ConversationService) stepLocked(ctx context.Context, tenant *models.Tenant, msg InboundMessage, intent Intent) (turnResult, error) {
	now := c.now()
	session, err := c.store.GetOrCreateSession(ctx, tenant.ID, msg.Phone, now)
	if err != nil {
		return turnResult{}, fmt.Errorf("load session: %w", err)
	}

	if !session.Active || session.State == models.StateFinalized {
		session.Active = true
		session.SetStage(models.InitialStage{})
	}
	session.LastMessageAt = now
	session.WarningSent = false

	res, err := c.dispatch(ctx, tenant, session, msg.Text, intent)
	if err != nil {
		return turnResult{}, err
	}
	if res.stage != nil {
		session.SetStage(res.stage)
	}

	if err := c.store.SaveSession(ctx, session); err != nil {
		// The claimed order was never surfaced; drop it so the retry starts clean
		if res.linkOrder != nil {
			if delErr := c.store.DeleteUnlinkedOrder(ctx, tenant.ID, res.linkOrder.ID); delErr != nil {
				slog.Error("Failed to roll back claimed order", "tenant_id", tenant.ID, "order_id", res.linkOrder.ID, "error", delErr)
			}
		}
		return turnResult{}, err
	}
	return res, nil
}

// finishConfirmation creates the payment link with the session unlocked, then re-locks to
// attach it. The session must still be claiming this order, otherwise the order is dropped.
func (c *ConversationService) finishConfirmation(ctx context.Context, tenant *models.Tenant, phone string, order *models.Order) (string, error) {
	link, linkErr := c.payments.CreatePaymentLink(ctx, tenant, order)

	unlock, err := c.lock(ctx, tenant.ID, phone)
	if err != nil {
		// The claim stays in place and is recovered once it goes stale
		slog.Warn("Could not re-lock session after payment link call", "tenant_id", tenant.ID, "order_id", order.ID, "error", err)
		return replyTryAgain(), nil
	}
	defer unlock()

	session, err := c.store.GetSession(ctx, tenant.ID, phone)
	if err != nil {
		return "", fmt.Errorf("reload session: %w", err)
	}

	st, ok := session.CurrentStage().(models.OrderConfirmationStage)
	if !ok || st.PendingOrderID != order.ID {
		slog.Info("Session moved on while payment link was created, dropping order",
			"tenant_id", tenant.ID, "order_id", order.ID, "state", session.State)
		c.dropClaimedOrder(ctx, tenant.ID, order.ID)
		return promptFor(session.CurrentStage(), tenant.DisplayCurrency()), nil
	}

	if linkErr != nil {
		slog.Warn("Payment link creation failed", "tenant_id", tenant.ID, "order_id", order.ID, "error", linkErr)
		c.dropClaimedOrder(ctx, tenant.ID, order.ID)
		st.PendingOrderID = ""
		st.ClaimedAt = time.Time{}
		session.SetStage(st)
		if err := c.store.SaveSession(ctx, session); err != nil {
			return "", fmt.Errorf("release confirmation claim: %w", err)
		}
		return replyGatewayFailed(), nil
	}

	return c.surfaceOrder(ctx, tenant, session, order, link)
}

// surfaceOrder attaches the gateway link and moves the session to ORDER_SCHEDULING.
// Caller holds the session lock.
func (c *ConversationService) surfaceOrder(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, order *models.Order, link PaymentLink) (string, error) {
	if err := c.store.AttachPaymentLink(ctx, tenant.ID, order.ID, link.Token, link.URL); err != nil {
		return "", fmt.Errorf("attach payment link: %w", err)
	}
	session.SetStage(models.OrderSchedulingStage{OrderID: order.ID, Total: order.Total})
	if err := c.store.SaveSession(ctx, session); err != nil {
		// The order now has a link; a later "yes" finds it through the stale claim
		return "", fmt.Errorf("save scheduling state: %w", err)
	}

	slog.Info("Order created", "tenant_id", tenant.ID, "order_id", order.ID, "total", order.Total)
	return replyPaymentLink(order.ID, order.Total, link.URL, tenant.DisplayCurrency()), nil
}

// dropClaimedOrder removes the order behind a confirmation claim. An order that got
// its payment link in the meantime is cancelled instead, so a late callback cannot
// mark it paid. It reports whether an order was cancelled.
func (c *ConversationService) dropClaimedOrder(ctx context.Context, tenantID, orderID string) bool {
	err := c.store.DeleteUnlinkedOrder(ctx, tenantID, orderID)
	switch {
	case err == nil, errors.Is(err, storage.ErrNotFound):
		return false
	case errors.Is(err, storage.ErrOrderLinked):
		ok, err := c.store.CancelOrder(ctx, tenantID, orderID, c.now())
		if err != nil {
			slog.Error("Failed to cancel linked order", "tenant_id", tenantID, "order_id", orderID, "error", err)
			return false
		}
		if ok {
			slog.Info("Linked order cancelled", "tenant_id", tenantID, "order_id", orderID)
		}
		return ok
	default:
		slog.Error("Failed to delete unlinked order", "tenant_id", tenantID, "order_id", orderID, "error", err)
		return false
	}
}

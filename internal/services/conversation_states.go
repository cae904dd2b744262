package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
	"github.com/Ananth-NQI/chatshop-backend/internal/utils"
)

// dispatch picks the transition for the current stage. A nil stage in the result leaves
// the session where it is.
func (c *ConversationService) dispatch(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, text string, intent Intent) (turnResult, error) {
	stage := session.CurrentStage()
	currency := tenant.DisplayCurrency()

	// Cancel works from every state
	if isCancel(text) || intent.Kind == IntentCancel {
		return c.cancel(ctx, tenant, stage)
	}
	if intent.Kind == IntentGreeting && isGreeting(text) {
		reply := replyGreeting(tenant)
		if _, initial := stage.(models.InitialStage); !initial {
			reply += "\n\n" + promptFor(stage, currency)
		}
		return turnResult{reply: reply}, nil
	}

	switch st := stage.(type) {
	case models.InitialStage, models.FinalizedStage:
		return c.onBrowse(ctx, tenant, st, text, intent)
	case models.BrowsingStage:
		if n, ok := listIndex(text); ok {
			return c.selectFromList(ctx, tenant, st, n)
		}
		return c.onBrowse(ctx, tenant, st, text, intent)
	case models.AwaitingQuantityStage:
		return c.onQuantity(ctx, tenant, st, text, intent)
	case models.OrderConfirmationStage:
		return c.onConfirmation(ctx, tenant, session, st, text, intent)
	case models.OrderSchedulingStage:
		return c.onScheduling(ctx, tenant, st, text, intent)
	case models.CheckOrderStage:
		return c.onCheckOrder(ctx, tenant, st, text, intent)
	default:
		return turnResult{}, fmt.Errorf("unhandled stage %T", stage)
	}
}

// onBrowse handles INITIAL and BROWSING: catalog, category, product and order lookups
func (c *ConversationService) onBrowse(ctx context.Context, tenant *models.Tenant, stage models.Stage, text string, intent Intent) (turnResult, error) {
	currency := tenant.DisplayCurrency()

	switch intent.Kind {
	case IntentCatalogQuery:
		products, err := c.store.ListAvailable(ctx, tenant.ID, "")
		if err != nil {
			return turnResult{}, fmt.Errorf("list catalog: %w", err)
		}
		return turnResult{reply: replyCatalog(products, "", currency), stage: models.BrowsingStage{}}, nil

	case IntentCategoryQuery:
		products, err := c.store.ListAvailable(ctx, tenant.ID, intent.Category)
		if err != nil {
			return turnResult{}, fmt.Errorf("list category: %w", err)
		}
		if len(products) == 0 {
			// The guess did not survive the catalog check
			slog.Debug("Category guess not in catalog", "tenant_id", tenant.ID, "category", intent.Category, "error", ErrCatalogMismatch)
			return turnResult{reply: replyProductNotFound()}, nil
		}
		return turnResult{
			reply: replyCatalog(products, products[0].Category, currency),
			stage: models.BrowsingStage{Category: products[0].Category},
		}, nil

	case IntentProductSelection:
		return c.selectProduct(ctx, tenant, text, intent)

	case IntentCheckOrder:
		if intent.OrderID != "" {
			return c.lookupOrder(ctx, tenant, intent.OrderID)
		}
		return turnResult{reply: promptCheckOrder, stage: models.CheckOrderStage{}}, nil
	}

	return turnResult{reply: promptFor(stage, currency)}, nil
}

// listIndex reads a bare list position such as "2"
func listIndex(text string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// selectFromList picks the n-th product of the list last shown while browsing
func (c *ConversationService) selectFromList(ctx context.Context, tenant *models.Tenant, st models.BrowsingStage, n int) (turnResult, error) {
	products, err := c.store.ListAvailable(ctx, tenant.ID, st.Category)
	if err != nil {
		return turnResult{}, fmt.Errorf("list catalog: %w", err)
	}
	if n > len(products) {
		return turnResult{reply: replyProductNotFound()}, nil
	}
	return c.chooseProduct(ctx, tenant, &products[n-1], 0)
}

// selectProduct verifies a product guess against the catalog before using it
func (c *ConversationService) selectProduct(ctx context.Context, tenant *models.Tenant, text string, intent Intent) (turnResult, error) {
	guess := intent.ProductGuess
	if guess == "" {
		guess = text
	}

	product, err := c.store.FindByFuzzyName(ctx, tenant.ID, guess)
	if errors.Is(err, storage.ErrNotFound) && guess != text {
		product, err = c.store.FindByFuzzyName(ctx, tenant.ID, text)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return turnResult{reply: replyProductNotFound()}, nil
	case errors.Is(err, storage.ErrAmbiguousMatch):
		return turnResult{reply: replyProductAmbiguous()}, nil
	case err != nil:
		return turnResult{}, fmt.Errorf("find product: %w", err)
	}

	return c.chooseProduct(ctx, tenant, product, intent.Quantity)
}

// chooseProduct moves to AWAITING_QUANTITY, or straight to ORDER_CONFIRMATION when the
// message already carried a quantity
func (c *ConversationService) chooseProduct(ctx context.Context, tenant *models.Tenant, product *models.Product, qty int) (turnResult, error) {
	if product.Stock <= 0 {
		return turnResult{reply: replyOutOfStock(product.Name)}, nil
	}
	ref := models.ProductRef{ID: product.ID, Name: product.Name, UnitPrice: product.UnitPrice}
	if qty > 0 {
		return c.quote(ctx, tenant, ref, qty)
	}
	return turnResult{
		reply: replyAskQuantity(ref, tenant.DisplayCurrency()),
		stage: models.AwaitingQuantityStage{Product: ref},
	}, nil
}

// quote computes the total from the price snapshot after checking current stock
func (c *ConversationService) quote(ctx context.Context, tenant *models.Tenant, ref models.ProductRef, qty int) (turnResult, error) {
	product, err := c.store.GetProduct(ctx, tenant.ID, ref.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return turnResult{reply: replyProductNotFound(), stage: models.InitialStage{}}, nil
	}
	if err != nil {
		return turnResult{}, fmt.Errorf("get product: %w", err)
	}
	if !product.InStock(qty) {
		if product.Stock <= 0 {
			return turnResult{reply: replyOutOfStock(product.Name), stage: models.InitialStage{}}, nil
		}
		return turnResult{
			reply: replyInsufficientStock(product.Name, product.Stock),
			stage: models.AwaitingQuantityStage{Product: ref},
		}, nil
	}

	st := models.OrderConfirmationStage{
		Product:  ref,
		Quantity: qty,
		Total:    ref.UnitPrice * int64(qty),
	}
	return turnResult{reply: replyConfirmation(st, tenant.DisplayCurrency()), stage: st}, nil
}

func (c *ConversationService) onQuantity(ctx context.Context, tenant *models.Tenant, st models.AwaitingQuantityStage, text string, intent Intent) (turnResult, error) {
	qty, invalid := parseQuantity(text)
	if qty == 0 && !invalid && intent.Kind == IntentQuantity {
		qty = intent.Quantity
	}
	if qty > 0 && intent.Kind != IntentProductSelection {
		return c.quote(ctx, tenant, st.Product, qty)
	}

	switch intent.Kind {
	case IntentProductSelection:
		return c.selectProduct(ctx, tenant, text, intent)
	case IntentCatalogQuery, IntentCategoryQuery:
		return c.onBrowse(ctx, tenant, st, text, intent)
	}
	return turnResult{reply: promptFor(st, tenant.DisplayCurrency())}, nil
}

func (c *ConversationService) onConfirmation(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, st models.OrderConfirmationStage, text string, intent Intent) (turnResult, error) {
	switch {
	case isAffirmative(text) || (intent.Kind == IntentAffirmative && !isNegative(text)):
		return c.confirm(ctx, tenant, session, st)

	case isNegative(text) || intent.Kind == IntentNegative:
		if st.PendingOrderID != "" && c.dropClaimedOrder(ctx, tenant.ID, st.PendingOrderID) {
			return turnResult{reply: replyCancelled(true), stage: models.InitialStage{}}, nil
		}
		return turnResult{reply: replyOrderDeclined(), stage: models.InitialStage{}}, nil
	}

	// A new quantity re-quotes the same product unless a link is being generated
	if qty := ParseQuantity(text); qty > 0 && st.PendingOrderID == "" && len(normWords(text)) <= 3 {
		return c.quote(ctx, tenant, st.Product, qty)
	}
	return turnResult{reply: promptFor(st, tenant.DisplayCurrency())}, nil
}

// confirm claims the quote and creates the unlinked order. The payment link is created
// after the lock is released; a second "yes" while the claim is fresh is told to wait.
func (c *ConversationService) confirm(ctx context.Context, tenant *models.Tenant, session *models.ConversationSession, st models.OrderConfirmationStage) (turnResult, error) {
	now := c.now()

	if st.PendingOrderID != "" {
		if now.Sub(st.ClaimedAt) < c.claimTTL {
			return turnResult{reply: replyProcessing()}, nil
		}
		res, done, err := c.reclaim(ctx, tenant, st, now)
		if done || err != nil {
			return res, err
		}
		st.PendingOrderID = ""
		st.ClaimedAt = time.Time{}
	}

	product, err := c.store.GetProduct(ctx, tenant.ID, st.Product.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return turnResult{reply: replyProductNotFound(), stage: models.InitialStage{}}, nil
	}
	if err != nil {
		return turnResult{}, fmt.Errorf("get product: %w", err)
	}
	if !product.InStock(st.Quantity) {
		slog.Info("Confirmation rejected for stock", "tenant_id", tenant.ID, "product_id", product.ID,
			"quantity", st.Quantity, "stock", product.Stock, "error", ErrInsufficientStock)
		if product.Stock <= 0 {
			return turnResult{reply: replyOutOfStock(product.Name), stage: models.InitialStage{}}, nil
		}
		return turnResult{
			reply: replyInsufficientStock(product.Name, product.Stock),
			stage: models.AwaitingQuantityStage{Product: st.Product},
		}, nil
	}

	order, err := c.createOrder(ctx, tenant, session.Phone, st)
	if err != nil {
		return turnResult{}, err
	}

	st.PendingOrderID = order.ID
	st.ClaimedAt = now
	return turnResult{stage: st, linkOrder: order}, nil
}

// reclaim handles a claim that outlived claimTTL. done is false when the caller should
// start over with a fresh order.
func (c *ConversationService) reclaim(ctx context.Context, tenant *models.Tenant, st models.OrderConfirmationStage, now time.Time) (turnResult, bool, error) {
	order, err := c.store.GetOrder(ctx, tenant.ID, st.PendingOrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return turnResult{}, false, nil
	}
	if err != nil {
		return turnResult{}, true, fmt.Errorf("load claimed order: %w", err)
	}
	if order.Status != models.OrderStatusPendingPayment {
		return turnResult{}, false, nil
	}

	slog.Warn("Recovering stale confirmation claim", "tenant_id", tenant.ID, "order_id", order.ID, "claimed_at", st.ClaimedAt)

	// The link was attached but the session never moved on
	if order.HasPaymentLink() {
		return turnResult{
			reply: replyPaymentLink(order.ID, order.Total, order.PaymentURL, tenant.DisplayCurrency()),
			stage: models.OrderSchedulingStage{OrderID: order.ID, Total: order.Total},
		}, true, nil
	}

	st.ClaimedAt = now
	return turnResult{stage: st, linkOrder: order}, true, nil
}

func (c *ConversationService) createOrder(ctx context.Context, tenant *models.Tenant, phone string, st models.OrderConfirmationStage) (*models.Order, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		id, err := utils.GenerateOrderID()
		if err != nil {
			return nil, err
		}
		order := &models.Order{
			ID:       id,
			TenantID: tenant.ID,
			Phone:    phone,
			Items: []models.OrderItem{{
				OrderID:     id,
				ProductID:   st.Product.ID,
				ProductName: st.Product.Name,
				Quantity:    st.Quantity,
				UnitPrice:   st.Product.UnitPrice,
			}},
			Total:  st.Total,
			Status: models.OrderStatusPendingPayment,
		}
		if lastErr = c.store.CreateOrder(ctx, order); lastErr == nil {
			return order, nil
		}
	}
	return nil, fmt.Errorf("create order: %w", lastErr)
}

func (c *ConversationService) onScheduling(ctx context.Context, tenant *models.Tenant, st models.OrderSchedulingStage, text string, intent Intent) (turnResult, error) {
	currency := tenant.DisplayCurrency()
	if !isPaidSignal(text) && intent.Kind != IntentPaid && intent.Kind != IntentCheckOrder {
		return turnResult{reply: promptFor(st, currency)}, nil
	}

	// Only the local record is read here; the callback is what marks orders paid
	order, err := c.store.GetOrder(ctx, tenant.ID, st.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return turnResult{reply: replyOrderNotFound(st.OrderID), stage: models.InitialStage{}}, nil
	}
	if err != nil {
		return turnResult{}, fmt.Errorf("get order: %w", err)
	}

	switch order.Status {
	case models.OrderStatusPaid:
		return turnResult{reply: replyPaidConfirmed(order.ID), stage: models.InitialStage{}}, nil
	case models.OrderStatusCancelled:
		return turnResult{reply: replyOrderStatus(order, currency), stage: models.InitialStage{}}, nil
	}
	if intent.Kind == IntentCheckOrder && !isPaidSignal(text) {
		return turnResult{reply: replyOrderStatus(order, currency)}, nil
	}
	return turnResult{reply: replyPaymentNotYetConfirmed(order)}, nil
}

func (c *ConversationService) onCheckOrder(ctx context.Context, tenant *models.Tenant, st models.CheckOrderStage, text string, intent Intent) (turnResult, error) {
	id := intent.OrderID
	if id == "" {
		id = findOrderID(text)
	}
	if id == "" && utils.LooksLikeOrderID(strings.TrimSpace(text)) {
		id = utils.NormalizeOrderID(text)
	}
	if id == "" {
		switch intent.Kind {
		case IntentCatalogQuery, IntentCategoryQuery, IntentProductSelection:
			return c.onBrowse(ctx, tenant, st, text, intent)
		}
		return turnResult{reply: promptFor(st, tenant.DisplayCurrency())}, nil
	}
	return c.lookupOrder(ctx, tenant, id)
}

// lookupOrder finds an order of this tenant. Orders without a payment link were never
// shown to anyone and read as not found. The gateway poll runs after the lock is released.
func (c *ConversationService) lookupOrder(ctx context.Context, tenant *models.Tenant, orderID string) (turnResult, error) {
	order, err := c.store.GetOrder(ctx, tenant.ID, orderID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !order.HasPaymentLink()) {
		return turnResult{reply: replyOrderNotFound(orderID), stage: models.CheckOrderStage{}}, nil
	}
	if err != nil {
		return turnResult{}, fmt.Errorf("get order: %w", err)
	}

	if order.Status == models.OrderStatusPendingPayment {
		return turnResult{stage: models.InitialStage{}, pollOrder: order}, nil
	}
	return turnResult{reply: replyOrderStatus(order, tenant.DisplayCurrency()), stage: models.InitialStage{}}, nil
}

// cancel abandons the funnel. A pending order is cancelled, an in-flight claim is dropped.
func (c *ConversationService) cancel(ctx context.Context, tenant *models.Tenant, stage models.Stage) (turnResult, error) {
	cancelled := false
	switch st := stage.(type) {
	case models.OrderSchedulingStage:
		ok, err := c.store.CancelOrder(ctx, tenant.ID, st.OrderID, c.now())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return turnResult{}, fmt.Errorf("cancel order: %w", err)
		}
		if ok {
			slog.Info("Order cancelled by customer", "tenant_id", tenant.ID, "order_id", st.OrderID)
		}
		cancelled = ok
	case models.OrderConfirmationStage:
		if st.PendingOrderID != "" {
			cancelled = c.dropClaimedOrder(ctx, tenant.ID, st.PendingOrderID)
		}
	}
	return turnResult{reply: replyCancelled(cancelled), stage: models.InitialStage{}}, nil
}

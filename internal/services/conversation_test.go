package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ananth-NQI/chatshop-backend/internal/cache"
	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

type shopFixture struct {
	*paymentFixture
	locker       *SessionLocker
	conversation *ConversationService
}

func newShopFixture(t *testing.T, opts ...ConversationOption) *shopFixture {
	t.Helper()
	pf := newPaymentFixture(t)
	locker := NewSessionLocker()
	return &shopFixture{
		paymentFixture: pf,
		locker:         locker,
		conversation:   NewConversationService(pf.store, KeywordClassifier{}, pf.payments, locker, opts...),
	}
}

// say sends text from phone to the tenant and returns the reply
func (f *shopFixture) say(t *testing.T, tenantID, phone, text string) string {
	t.Helper()
	reply, err := f.conversation.HandleMessage(context.Background(), mustTenant(t, f.store, tenantID), InboundMessage{Phone: phone, Text: text})
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
	return reply
}

func (f *shopFixture) session(t *testing.T, tenantID, phone string) *models.ConversationSession {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), tenantID, phone)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

func (f *shopFixture) wantState(t *testing.T, tenantID, phone string, want models.ConversationState) models.Stage {
	t.Helper()
	s := f.session(t, tenantID, phone)
	if s.State != want {
		t.Fatalf("state = %s, want %s", s.State, want)
	}
	return s.CurrentStage()
}

func wantContains(t *testing.T, reply, want string) {
	t.Helper()
	if !strings.Contains(reply, want) {
		t.Errorf("reply %q does not contain %q", reply, want)
	}
}

// placeOrder walks a customer to ORDER_SCHEDULING and returns the order id
func (f *shopFixture) placeOrder(t *testing.T, phone string) string {
	t.Helper()
	f.say(t, "t1", phone, "quiero 2 Blue Dream")
	f.say(t, "t1", phone, "si")
	st := f.wantState(t, "t1", phone, models.StateOrderScheduling)
	return st.(models.OrderSchedulingStage).OrderID
}

func TestPurchaseFlowPaidThroughCallback(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	ctx := context.Background()

	reply := f.say(t, "t1", buyer, "hola")
	wantContains(t, reply, "Bienvenido a Green Shop")
	f.wantState(t, "t1", buyer, models.StateInitial)

	reply = f.say(t, "t1", buyer, "quiero 2 Blue Dream")
	wantContains(t, reply, "2 x Blue Dream = *$50*")
	st := f.wantState(t, "t1", buyer, models.StateOrderConfirmation).(models.OrderConfirmationStage)
	if st.Total != 50 || st.Quantity != 2 || st.Product.ID != "p1" {
		t.Fatalf("quote = %+v", st)
	}

	reply = f.say(t, "t1", buyer, "si")
	sched := f.wantState(t, "t1", buyer, models.StateOrderScheduling).(models.OrderSchedulingStage)
	order, err := f.store.GetOrder(ctx, "t1", sched.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != models.OrderStatusPendingPayment || order.PaymentToken != "tok-"+order.ID || order.Total != 50 {
		t.Fatalf("order = %+v", order)
	}
	wantContains(t, reply, order.ID)
	wantContains(t, reply, order.PaymentURL)
	if s := f.stock(t, "t1", "p1"); s != 10 {
		t.Errorf("stock before payment = %d, want 10", s)
	}

	// Asking before the callback does not mark anything paid
	wantContains(t, f.say(t, "t1", buyer, "ya pagué"), "Todavía no vemos el pago")
	f.wantState(t, "t1", buyer, models.StateOrderScheduling)

	params := SignParams(testSecret, map[string]string{"commerceOrder": order.ID, "status": "2", "token": order.PaymentToken})
	res, err := f.payments.HandleCallback(ctx, mustTenant(t, f.store, "t1"), params)
	if err != nil || res != CallbackPaid {
		t.Fatalf("HandleCallback = %s, %v", res, err)
	}
	if s := f.stock(t, "t1", "p1"); s != 8 {
		t.Errorf("stock after payment = %d, want 8", s)
	}

	wantContains(t, f.say(t, "t1", buyer, "ya pagué"), "Recibimos el pago")
	f.wantState(t, "t1", buyer, models.StateInitial)
}

func TestCallbackWithBadSignatureLeavesOrderPending(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	ctx := context.Background()
	orderID := f.placeOrder(t, buyer)

	params := SignParams("not-the-secret", map[string]string{"commerceOrder": orderID, "status": "2"})
	if _, err := f.payments.HandleCallback(ctx, mustTenant(t, f.store, "t1"), params); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("error = %v, want ErrSignatureInvalid", err)
	}
	order, _ := f.store.GetOrder(ctx, "t1", orderID)
	if order.Status != models.OrderStatusPendingPayment {
		t.Errorf("status = %s, want pending", order.Status)
	}
	wantContains(t, f.say(t, "t1", buyer, "pagué"), "Todavía no vemos el pago")
}

func TestGatewayFailureKeepsQuote(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	f.gateway.setCreateErr(ErrGatewayUnavailable)

	f.say(t, "t1", buyer, "quiero 2 Blue Dream")
	wantContains(t, f.say(t, "t1", buyer, "si"), "No pudimos generar el link de pago")

	st := f.wantState(t, "t1", buyer, models.StateOrderConfirmation).(models.OrderConfirmationStage)
	if st.PendingOrderID != "" {
		t.Errorf("claim left behind: %s", st.PendingOrderID)
	}
	attempts := f.gateway.attempts()
	if len(attempts) != 1 {
		t.Fatalf("gateway attempts = %d, want 1", len(attempts))
	}
	if _, err := f.store.GetOrder(context.Background(), "t1", attempts[0]); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unlinked order survived: %v", err)
	}

	// The customer can retry once the gateway is back
	f.gateway.setCreateErr(nil)
	f.say(t, "t1", buyer, "si")
	f.wantState(t, "t1", buyer, models.StateOrderScheduling)
}

func TestCancelPendingOrder(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	orderID := f.placeOrder(t, buyer)

	wantContains(t, f.say(t, "t1", buyer, "cancelar"), "Pedido cancelado")
	f.wantState(t, "t1", buyer, models.StateInitial)

	order, _ := f.store.GetOrder(context.Background(), "t1", orderID)
	if order.Status != models.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", order.Status)
	}

	// A late paid callback cannot resurrect it
	params := SignParams(testSecret, map[string]string{"commerceOrder": orderID, "status": "2"})
	res, err := f.payments.HandleCallback(context.Background(), mustTenant(t, f.store, "t1"), params)
	if err != nil || res != CallbackAlreadyProcessed {
		t.Errorf("callback on cancelled order = %s, %v", res, err)
	}
	if s := f.stock(t, "t1", "p1"); s != 10 {
		t.Errorf("stock = %d, want 10", s)
	}
}

func TestDeclineQuote(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	f.say(t, "t1", buyer, "quiero 2 Blue Dream")
	wantContains(t, f.say(t, "t1", buyer, "no"), "no se creó el pedido")
	f.wantState(t, "t1", buyer, models.StateInitial)
	if n := len(f.gateway.attempts()); n != 0 {
		t.Errorf("gateway attempts = %d, want 0", n)
	}
}

func TestCheckOrderIsTenantScoped(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	orderID := f.placeOrder(t, buyer)
	f.say(t, "t1", buyer, "cancelar")

	// Same phone, other tenant
	reply := f.say(t, "t2", buyer, "estado "+orderID)
	wantContains(t, reply, "No encontré el pedido")
	f.wantState(t, "t2", buyer, models.StateCheckOrder)

	reply = f.say(t, "t1", buyer, "estado "+orderID)
	wantContains(t, reply, orderID)
	wantContains(t, reply, "cancelado")
	f.wantState(t, "t1", buyer, models.StateInitial)
}

func TestCheckOrderPollsGateway(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	orderID := f.placeOrder(t, buyer)
	f.gateway.setStatus("tok-"+orderID, PaymentPaid)

	// Lookups are scoped to the shop, not to the phone that placed the order
	other := "+56922222222"
	wantContains(t, f.say(t, "t1", other, "estado"), "número de pedido")
	f.wantState(t, "t1", other, models.StateCheckOrder)

	reply := f.say(t, "t1", other, orderID)
	wantContains(t, reply, "pagado")
	f.wantState(t, "t1", other, models.StateInitial)

	order, _ := f.store.GetOrder(context.Background(), "t1", orderID)
	if order.Status != models.OrderStatusPaid {
		t.Errorf("status = %s, want paid", order.Status)
	}
	if s := f.stock(t, "t1", "p1"); s != 8 {
		t.Errorf("stock = %d, want 8", s)
	}
}

func TestInsufficientStockAsksForAnotherQuantity(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	wantContains(t, f.say(t, "t1", buyer, "quiero 20 Blue Dream"), "Solo nos quedan 10 unidades")
	f.wantState(t, "t1", buyer, models.StateAwaitingQuantity)

	wantContains(t, f.say(t, "t1", buyer, "3"), "3 x Blue Dream = *$75*")
	f.wantState(t, "t1", buyer, models.StateOrderConfirmation)
}

func TestInvalidQuantityReprompts(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	f.say(t, "t1", buyer, "blue dream")
	f.wantState(t, "t1", buyer, models.StateAwaitingQuantity)

	for _, text := range []string{"-3", "2.5", "1.000"} {
		if reply := f.say(t, "t1", buyer, text); strings.Contains(reply, "= *$") {
			t.Errorf("%q was quoted: %q", text, reply)
		}
		f.wantState(t, "t1", buyer, models.StateAwaitingQuantity)
	}

	// A classifier that reads the number anyway does not override the text
	f.conversation.classifier = stubClassifier{intent: Intent{Kind: IntentQuantity, Quantity: 3}}
	f.say(t, "t1", buyer, "-3")
	f.wantState(t, "t1", buyer, models.StateAwaitingQuantity)

	wantContains(t, f.say(t, "t1", buyer, "3"), "3 x Blue Dream = *$75*")
}

func TestOutOfStockProduct(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	wantContains(t, f.say(t, "t1", buyer, "gorilla glue"), "agotado")
	f.wantState(t, "t1", buyer, models.StateInitial)
}

func TestBrowseByCatalogAndPosition(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	reply := f.say(t, "t1", buyer, "que productos tienen")
	wantContains(t, reply, "1. Blue Dream")
	wantContains(t, reply, "3. Papelillos")
	f.wantState(t, "t1", buyer, models.StateBrowsing)

	wantContains(t, f.say(t, "t1", buyer, "3"), "Elegiste *Papelillos*")
	st := f.wantState(t, "t1", buyer, models.StateAwaitingQuantity).(models.AwaitingQuantityStage)
	if st.Product.ID != "p3" {
		t.Errorf("selected %s, want p3", st.Product.ID)
	}

	wantContains(t, f.say(t, "t1", buyer, "dos"), "2 x Papelillos = *$10*")
}

func TestUnknownProductGuessIsRejected(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	// Classified as a product by a model that made the name up
	f.conversation.classifier = stubClassifier{intent: Intent{Kind: IntentProductSelection, ProductGuess: "Purple Haze"}}
	wantContains(t, f.say(t, "t1", buyer, "quiero purple haze"), "No encontré ese producto")
	f.wantState(t, "t1", buyer, models.StateInitial)
}

func TestGreetingKeepsStage(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)

	f.say(t, "t1", buyer, "quiero 2 Blue Dream")
	reply := f.say(t, "t1", buyer, "hola")
	wantContains(t, reply, "Bienvenido")
	wantContains(t, reply, "¿Confirmas el pedido?")
	f.wantState(t, "t1", buyer, models.StateOrderConfirmation)
}

func TestFinalizedSessionRestarts(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	ctx := context.Background()

	f.say(t, "t1", buyer, "quiero 2 Blue Dream")
	s := f.session(t, "t1", buyer)
	s.SetStage(models.FinalizedStage{})
	s.Active = false
	if err := f.store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	f.say(t, "t1", buyer, "hola")
	s = f.session(t, "t1", buyer)
	if !s.Active || s.State != models.StateInitial {
		t.Errorf("session = active %v state %s, want active INITIAL", s.Active, s.State)
	}
}

func TestRedeliveredMessageIsDropped(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t, WithMessageDeduper(cache.NewTTL[string, struct{}](time.Minute)))
	tenant := mustTenant(t, f.store, "t1")
	ctx := context.Background()
	msg := InboundMessage{MessageID: "SM1", Phone: buyer, Text: "quiero 2 Blue Dream"}

	first, err := f.conversation.HandleMessage(ctx, tenant, msg)
	if err != nil || first == "" {
		t.Fatalf("first delivery = %q, %v", first, err)
	}
	version := f.session(t, "t1", buyer).Version

	second, err := f.conversation.HandleMessage(ctx, tenant, msg)
	if err != nil || second != "" {
		t.Fatalf("redelivery = %q, %v, want empty reply", second, err)
	}
	if v := f.session(t, "t1", buyer).Version; v != version {
		t.Errorf("session written by redelivery: version %d -> %d", version, v)
	}

	// Same id for another tenant is a different message
	other, err := f.conversation.HandleMessage(ctx, mustTenant(t, f.store, "t2"), msg)
	if err != nil || other == "" {
		t.Errorf("other tenant = %q, %v", other, err)
	}
}

func TestBusySessionAsksToRetry(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t, WithLockTimeout(10*time.Millisecond))

	unlock, err := f.locker.Lock(context.Background(), "t1", buyer)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	wantContains(t, f.say(t, "t1", buyer, "hola"), "Inténtalo de nuevo en unos segundos")
}

// waitForClaim polls until the confirmation claim is saved
func (f *shopFixture) waitForClaim(t *testing.T, phone string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := f.session(t, "t1", phone)
		if st, ok := s.CurrentStage().(models.OrderConfirmationStage); ok && st.PendingOrderID != "" {
			return st.PendingOrderID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("confirmation claim never saved")
	return ""
}

func TestSecondYesWhileLinkIsCreated(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	f.gateway.block = make(chan struct{})

	f.say(t, "t1", buyer, "quiero 2 Blue Dream")

	tenant := mustTenant(t, f.store, "t1")
	var (
		wg    sync.WaitGroup
		first string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = f.conversation.HandleMessage(context.Background(), tenant, InboundMessage{Phone: buyer, Text: "si"})
	}()
	f.waitForClaim(t, buyer)

	wantContains(t, f.say(t, "t1", buyer, "si"), "Estamos generando tu link de pago")

	close(f.gateway.block)
	wg.Wait()
	wantContains(t, first, "Paga aquí")
	f.wantState(t, "t1", buyer, models.StateOrderScheduling)
	if n := f.gateway.createdCount(); n != 1 {
		t.Errorf("payment links created = %d, want 1", n)
	}
}

func TestCancelWhileLinkIsCreated(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	f.gateway.block = make(chan struct{})

	f.say(t, "t1", buyer, "quiero 2 Blue Dream")

	tenant := mustTenant(t, f.store, "t1")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.conversation.HandleMessage(context.Background(), tenant, InboundMessage{Phone: buyer, Text: "si"})
	}()
	orderID := f.waitForClaim(t, buyer)

	f.say(t, "t1", buyer, "cancelar")
	f.wantState(t, "t1", buyer, models.StateInitial)

	close(f.gateway.block)
	wg.Wait()

	// The late link is never attached and the session stays where the cancel left it
	f.wantState(t, "t1", buyer, models.StateInitial)
	if _, err := f.store.GetOrder(context.Background(), "t1", orderID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("claimed order survived the cancel: %v", err)
	}
}

func TestStaleClaimIsRecovered(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newShopFixture(t, WithClock(func() time.Time { return now }), WithClaimTTL(time.Minute))
	ctx := context.Background()

	// A turn that died between claiming and linking left this behind
	orphan := &models.Order{
		ID: "PED-AAAAAA", TenantID: "t1", Phone: buyer, Total: 50, Status: models.OrderStatusPendingPayment,
		Items: []models.OrderItem{{ProductID: "p1", ProductName: "Blue Dream", Quantity: 2, UnitPrice: 25}},
	}
	if err := f.store.CreateOrder(ctx, orphan); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	s, err := f.store.GetOrCreateSession(ctx, "t1", buyer, now)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	s.SetStage(models.OrderConfirmationStage{
		Product:        models.ProductRef{ID: "p1", Name: "Blue Dream", UnitPrice: 25},
		Quantity:       2,
		Total:          50,
		PendingOrderID: orphan.ID,
		ClaimedAt:      now.Add(-30 * time.Second),
	})
	if err := f.store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	wantContains(t, f.say(t, "t1", buyer, "si"), "Estamos generando tu link de pago")

	now = now.Add(time.Minute)
	reply := f.say(t, "t1", buyer, "si")
	wantContains(t, reply, orphan.ID)
	sched := f.wantState(t, "t1", buyer, models.StateOrderScheduling).(models.OrderSchedulingStage)
	if sched.OrderID != orphan.ID {
		t.Errorf("scheduling order = %s, want the recovered %s", sched.OrderID, orphan.ID)
	}
	got, _ := f.store.GetOrder(ctx, "t1", orphan.ID)
	if !got.HasPaymentLink() {
		t.Error("recovered order has no payment link")
	}
}

func TestLeavingClaimWithAttachedLinkCancelsOrder(t *testing.T) {
	t.Parallel()
	for _, text := range []string{"cancelar", "no"} {
		t.Run(text, func(t *testing.T) {
			t.Parallel()
			f := newShopFixture(t)
			ctx := context.Background()

			// The link was attached but the session never left ORDER_CONFIRMATION
			order := f.linkedOrder(t, "t1", "PED-BBBBBB")
			s, err := f.store.GetOrCreateSession(ctx, "t1", buyer, time.Now())
			if err != nil {
				t.Fatalf("GetOrCreateSession: %v", err)
			}
			s.SetStage(models.OrderConfirmationStage{
				Product:        models.ProductRef{ID: "p1", Name: "Blue Dream", UnitPrice: 25},
				Quantity:       2,
				Total:          50,
				PendingOrderID: order.ID,
				ClaimedAt:      time.Now(),
			})
			if err := f.store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}

			wantContains(t, f.say(t, "t1", buyer, text), "Pedido cancelado")
			f.wantState(t, "t1", buyer, models.StateInitial)

			got, err := f.store.GetOrder(ctx, "t1", order.ID)
			if err != nil {
				t.Fatalf("GetOrder: %v", err)
			}
			if got.Status != models.OrderStatusCancelled {
				t.Errorf("status = %s, want cancelled", got.Status)
			}

			params := SignParams(testSecret, map[string]string{"commerceOrder": order.ID, "status": "2"})
			res, err := f.payments.HandleCallback(ctx, mustTenant(t, f.store, "t1"), params)
			if err != nil || res != CallbackAlreadyProcessed {
				t.Errorf("callback on cancelled order = %s, %v", res, err)
			}
			if n := f.stock(t, "t1", "p1"); n != 10 {
				t.Errorf("stock = %d, want 10", n)
			}
		})
	}
}

func TestClassifierErrorFallsBackToUnknown(t *testing.T) {
	t.Parallel()
	f := newShopFixture(t)
	f.conversation.classifier = stubClassifier{err: errors.New("model down")}

	wantContains(t, f.say(t, "t1", buyer, "algo"), "No te entendí")
	f.wantState(t, "t1", buyer, models.StateInitial)
}

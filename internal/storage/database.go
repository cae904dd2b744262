package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
)

// DatabaseStore implements Store on top of gorm (PostgreSQL in production)
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore wraps an open gorm connection
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Models lists every table this store owns, in migration order
func Models() []any {
	return []any{
		&models.Tenant{},
		&models.Product{},
		&models.ConversationSession{},
		&models.Order{},
		&models.OrderItem{},
	}
}

// Ping verifies database connectivity
func (s *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Tenant operations
func (s *DatabaseStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "tenant "+id)
	}
	return &t, nil
}

func (s *DatabaseStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&t).Error; err != nil {
		return nil, notFound(err, "tenant slug "+slug)
	}
	return &t, nil
}

func (s *DatabaseStore) GetTenantByBusinessPhone(ctx context.Context, channel, phone string) (*models.Tenant, error) {
	column := "business_phone"
	if channel == models.ChannelCloudAPI {
		column = "phone_number_id"
	}
	var t models.Tenant
	if err := s.db.WithContext(ctx).Where(column+" = ?", phone).First(&t).Error; err != nil {
		return nil, notFound(err, "tenant phone "+phone)
	}
	return &t, nil
}

// Session operations
func (s *DatabaseStore) GetOrCreateSession(ctx context.Context, tenantID, phone string, now time.Time) (*models.ConversationSession, error) {
	existing, err := s.GetSession(ctx, tenantID, phone)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	session := &models.ConversationSession{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Phone:         phone,
		LastMessageAt: now.UTC(),
		Active:        true,
		Version:       1,
	}
	session.SetStage(models.InitialStage{})

	// A concurrent webhook may have created the row first; the unique index wins
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tenant_id"}, {Name: "phone"}}, DoNothing: true}).
		Create(session).Error
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, tenantID, phone)
}

func (s *DatabaseStore) GetSession(ctx context.Context, tenantID, phone string) (*models.ConversationSession, error) {
	var session models.ConversationSession
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND phone = ?", tenantID, phone).
		First(&session).Error
	if err != nil {
		return nil, notFound(err, "session")
	}
	return &session, nil
}

func (s *DatabaseStore) SaveSession(ctx context.Context, session *models.ConversationSession) error {
	if err := session.EncodeScratch(); err != nil {
		return err
	}
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).Session(&gorm.Session{SkipHooks: true}).
		Model(&models.ConversationSession{}).
		Where("id = ? AND version = ?", session.ID, session.Version).
		Updates(map[string]any{
			"state":           session.State,
			"scratch":         session.Scratch,
			"last_message_at": session.LastMessageAt.UTC(),
			"warning_sent":    session.WarningSent,
			"active":          session.Active,
			"version":         session.Version + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return fmt.Errorf("save session %s: %w", session.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentSessionConflict
	}
	session.Version++
	session.UpdatedAt = now
	return nil
}

func (s *DatabaseStore) ListSessionsToWarn(ctx context.Context, warnCutoff, finalCutoff time.Time) ([]*models.ConversationSession, error) {
	var sessions []*models.ConversationSession
	err := s.db.WithContext(ctx).
		Where("active = ? AND warning_sent = ? AND state <> ?", true, false, models.StateFinalized).
		Where("last_message_at <= ? AND last_message_at > ?", warnCutoff.UTC(), finalCutoff.UTC()).
		Order("last_message_at").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions to warn: %w", err)
	}
	return sessions, nil
}

func (s *DatabaseStore) ListSessionsToFinalize(ctx context.Context, finalCutoff time.Time) ([]*models.ConversationSession, error) {
	var sessions []*models.ConversationSession
	err := s.db.WithContext(ctx).
		Where("active = ? AND last_message_at <= ?", true, finalCutoff.UTC()).
		Order("last_message_at").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions to finalize: %w", err)
	}
	return sessions, nil
}

// Order operations
func (s *DatabaseStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}
	return nil
}

func (s *DatabaseStore) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("tenant_id = ? AND id = ?", tenantID, orderID).
		First(&order).Error
	if err != nil {
		return nil, notFound(err, "order "+orderID)
	}
	return &order, nil
}

func (s *DatabaseStore) AttachPaymentLink(ctx context.Context, tenantID, orderID, token, url string) error {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, orderID, models.OrderStatusPendingPayment).
		Updates(map[string]any{"payment_token": token, "payment_url": url, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("attach payment link to %s: %w", orderID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetOrder(ctx, tenantID, orderID); err != nil {
			return err
		}
		return fmt.Errorf("order %s is no longer pending payment", orderID)
	}
	return nil
}

func (s *DatabaseStore) DeleteUnlinkedOrder(ctx context.Context, tenantID, orderID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		err := tx.Where("tenant_id = ? AND id = ?", tenantID, orderID).First(&order).Error
		if err != nil {
			return notFound(err, "order "+orderID)
		}
		if order.PaymentToken != "" {
			return fmt.Errorf("delete order %s: %w", orderID, ErrOrderLinked)
		}
		if err := tx.Where("order_id = ?", orderID).Delete(&models.OrderItem{}).Error; err != nil {
			return fmt.Errorf("delete order items: %w", err)
		}
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, orderID).Delete(&models.Order{}).Error; err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		return nil
	})
}

func (s *DatabaseStore) MarkOrderPaid(ctx context.Context, tenantID, orderID string, at time.Time) (bool, error) {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("tenant_id = ? AND id = ? AND status = ? AND payment_token <> ''", tenantID, orderID, models.OrderStatusPendingPayment).
		Updates(map[string]any{"status": models.OrderStatusPaid, "paid_at": at, "updated_at": at})
	return s.conditionalResult(ctx, res, tenantID, orderID)
}

func (s *DatabaseStore) CancelOrder(ctx context.Context, tenantID, orderID string, at time.Time) (bool, error) {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, orderID, models.OrderStatusPendingPayment).
		Updates(map[string]any{"status": models.OrderStatusCancelled, "cancelled_at": at, "updated_at": at})
	return s.conditionalResult(ctx, res, tenantID, orderID)
}

// conditionalResult turns a guarded status update into (changed, err), telling apart
// "already transitioned" from "no such order for this tenant"
func (s *DatabaseStore) conditionalResult(ctx context.Context, res *gorm.DB, tenantID, orderID string) (bool, error) {
	if res.Error != nil {
		return false, fmt.Errorf("update order %s: %w", orderID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if _, err := s.GetOrder(ctx, tenantID, orderID); err != nil {
		return false, err
	}
	return false, nil
}

// Catalog operations
func (s *DatabaseStore) ListAvailable(ctx context.Context, tenantID, category string) ([]models.Product, error) {
	var products []models.Product
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("position, created_at").
		Find(&products).Error
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	if category == "" {
		return products, nil
	}

	want := Normalize(category)
	filtered := products[:0]
	for _, p := range products {
		if Normalize(p.Category) == want {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (s *DatabaseStore) FindByFuzzyName(ctx context.Context, tenantID, text string) (*models.Product, error) {
	products, err := s.ListAvailable(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	return BestMatch(products, text)
}

func (s *DatabaseStore) GetProduct(ctx context.Context, tenantID, productID string) (*models.Product, error) {
	var p models.Product
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, productID).First(&p).Error
	if err != nil {
		return nil, notFound(err, "product "+productID)
	}
	return &p, nil
}

func (s *DatabaseStore) DecrementStock(ctx context.Context, tenantID, productID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("tenant_id = ? AND id = ? AND stock >= ?", tenantID, productID, qty).
		Updates(map[string]any{"stock": gorm.Expr("stock - ?", qty), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("decrement stock of %s: %w", productID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

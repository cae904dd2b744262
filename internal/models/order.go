package models

import "time"

// Order is created when a customer confirms a quote. It always belongs to exactly one
// tenant and one customer phone.
type Order struct {
	ID       string      `json:"id" gorm:"primaryKey;size:32"`
	TenantID string      `json:"tenant_id" gorm:"index;size:64;not null"`
	Phone    string      `json:"phone" gorm:"index;not null"`
	Items    []OrderItem `json:"items" gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Total    int64       `json:"total"`

	// Status tracking
	Status string `json:"status" gorm:"index;size:24"` // "pending_payment", "paid", "cancelled"

	// Gateway pairing; the token, not the order id, is the gateway's key
	PaymentToken string `json:"-" gorm:"index"`
	PaymentURL   string `json:"payment_url"`

	PaidAt      *time.Time `json:"paid_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OrderItem is a line item with a price snapshot taken at confirmation time
type OrderItem struct {
	ID          uint   `json:"-" gorm:"primaryKey"`
	OrderID     string `json:"-" gorm:"index;size:32"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// Subtotal is unit price times quantity
func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Order status constants
const (
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusPaid           = "paid"
	OrderStatusCancelled      = "cancelled"
)

// HasPaymentLink reports whether the order has been paired with a gateway token.
// Orders without one are never shown to customers.
func (o *Order) HasPaymentLink() bool {
	return o.PaymentToken != "" && o.PaymentURL != ""
}

// StatusLabel is the Spanish label shown to customers
func (o *Order) StatusLabel() string {
	switch o.Status {
	case OrderStatusPaid:
		return "pagado ✅"
	case OrderStatusCancelled:
		return "cancelado ❌"
	default:
		return "pendiente de pago ⏳"
	}
}

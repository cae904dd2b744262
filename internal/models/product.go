package models

import "time"

// Product is a catalog row owned by the catalog collaborator. The conversation
// core only reads it and decrements stock.
type Product struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string    `json:"tenant_id" gorm:"index;size:64;not null"`
	Name        string    `json:"name" gorm:"not null"`
	Description string    `json:"description"`
	Category    string    `json:"category" gorm:"index"`
	UnitPrice   int64     `json:"unit_price"` // minor units of the tenant currency
	Stock       int       `json:"stock"`
	Position    int       `json:"position"` // catalog display order
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InStock reports whether at least qty units are available
func (p *Product) InStock(qty int) bool {
	return p.Stock >= qty && qty > 0
}

package models

import "time"

// Product mirrors a provider product object, keyed by the provider id.
type Product struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ExternalProductID string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_products_external_id" json:"external_product_id"`
	Name              string    `gorm:"type:varchar(255);not null" json:"name"`
	Description       string    `gorm:"type:text" json:"description"`
	Active            bool      `gorm:"default:true" json:"active"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

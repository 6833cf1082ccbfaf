package models

import "time"

const (
	PriceIntervalMonth = "month"
	PriceIntervalYear  = "year"
)

// Price mirrors a provider price object, keyed by the provider id. Rows are
// upserted on conflict and may be stale between syncs; reads that miss are
// backfilled on demand from the provider.
type Price struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ExternalPriceID   string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_prices_external_id" json:"external_price_id"`
	ExternalProductID string    `gorm:"type:varchar(191);not null;index" json:"external_product_id"`
	UnitAmount        int64     `gorm:"not null;default:0" json:"unit_amount"`
	Currency          string    `gorm:"type:varchar(8);not null" json:"currency"`
	RecurringInterval string    `gorm:"type:varchar(16);not null;default:''" json:"recurring_interval"`
	Active            bool      `gorm:"default:true;index" json:"active"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

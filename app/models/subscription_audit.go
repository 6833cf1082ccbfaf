package models

import "time"

const (
	ChangeTypeUpgrade      = "upgrade"
	ChangeTypeDowngrade    = "downgrade"
	ChangeTypeCancellation = "cancellation"
	ChangeTypeReactivation = "reactivation"
)

// SubscriptionChangeAudit is one append-only row per subscription mutation.
// Rows are never updated or deleted.
type SubscriptionChangeAudit struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	UserID                 uint      `gorm:"not null;index" json:"user_id"`
	SubscriptionID         uint      `gorm:"not null;index" json:"subscription_id"`
	ExternalSubscriptionID string    `gorm:"type:varchar(191);not null;index" json:"external_subscription_id"`
	OldPriceID             string    `gorm:"type:varchar(191);not null;default:''" json:"old_price_id"`
	NewPriceID             string    `gorm:"type:varchar(191);not null;default:''" json:"new_price_id"`
	ChangeType             string    `gorm:"type:varchar(20);not null;index" json:"change_type"`
	EffectiveDate          time.Time `gorm:"type:timestamp;not null" json:"effective_date"`
	CreatedAt              time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

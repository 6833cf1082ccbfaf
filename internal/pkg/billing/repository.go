package billing

import (
	"time"

	"github.com/haruworks/subsync/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service and the
// webhook processor.
type Repository interface {
	UpsertSubscription(sub *models.Subscription) error
	SaveSubscriptionWithAudit(sub *models.Subscription, audit *models.SubscriptionChangeAudit) error
	GetCurrentSubscription(userID uint) (*models.Subscription, error)
	GetSubscriptionByExternalID(externalSubscriptionID string) (*models.Subscription, error)
	ListAuditsByUser(userID uint) ([]models.SubscriptionChangeAudit, error)

	UpsertPrice(price *models.Price) error
	UpsertProduct(product *models.Product) error
	GetPriceByExternalID(externalPriceID string) (*models.Price, error)

	ClaimWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetWebhookEventByExternalID(externalID string) (*models.WebhookEvent, error)
	UpdateWebhookEventStatus(id uint, status string, retryCount int, lastError string) error
	MarkWebhookProcessed(id uint) error
	AppendStage(stage *models.WebhookEventStage) error
	FinishStage(stage *models.WebhookEventStage) error
	ListWebhookEventsByStatus(status string, limit int) ([]models.WebhookEvent, error)
	ListStuckWebhookEvents(olderThan time.Time, limit int) ([]models.WebhookEvent, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	return upsertSubscription(r.db, sub)
}

func upsertSubscription(db *gorm.DB, sub *models.Subscription) error {
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "external_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"external_customer_id",
			"external_price_id",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"canceled_at",
			"quantity",
			"provider_created_at",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return db.Where("external_subscription_id = ?", sub.ExternalSubscriptionID).
		First(sub).Error
}

// SaveSubscriptionWithAudit persists the provider-derived subscription mirror
// and its audit row in one transaction, so an audit row never exists without
// the state it describes.
func (r *gormRepository) SaveSubscriptionWithAudit(sub *models.Subscription, audit *models.SubscriptionChangeAudit) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := upsertSubscription(tx, sub); err != nil {
			return err
		}
		audit.SubscriptionID = sub.ID
		audit.ExternalSubscriptionID = sub.ExternalSubscriptionID
		return tx.Create(audit).Error
	})
}

func (r *gormRepository) GetCurrentSubscription(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.
		Where("user_id = ? AND status IN ?", userID, []string{
			models.SubscriptionStatusTrialing,
			models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
		}).
		// Provider creation time decides "current"; mirror rows can land out
		// of delivery order, so local created_at is only a tie-breaker.
		Order("provider_created_at DESC, created_at DESC, id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByExternalID(externalSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("external_subscription_id = ?", externalSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListAuditsByUser(userID uint) ([]models.SubscriptionChangeAudit, error) {
	var audits []models.SubscriptionChangeAudit
	err := r.db.Where("user_id = ?", userID).Order("created_at ASC, id ASC").Find(&audits).Error
	return audits, err
}

func (r *gormRepository) UpsertPrice(price *models.Price) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "external_price_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_product_id",
			"unit_amount",
			"currency",
			"recurring_interval",
			"active",
			"updated_at",
		}),
	}).Create(price).Error
}

func (r *gormRepository) UpsertProduct(product *models.Product) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "external_product_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"description",
			"active",
			"updated_at",
		}),
	}).Create(product).Error
}

func (r *gormRepository) GetPriceByExternalID(externalPriceID string) (*models.Price, error) {
	var price models.Price
	err := r.db.Where("external_price_id = ?", externalPriceID).First(&price).Error
	if err != nil {
		return nil, err
	}
	return &price, nil
}

// ClaimWebhookEvent atomically claims an event by external id. The unique
// index makes the insert a no-op for duplicate deliveries; the returned bool
// reports whether this call won the claim.
func (r *gormRepository) ClaimWebhookEvent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "external_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("external_id = ?", event.ExternalID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEventByExternalID(externalID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.Preload("Stages").Where("external_id = ?", externalID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) UpdateWebhookEventStatus(id uint, status string, retryCount int, lastError string) error {
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"retry_count": retryCount,
		"last_error":  lastError,
	}).Error
}

func (r *gormRepository) MarkWebhookProcessed(id uint) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":       models.WebhookStatusProcessed,
		"processed_at": &now,
		"last_error":   "",
	}).Error
}

func (r *gormRepository) AppendStage(stage *models.WebhookEventStage) error {
	return r.db.Create(stage).Error
}

// FinishStage fills in the outcome of the stage row created at attempt start.
// Completed attempts never touch earlier stage rows.
func (r *gormRepository) FinishStage(stage *models.WebhookEventStage) error {
	return r.db.Model(&models.WebhookEventStage{}).Where("id = ?", stage.ID).Updates(map[string]interface{}{
		"status":            stage.Status,
		"execution_time_ms": stage.ExecutionTimeMs,
		"db_queries":        stage.DBQueries,
		"api_calls":         stage.APICalls,
		"error_message":     stage.ErrorMessage,
		"finished_at":       stage.FinishedAt,
	}).Error
}

// ListStuckWebhookEvents returns events left in a working state (pending or
// processing) that have not been touched since olderThan. A crash between the
// claim and the retry scheduling strands events there: no retry entry exists,
// so only an age-based sweep can recover them.
func (r *gormRepository) ListStuckWebhookEvents(olderThan time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	q := r.db.
		Where("status IN ? AND updated_at < ?", []string{
			models.WebhookStatusPending,
			models.WebhookStatusProcessing,
		}, olderThan).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

func (r *gormRepository) ListWebhookEventsByStatus(status string, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	q := r.db.Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

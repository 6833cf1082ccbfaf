package models

import "time"

const (
	WebhookStatusPending    = "pending"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
	WebhookStatusDeadLetter = "dead_letter"
)

const (
	StageStatusStarted   = "started"
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
)

// WebhookEvent stores provider webhook deliveries with deduplication metadata
// for idempotent processing. ExternalID is the provider event id and acts as
// the dedup key; a second delivery of the same id never creates a second row.
type WebhookEvent struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	ExternalID  string              `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_events_external_id" json:"external_id"`
	EventType   string              `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON string              `gorm:"type:longtext;not null" json:"payload_json"`
	Status      string              `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	RetryCount  int                 `gorm:"not null;default:0" json:"retry_count"`
	LastError   string              `gorm:"type:text" json:"last_error"`
	Livemode    bool                `gorm:"default:false" json:"livemode"`
	ProcessedAt *time.Time          `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	Stages      []WebhookEventStage `gorm:"foreignKey:WebhookEventID" json:"stages,omitempty"`
	CreatedAt   time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event reached a state that must never be
// processed again automatically.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == WebhookStatusProcessed || e.Status == WebhookStatusDeadLetter
}

// WebhookEventStage records one handler attempt for a webhook event. Stages
// are append-only: a retry adds a new row instead of rewriting the failed one.
type WebhookEventStage struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	WebhookEventID  uint       `gorm:"not null;index" json:"webhook_event_id"`
	StageName       string     `gorm:"type:varchar(100);not null" json:"stage_name"`
	HandlerName     string     `gorm:"type:varchar(100);not null" json:"handler_name"`
	Status          string     `gorm:"type:varchar(20);not null" json:"status"`
	ExecutionTimeMs int64      `gorm:"not null;default:0" json:"execution_time_ms"`
	DBQueries       int        `gorm:"not null;default:0" json:"db_queries"`
	APICalls        int        `gorm:"not null;default:0" json:"api_calls"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	StartedAt       time.Time  `gorm:"type:timestamp;not null" json:"started_at"`
	FinishedAt      *time.Time `gorm:"type:timestamp;default:null" json:"finished_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}
